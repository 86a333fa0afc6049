package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/beliaevvc/reskinlab-sub002/internal/domain"
)

const approvalColumns = `id,project_id,stage_id,approval_type,status,revision_round,max_free_rounds,requested_by,responded_by,responded_at,client_comment,created_at`

func scanApproval(row interface{ Scan(...any) error }) (domain.Approval, error) {
	var a domain.Approval
	var stageID, respondedBy, respondedAt, comment sql.NullString
	err := row.Scan(&a.ID, &a.ProjectID, &stageID, &a.ApprovalType, &a.Status, &a.RevisionRound, &a.MaxFreeRounds,
		&a.RequestedBy, &respondedBy, &respondedAt, &comment, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	a.StageID = strPtr(stageID)
	a.RespondedBy = strPtr(respondedBy)
	a.RespondedAt = strPtr(respondedAt)
	a.ClientComment = strPtr(comment)
	return a, err
}

func (r Repo) InsertApproval(ctx context.Context, a domain.Approval) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO approvals(`+approvalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, nullableStringPtr(a.StageID), a.ApprovalType, a.Status, a.RevisionRound, a.MaxFreeRounds,
		a.RequestedBy, nullableStringPtr(a.RespondedBy), nullableStringPtr(a.RespondedAt), nullableStringPtr(a.ClientComment), a.CreatedAt)
	return mapErr(err)
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.Approval, error) {
	return scanApproval(r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
}

func (r Repo) GetApprovalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Approval, error) {
	return scanApproval(tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
}

func (r Repo) ListApprovals(ctx context.Context, projectID string) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE project_id=? ORDER BY created_at ASC, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ApprovalResponse is the overwrite applied by RespondApprovalTx.
type ApprovalResponse struct {
	Status      string
	RespondedBy string
	RespondedAt string
	Comment     *string
}

// RespondApprovalTx overwrites the response columns of an approval that is still open
// (pending or needs_revision). A needs_revision response increments revision_round in the
// same statement.
func (r Repo) RespondApprovalTx(ctx context.Context, tx *sql.Tx, id string, resp ApprovalResponse) error {
	bump := 0
	if resp.Status == domain.ApprovalNeedsRevision {
		bump = 1
	}
	res, err := tx.ExecContext(ctx, `UPDATE approvals SET status=?, responded_by=?, responded_at=?, client_comment=?, revision_round=revision_round+?
WHERE id=? AND status IN (?,?)`,
		resp.Status, resp.RespondedBy, resp.RespondedAt, nullableStringPtr(resp.Comment), bump,
		id, domain.ApprovalPending, domain.ApprovalNeedsRevision)
	if err != nil {
		return err
	}
	return affected(res, ErrStale)
}
