package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/beliaevvc/reskinlab-sub002/internal/domain"
)

const stageColumns = `id,project_id,stage_key,name,stage_order,status,started_at,completed_at`

func scanStage(row interface{ Scan(...any) error }) (domain.WorkflowStage, error) {
	var s domain.WorkflowStage
	var started, completed sql.NullString
	err := row.Scan(&s.ID, &s.ProjectID, &s.StageKey, &s.Name, &s.Order, &s.Status, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.StartedAt = strPtr(started)
	s.CompletedAt = strPtr(completed)
	s.Persisted = true
	return s, nil
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.WorkflowStage, error) {
	return scanStage(r.DB.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM workflow_stages WHERE id=?`, id))
}

func (r Repo) GetStageTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowStage, error) {
	return scanStage(tx.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM workflow_stages WHERE id=?`, id))
}

// ListStages returns the persisted stages of a project ordered by stage order.
func (r Repo) ListStages(ctx context.Context, projectID string) ([]domain.WorkflowStage, error) {
	return listStages(ctx, r.DB, projectID)
}

func (r Repo) ListStagesTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.WorkflowStage, error) {
	return listStages(ctx, tx, projectID)
}

func listStages(ctx context.Context, q querier, projectID string) ([]domain.WorkflowStage, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+stageColumns+` FROM workflow_stages WHERE project_id=? ORDER BY stage_order ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowStage
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// InsertStagesTx materializes stages with a single multi-row INSERT.
func (r Repo) InsertStagesTx(ctx context.Context, tx *sql.Tx, stages []domain.WorkflowStage, createdAt string) error {
	if len(stages) == 0 {
		return nil
	}
	values := make([]string, 0, len(stages))
	args := make([]any, 0, len(stages)*9)
	for _, s := range stages {
		values = append(values, "(?,?,?,?,?,?,?,?,?)")
		args = append(args, s.ID, s.ProjectID, s.StageKey, s.Name, s.Order, s.Status,
			nullableStringPtr(s.StartedAt), nullableStringPtr(s.CompletedAt), createdAt)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_stages(id,project_id,stage_key,name,stage_order,status,started_at,completed_at,created_at) VALUES `+
		strings.Join(values, ","), args...)
	return mapErr(err)
}

// ActivateStagesTx moves the listed pending stages to in_progress in one statement and
// returns how many rows changed.
func (r Repo) ActivateStagesTx(ctx context.Context, tx *sql.Tx, ids []string, startedAt string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{domain.StageInProgress, startedAt}
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, domain.StagePending)
	res, err := tx.ExecContext(ctx, `UPDATE workflow_stages SET status=?, started_at=?, completed_at=NULL WHERE id IN (`+
		placeholders(len(ids))+`) AND status=?`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetStagesTx moves the listed non-pending stages back to pending in one statement.
func (r Repo) ResetStagesTx(ctx context.Context, tx *sql.Tx, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{domain.StagePending}
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, domain.StagePending)
	res, err := tx.ExecContext(ctx, `UPDATE workflow_stages SET status=?, started_at=NULL, completed_at=NULL WHERE id IN (`+
		placeholders(len(ids))+`) AND status<>?`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetStageStatusTx writes a single stage status with its timestamp rules: in_progress and
// review stamp started_at with now and clear completed_at. Completed and
// approved stamp completed_at. Pending clears both.
func (r Repo) SetStageStatusTx(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	var query string
	var args []any
	switch status {
	case domain.StageInProgress, domain.StageReview:
		query = `UPDATE workflow_stages SET status=?, started_at=?, completed_at=NULL WHERE id=?`
		args = []any{status, now, id}
	case domain.StageCompleted, domain.StageApproved:
		query = `UPDATE workflow_stages SET status=?, completed_at=? WHERE id=?`
		args = []any{status, now, id}
	default:
		query = `UPDATE workflow_stages SET status=?, started_at=NULL, completed_at=NULL WHERE id=?`
		args = []any{status, id}
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return affected(res, ErrNotFound)
}
