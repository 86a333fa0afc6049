package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/beliaevvc/reskinlab-sub002/internal/domain"
)

const specColumns = `id,project_id,status,grand_total,state_json,created_at,updated_at,finalized_at`

func scanSpecification(row interface{ Scan(...any) error }) (domain.Specification, error) {
	var s domain.Specification
	var state string
	var finalized sql.NullString
	err := row.Scan(&s.ID, &s.ProjectID, &s.Status, &s.Totals.GrandTotal, &state, &s.CreatedAt, &s.UpdatedAt, &finalized)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(state), &s.State); err != nil {
		return s, fmt.Errorf("decode specification %s state: %w", s.ID, err)
	}
	s.FinalizedAt = strPtr(finalized)
	return s, nil
}

func (r Repo) InsertSpecification(ctx context.Context, s domain.Specification) error {
	state, err := json.Marshal(s.State)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO specifications(id,project_id,status,grand_total,state_json,created_at,updated_at,finalized_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Status, s.Totals.GrandTotal, string(state), s.CreatedAt, s.UpdatedAt, nullableStringPtr(s.FinalizedAt))
	return mapErr(err)
}

// UpdateDraftSpecification replaces totals and state of a draft; finalized rows are left
// alone and yield ErrStale.
func (r Repo) UpdateDraftSpecification(ctx context.Context, s domain.Specification) error {
	state, err := json.Marshal(s.State)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE specifications SET grand_total=?, state_json=?, updated_at=? WHERE id=? AND status=?`,
		s.Totals.GrandTotal, string(state), s.UpdatedAt, s.ID, domain.SpecDraft)
	if err != nil {
		return err
	}
	return affected(res, ErrStale)
}

func (r Repo) FinalizeSpecification(ctx context.Context, id, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE specifications SET status=?, finalized_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.SpecFinalized, now, now, id, domain.SpecDraft)
	if err != nil {
		return err
	}
	return affected(res, ErrStale)
}

func (r Repo) GetSpecification(ctx context.Context, id string) (domain.Specification, error) {
	return scanSpecification(r.DB.QueryRowContext(ctx, `SELECT `+specColumns+` FROM specifications WHERE id=?`, id))
}

func (r Repo) ListSpecifications(ctx context.Context, projectID string) ([]domain.Specification, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+specColumns+` FROM specifications WHERE project_id=? ORDER BY created_at ASC, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Specification
	for rows.Next() {
		s, err := scanSpecification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
