package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/beliaevvc/reskinlab-sub002/internal/domain"
)

const offerColumns = `id,specification_id,project_id,number,status,valid_until,legal_text,accepted_at,created_at`

func scanOffer(row interface{ Scan(...any) error }) (domain.Offer, error) {
	var o domain.Offer
	var accepted sql.NullString
	err := row.Scan(&o.ID, &o.SpecificationID, &o.ProjectID, &o.Number, &o.Status, &o.ValidUntil, &o.LegalText, &accepted, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	o.AcceptedAt = strPtr(accepted)
	return o, err
}

// InsertOffer writes a new offer. Unique violations on specification_id or number come
// back as *DuplicateError.
func (r Repo) InsertOffer(ctx context.Context, o domain.Offer) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO offers(id,specification_id,project_id,number,status,valid_until,legal_text,accepted_at,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		o.ID, o.SpecificationID, o.ProjectID, o.Number, o.Status, o.ValidUntil, o.LegalText, nullableStringPtr(o.AcceptedAt), o.CreatedAt)
	return mapErr(err)
}

func (r Repo) GetOffer(ctx context.Context, id string) (domain.Offer, error) {
	return scanOffer(r.DB.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=?`, id))
}

func (r Repo) GetOfferTx(ctx context.Context, tx *sql.Tx, id string) (domain.Offer, error) {
	return scanOffer(tx.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=?`, id))
}

func (r Repo) GetOfferBySpecification(ctx context.Context, specificationID string) (domain.Offer, error) {
	return scanOffer(r.DB.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE specification_id=?`, specificationID))
}

func (r Repo) ListOffers(ctx context.Context, projectID string) ([]domain.Offer, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE project_id=? ORDER BY created_at ASC, number`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// AcceptOfferTx moves a pending offer to accepted.
func (r Repo) AcceptOfferTx(ctx context.Context, tx *sql.Tx, id, acceptedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE offers SET status=?, accepted_at=? WHERE id=? AND status=?`,
		domain.OfferAccepted, acceptedAt, id, domain.OfferPending)
	if err != nil {
		return err
	}
	return affected(res, ErrStale)
}

// CancelOfferTx moves a pending offer to cancelled.
func (r Repo) CancelOfferTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE offers SET status=? WHERE id=? AND status=?`,
		domain.OfferCancelled, id, domain.OfferPending)
	if err != nil {
		return err
	}
	return affected(res, ErrStale)
}

// ExpiredOffer identifies an offer flipped by ExpireOffers.
type ExpiredOffer struct {
	ID        string
	ProjectID string
}

// ExpireOffers marks every pending offer whose valid_until is before now as expired.
func (r Repo) ExpireOffers(ctx context.Context, now string) ([]ExpiredOffer, error) {
	rows, err := r.DB.QueryContext(ctx, `UPDATE offers SET status=? WHERE status=? AND valid_until<? RETURNING id, project_id`,
		domain.OfferExpired, domain.OfferPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ExpiredOffer
	for rows.Next() {
		var e ExpiredOffer
		if err := rows.Scan(&e.ID, &e.ProjectID); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestOfferNumber returns the highest offer number starting with prefix, "" if none.
// Wider sequence numbers sort first so 100000 beats 99999.
func (r Repo) LatestOfferNumber(ctx context.Context, prefix string) (string, error) {
	return latestNumber(ctx, r.DB, `SELECT number FROM offers WHERE number LIKE ? ESCAPE '\' ORDER BY length(number) DESC, number DESC LIMIT 1`, prefix)
}

func latestNumber(ctx context.Context, q querier, query, prefix string) (string, error) {
	var number string
	err := q.QueryRowContext(ctx, query, escapeLike(prefix)+"%").Scan(&number)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return number, err
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
