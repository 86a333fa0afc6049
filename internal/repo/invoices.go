package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/beliaevvc/reskinlab-sub002/internal/domain"
)

const invoiceColumns = `id,offer_id,project_id,number,milestone_id,milestone_name,milestone_order,amount,currency,status,due_date,paid_at,tx_hash,rejection_reason,confirmed_by,created_at,updated_at`

func scanInvoice(row interface{ Scan(...any) error }) (domain.Invoice, error) {
	var inv domain.Invoice
	var paidAt, txHash, reason, confirmedBy sql.NullString
	err := row.Scan(&inv.ID, &inv.OfferID, &inv.ProjectID, &inv.Number, &inv.MilestoneID, &inv.MilestoneName, &inv.MilestoneOrder,
		&inv.Amount, &inv.Currency, &inv.Status, &inv.DueDate, &paidAt, &txHash, &reason, &confirmedBy, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return inv, ErrNotFound
	}
	inv.PaidAt = strPtr(paidAt)
	inv.TxHash = strPtr(txHash)
	inv.RejectionReason = strPtr(reason)
	inv.ConfirmedBy = strPtr(confirmedBy)
	return inv, err
}

func (r Repo) InsertInvoice(ctx context.Context, inv domain.Invoice) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO invoices(`+invoiceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		inv.ID, inv.OfferID, inv.ProjectID, inv.Number, inv.MilestoneID, inv.MilestoneName, inv.MilestoneOrder,
		inv.Amount, inv.Currency, inv.Status, inv.DueDate, nullableStringPtr(inv.PaidAt), nullableStringPtr(inv.TxHash),
		nullableStringPtr(inv.RejectionReason), nullableStringPtr(inv.ConfirmedBy), inv.CreatedAt, inv.UpdatedAt)
	return mapErr(err)
}

func (r Repo) GetInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	return scanInvoice(r.DB.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=?`, id))
}

func (r Repo) ListInvoicesByOffer(ctx context.Context, offerID string) ([]domain.Invoice, error) {
	return listInvoices(ctx, r.DB, `WHERE offer_id=? ORDER BY milestone_order ASC`, offerID)
}

func (r Repo) ListInvoicesByProject(ctx context.Context, projectID string) ([]domain.Invoice, error) {
	return listInvoices(ctx, r.DB, `WHERE project_id=? ORDER BY created_at ASC, offer_id, milestone_order ASC`, projectID)
}

func listInvoices(ctx context.Context, q querier, where string, args ...any) ([]domain.Invoice, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+invoiceColumns+` FROM invoices `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}

// SubmitPayment records a claimed payment: pending -> awaiting_confirmation.
func (r Repo) SubmitPayment(ctx context.Context, id, txHash, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE invoices SET status=?, tx_hash=?, updated_at=? WHERE id=? AND status=?`,
		domain.InvoiceAwaitingConfirmation, txHash, now, id, domain.InvoicePending)
	if err != nil {
		return err
	}
	return affected(res, ErrStale)
}

// ConfirmPayment settles an invoice: awaiting_confirmation -> paid.
func (r Repo) ConfirmPayment(ctx context.Context, id, confirmedBy, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE invoices SET status=?, paid_at=?, confirmed_by=?, updated_at=? WHERE id=? AND status=?`,
		domain.InvoicePaid, now, confirmedBy, now, id, domain.InvoiceAwaitingConfirmation)
	if err != nil {
		return err
	}
	return affected(res, ErrStale)
}

// RejectPayment returns an invoice to pending and drops the claimed transaction hash.
func (r Repo) RejectPayment(ctx context.Context, id, reason, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE invoices SET status=?, tx_hash=NULL, rejection_reason=?, updated_at=? WHERE id=? AND status=?`,
		domain.InvoicePending, reason, now, id, domain.InvoiceAwaitingConfirmation)
	if err != nil {
		return err
	}
	return affected(res, ErrStale)
}

// CancelPendingInvoicesTx cancels the still-pending invoices of an offer.
func (r Repo) CancelPendingInvoicesTx(ctx context.Context, tx *sql.Tx, offerID, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE invoices SET status=?, updated_at=? WHERE offer_id=? AND status=?`,
		domain.InvoiceCancelled, now, offerID, domain.InvoicePending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) LatestInvoiceNumber(ctx context.Context, prefix string) (string, error) {
	return latestNumber(ctx, r.DB, `SELECT number FROM invoices WHERE number LIKE ? ESCAPE '\' ORDER BY length(number) DESC, number DESC LIMIT 1`, prefix)
}
