package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/beliaevvc/reskinlab-sub002/internal/domain"
	"github.com/beliaevvc/reskinlab-sub002/internal/events"
	"github.com/beliaevvc/reskinlab-sub002/internal/metrics"
)

// Payment ledger, one invoice at a time:
//
//	pending --submit(tx_hash)--> awaiting_confirmation
//	awaiting_confirmation --confirm--> paid
//	awaiting_confirmation --reject(reason)--> pending
//
// Each transition reads the invoice to report a precise precondition, then writes with a
// compare-and-set on the expected status. Losing that race is a ConflictError.

func (e Engine) GetInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	inv, err := e.Repo.GetInvoice(ctx, id)
	return inv, notFound(err, "invoice", id)
}

func (e Engine) ListInvoices(ctx context.Context, projectID string) ([]domain.Invoice, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, notFound(err, "project", projectID)
	}
	return e.Repo.ListInvoicesByProject(ctx, projectID)
}

func (e Engine) invoiceIn(ctx context.Context, op, id, want string) (domain.Invoice, error) {
	inv, err := e.Repo.GetInvoice(ctx, id)
	if err != nil {
		return domain.Invoice{}, notFound(err, "invoice", id)
	}
	if inv.Status != want {
		metrics.RecordPayment(op, false)
		return domain.Invoice{}, precondition(op, "invoice %s is %s, expected %s", inv.Number, inv.Status, want)
	}
	return inv, nil
}

// SubmitPayment records the client's claimed payment transaction.
func (e Engine) SubmitPayment(ctx context.Context, invoiceID, txHash, actorID string) (domain.Invoice, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return domain.Invoice{}, precondition("submit payment", "a transaction hash is required")
	}
	inv, err := e.invoiceIn(ctx, "submit payment", invoiceID, domain.InvoicePending)
	if err != nil {
		return domain.Invoice{}, err
	}
	if err := e.Repo.SubmitPayment(ctx, invoiceID, txHash, e.ts()); err != nil {
		return domain.Invoice{}, stale(err, "invoice", invoiceID, "status changed concurrently; reload")
	}
	metrics.RecordPayment("submit", true)
	e.audit(ctx, events.Event{
		Type: events.PaymentSubmitted, ProjectID: inv.ProjectID, EntityKind: "invoice", EntityID: invoiceID, ActorID: actorID,
		Payload: events.EventPayload{"tx_hash": txHash},
	})
	return e.GetInvoice(ctx, invoiceID)
}

// ConfirmPayment settles an invoice awaiting confirmation. Paying the first milestone of an
// accepted offer moves the project into production.
func (e Engine) ConfirmPayment(ctx context.Context, invoiceID, actorID string) (domain.Invoice, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Invoice{}, err
	}
	inv, err := e.invoiceIn(ctx, "confirm payment", invoiceID, domain.InvoiceAwaitingConfirmation)
	if err != nil {
		return domain.Invoice{}, err
	}
	if err := e.Repo.ConfirmPayment(ctx, invoiceID, actorID, e.ts()); err != nil {
		metrics.RecordPayment("confirm", false)
		return domain.Invoice{}, stale(err, "invoice", invoiceID, "status changed concurrently; reload")
	}
	metrics.RecordPayment("confirm", true)
	e.audit(ctx, events.Event{
		Type: events.PaymentConfirmed, ProjectID: inv.ProjectID, EntityKind: "invoice", EntityID: invoiceID, ActorID: actorID,
		Payload: events.EventPayload{"amount": inv.Amount, "milestone_id": inv.MilestoneID},
	})
	if inv.MilestoneOrder == 1 {
		e.startProduction(ctx, inv, actorID)
	}
	return e.GetInvoice(ctx, invoiceID)
}

func (e Engine) startProduction(ctx context.Context, inv domain.Invoice, actorID string) {
	offer, err := e.Repo.GetOffer(ctx, inv.OfferID)
	if err != nil {
		e.log().Warn("offer lookup after payment failed", zap.String("offer_id", inv.OfferID), zap.Error(err))
		return
	}
	if offer.Status != domain.OfferAccepted {
		return
	}
	e.setProjectStatus(ctx, inv.ProjectID, domain.ProjectInProduction, actorID)
}

// RejectPayment sends an invoice back to pending, dropping the claimed transaction hash.
func (e Engine) RejectPayment(ctx context.Context, invoiceID, reason, actorID string) (domain.Invoice, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Invoice{}, precondition("reject payment", "a rejection reason is required")
	}
	inv, err := e.invoiceIn(ctx, "reject payment", invoiceID, domain.InvoiceAwaitingConfirmation)
	if err != nil {
		return domain.Invoice{}, err
	}
	if err := e.Repo.RejectPayment(ctx, invoiceID, reason, e.ts()); err != nil {
		metrics.RecordPayment("reject", false)
		return domain.Invoice{}, stale(err, "invoice", invoiceID, "status changed concurrently; reload")
	}
	metrics.RecordPayment("reject", true)
	e.audit(ctx, events.Event{
		Type: events.PaymentRejected, ProjectID: inv.ProjectID, EntityKind: "invoice", EntityID: invoiceID, ActorID: actorID,
		Payload: events.EventPayload{"reason": reason},
	})
	return e.GetInvoice(ctx, invoiceID)
}
