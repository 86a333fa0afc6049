package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beliaevvc/reskinlab-sub002/internal/domain"
	"github.com/beliaevvc/reskinlab-sub002/internal/events"
	"github.com/beliaevvc/reskinlab-sub002/internal/metrics"
	"github.com/beliaevvc/reskinlab-sub002/internal/repo"
	"github.com/beliaevvc/reskinlab-sub002/internal/schedule"
	"github.com/beliaevvc/reskinlab-sub002/internal/sequence"
)

// IssueResult is the offer with whatever invoices exist for it. Partial lists milestones
// whose invoices could not be created on this call.
type IssueResult struct {
	Offer    domain.Offer     `json:"offer"`
	Invoices []domain.Invoice `json:"invoices"`
	Created  bool             `json:"created"`
	Partial  *PartialFailure  `json:"partial,omitempty"`
}

var errSpecHasOffer = errors.New("specification already has an offer")

// CreateOffer turns a finalized specification into an offer. Calling it again for the same
// specification returns the existing offer unchanged.
func (e Engine) CreateOffer(ctx context.Context, specID, actorID string) (domain.Offer, error) {
	res, err := e.IssueOffer(ctx, specID, actorID)
	return res.Offer, err
}

// IssueOffer is CreateOffer that also reports the invoices and any partial failure.
func (e Engine) IssueOffer(ctx context.Context, specID, actorID string) (IssueResult, error) {
	started := time.Now()
	spec, err := e.Repo.GetSpecification(ctx, specID)
	if err != nil {
		return IssueResult{}, notFound(err, "specification", specID)
	}
	if spec.Status != domain.SpecFinalized {
		return IssueResult{}, precondition("create offer", "specification %s is %s; finalize it first", specID, spec.Status)
	}
	if existing, err := e.Repo.GetOfferBySpecification(ctx, specID); err == nil {
		return e.existingOffer(ctx, existing)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return IssueResult{}, err
	}
	milestones, err := e.milestones(spec)
	if err != nil {
		return IssueResult{}, precondition("create offer", "cannot compute payment schedule: %v", err)
	}

	cfg := e.cfg()
	now := e.now().UTC()
	offer := domain.Offer{
		ID:              uuid.NewString(),
		SpecificationID: spec.ID,
		ProjectID:       spec.ProjectID,
		Status:          domain.OfferPending,
		ValidUntil:      now.AddDate(0, 0, cfg.Billing.OfferValidityDays).Format(time.RFC3339),
		CreatedAt:       now.Format(time.RFC3339),
	}
	_, err = e.allocate(ctx, sequence.KindOffer, func(number string) error {
		offer.Number = number
		text, err := e.legal().Render(ctx, offer, spec)
		if err != nil {
			return fmt.Errorf("render legal text: %w", err)
		}
		offer.LegalText = text
		err = e.Repo.InsertOffer(ctx, offer)
		switch {
		case repo.IsDuplicateOf(err, "offers.specification_id"):
			return errSpecHasOffer
		case repo.IsDuplicateOf(err, "offers.number"):
			return fmt.Errorf("%w: %v", sequence.ErrNumberTaken, err)
		}
		return err
	})
	if errors.Is(err, errSpecHasOffer) {
		// a concurrent call created it first
		existing, gerr := e.Repo.GetOfferBySpecification(ctx, specID)
		if gerr != nil {
			return IssueResult{}, gerr
		}
		return e.existingOffer(ctx, existing)
	}
	if err != nil {
		return IssueResult{}, err
	}
	e.audit(ctx, events.Event{
		Type: events.OfferCreated, ProjectID: offer.ProjectID, EntityKind: "offer", EntityID: offer.ID, ActorID: actorID,
		Payload: events.EventPayload{"number": offer.Number, "specification_id": spec.ID, "milestones": len(milestones)},
	})

	res := IssueResult{Offer: offer, Created: true}
	for _, m := range milestones {
		inv, err := e.issueInvoice(ctx, offer, m, now)
		if err != nil {
			metrics.RecordBestEffortFailure("invoice")
			e.log().Error("invoice not issued",
				zap.String("project_id", offer.ProjectID),
				zap.String("offer_id", offer.ID),
				zap.String("milestone_id", m.ID),
				zap.Int("milestone_order", m.Order),
				zap.Error(err),
			)
			if res.Partial == nil {
				res.Partial = &PartialFailure{OfferID: offer.ID}
			}
			res.Partial.Failures = append(res.Partial.Failures, ItemFailure{Item: m.ID, Err: err.Error()})
			continue
		}
		res.Invoices = append(res.Invoices, inv)
		e.audit(ctx, events.Event{
			Type: events.InvoiceCreated, ProjectID: offer.ProjectID, EntityKind: "invoice", EntityID: inv.ID, ActorID: actorID,
			Payload: events.EventPayload{"number": inv.Number, "amount": inv.Amount, "milestone_id": inv.MilestoneID},
		})
	}
	if res.Partial != nil {
		e.log().Warn("offer issued with missing invoices", zap.String("offer_id", offer.ID), zap.Error(res.Partial))
	}
	e.setProjectStatus(ctx, offer.ProjectID, domain.ProjectOfferPending, actorID)
	metrics.RecordOfferIssue(time.Since(started))
	return res, nil
}

func (e Engine) existingOffer(ctx context.Context, offer domain.Offer) (IssueResult, error) {
	invoices, err := e.Repo.ListInvoicesByOffer(ctx, offer.ID)
	if err != nil {
		return IssueResult{}, err
	}
	return IssueResult{Offer: offer, Invoices: invoices}, nil
}

func (e Engine) issueInvoice(ctx context.Context, offer domain.Offer, m schedule.Milestone, now time.Time) (domain.Invoice, error) {
	cfg := e.cfg()
	stamp := now.Format(time.RFC3339)
	inv := domain.Invoice{
		ID:             uuid.NewString(),
		OfferID:        offer.ID,
		ProjectID:      offer.ProjectID,
		MilestoneID:    m.ID,
		MilestoneName:  m.Name,
		MilestoneOrder: m.Order,
		Amount:         m.Amount,
		Currency:       cfg.Billing.Currency,
		Status:         domain.InvoicePending,
		DueDate:        now.AddDate(0, 0, cfg.Billing.InvoiceDueStepDays*m.Order).Format(time.RFC3339),
		CreatedAt:      stamp,
		UpdatedAt:      stamp,
	}
	_, err := e.allocate(ctx, sequence.KindInvoice, func(number string) error {
		inv.Number = number
		err := e.Repo.InsertInvoice(ctx, inv)
		if repo.IsDuplicateOf(err, "invoices.number") {
			return fmt.Errorf("%w: %v", sequence.ErrNumberTaken, err)
		}
		return err
	})
	return inv, err
}

// allocate runs the sequence allocator, counting collisions, and maps exhaustion to a
// ConflictError.
func (e Engine) allocate(ctx context.Context, kind sequence.Kind, insert func(string) error) (string, error) {
	number, err := e.allocator().Allocate(ctx, kind, e.now().UTC().Year(), func(n string) error {
		err := insert(n)
		if errors.Is(err, sequence.ErrNumberTaken) {
			metrics.RecordAllocation(kind.String(), "collision")
		}
		return err
	})
	var exhausted sequence.ExhaustedError
	if errors.As(err, &exhausted) {
		metrics.RecordAllocation(kind.String(), "exhausted")
		return "", ConflictError{Entity: kind.String(), Reason: exhausted.Error() + "; retry later"}
	}
	if err == nil {
		metrics.RecordAllocation(kind.String(), "ok")
	}
	return number, err
}

// setProjectStatus is status bookkeeping that follows an already committed change; a
// failure is logged and does not undo that change.
func (e Engine) setProjectStatus(ctx context.Context, projectID, status, actorID string) {
	if err := e.Repo.UpdateProjectStatus(ctx, projectID, status, e.ts()); err != nil {
		metrics.RecordBestEffortFailure("project_status")
		e.log().Error("project status not updated",
			zap.String("project_id", projectID),
			zap.String("status", status),
			zap.Error(err),
		)
		return
	}
	e.audit(ctx, events.Event{
		Type: events.ProjectStatusChanged, ProjectID: projectID, EntityKind: "project", EntityID: projectID, ActorID: actorID,
		Payload: events.EventPayload{"status": status},
	})
}

func (e Engine) GetOffer(ctx context.Context, id string) (domain.Offer, error) {
	o, err := e.Repo.GetOffer(ctx, id)
	return o, notFound(err, "offer", id)
}

func (e Engine) GetOfferBySpecification(ctx context.Context, specID string) (domain.Offer, error) {
	o, err := e.Repo.GetOfferBySpecification(ctx, specID)
	return o, notFound(err, "offer for specification", specID)
}

func (e Engine) ListOffers(ctx context.Context, projectID string) ([]domain.Offer, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, notFound(err, "project", projectID)
	}
	return e.Repo.ListOffers(ctx, projectID)
}

func (e Engine) ListOfferInvoices(ctx context.Context, offerID string) ([]domain.Invoice, error) {
	if _, err := e.Repo.GetOffer(ctx, offerID); err != nil {
		return nil, notFound(err, "offer", offerID)
	}
	return e.Repo.ListInvoicesByOffer(ctx, offerID)
}

// AcceptOffer records the client's acceptance; the project then waits for payment.
func (e Engine) AcceptOffer(ctx context.Context, offerID, actorID string) (domain.Offer, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Offer{}, err
	}
	offer, err := e.Repo.GetOffer(ctx, offerID)
	if err != nil {
		return domain.Offer{}, notFound(err, "offer", offerID)
	}
	if offer.Status != domain.OfferPending {
		return domain.Offer{}, precondition("accept offer", "offer %s is %s", offer.Number, offer.Status)
	}
	now := e.now().UTC()
	if validUntil, err := time.Parse(time.RFC3339, offer.ValidUntil); err == nil && now.After(validUntil) {
		return domain.Offer{}, precondition("accept offer", "offer %s expired on %s", offer.Number, offer.ValidUntil)
	}
	stamp := now.Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Offer{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.AcceptOfferTx(ctx, tx, offerID, stamp); err != nil {
		return domain.Offer{}, stale(err, "offer", offerID, "status changed concurrently; reload")
	}
	if err := e.Repo.UpdateProjectStatusTx(ctx, tx, offer.ProjectID, domain.ProjectPendingPayment, stamp); err != nil {
		return domain.Offer{}, notFound(err, "project", offer.ProjectID)
	}
	if err := tx.Commit(); err != nil {
		return domain.Offer{}, err
	}
	e.audit(ctx, events.Event{
		Type: events.OfferAccepted, ProjectID: offer.ProjectID, EntityKind: "offer", EntityID: offerID, ActorID: actorID,
		Payload: events.EventPayload{"number": offer.Number},
	})
	return e.GetOffer(ctx, offerID)
}

// CancelOffer withdraws a pending offer, cancels its unpaid invoices and the project.
func (e Engine) CancelOffer(ctx context.Context, offerID, actorID string) (domain.Offer, error) {
	offer, err := e.Repo.GetOffer(ctx, offerID)
	if err != nil {
		return domain.Offer{}, notFound(err, "offer", offerID)
	}
	if offer.Status != domain.OfferPending {
		return domain.Offer{}, precondition("cancel offer", "offer %s is %s", offer.Number, offer.Status)
	}
	now := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Offer{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.CancelOfferTx(ctx, tx, offerID); err != nil {
		return domain.Offer{}, stale(err, "offer", offerID, "status changed concurrently; reload")
	}
	n, err := e.Repo.CancelPendingInvoicesTx(ctx, tx, offerID, now)
	if err != nil {
		return domain.Offer{}, fmt.Errorf("cancel invoices: %w", err)
	}
	if err := e.Repo.UpdateProjectStatusTx(ctx, tx, offer.ProjectID, domain.ProjectCancelled, now); err != nil {
		return domain.Offer{}, notFound(err, "project", offer.ProjectID)
	}
	if err := tx.Commit(); err != nil {
		return domain.Offer{}, err
	}
	e.audit(ctx, events.Event{
		Type: events.OfferCancelled, ProjectID: offer.ProjectID, EntityKind: "offer", EntityID: offerID, ActorID: actorID,
		Payload: events.EventPayload{"number": offer.Number, "invoices_cancelled": n},
	})
	return e.GetOffer(ctx, offerID)
}

// ExpireOffers flips every pending offer past its valid_until to expired and returns how many.
func (e Engine) ExpireOffers(ctx context.Context, actorID string) (int, error) {
	expired, err := e.Repo.ExpireOffers(ctx, e.ts())
	if err != nil {
		return 0, fmt.Errorf("expire offers: %w", err)
	}
	for _, o := range expired {
		e.audit(ctx, events.Event{
			Type: events.OfferExpired, ProjectID: o.ProjectID, EntityKind: "offer", EntityID: o.ID, ActorID: actorID,
		})
	}
	return len(expired), nil
}
