package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/beliaevvc/reskinlab-sub002/internal/domain"
	"github.com/beliaevvc/reskinlab-sub002/internal/events"
	"github.com/beliaevvc/reskinlab-sub002/internal/repo"
	"github.com/beliaevvc/reskinlab-sub002/internal/schedule"
)

type SpecificationInput struct {
	ID        string
	ProjectID string
	// GrandTotal in minor units; zero means the sum of item quantity times unit price.
	GrandTotal   int64
	Items        []domain.SpecItem
	PaymentModel string
	ActorID      string
}

func itemsTotal(items []domain.SpecItem) int64 {
	var sum int64
	for _, it := range items {
		sum += int64(it.Quantity) * it.UnitPrice
	}
	return sum
}

// SaveSpecification creates a draft or replaces the contents of an existing draft.
// Finalized specifications are immutable.
func (e Engine) SaveSpecification(ctx context.Context, in SpecificationInput) (domain.Specification, error) {
	if in.GrandTotal < 0 {
		return domain.Specification{}, ValidationError{Field: "grand_total", Reason: "must not be negative"}
	}
	for _, it := range in.Items {
		if strings.TrimSpace(it.Key) == "" {
			return domain.Specification{}, ValidationError{Field: "items", Reason: "every item needs a key"}
		}
		if it.Quantity < 0 || it.UnitPrice < 0 {
			return domain.Specification{}, ValidationError{Field: "items", Reason: fmt.Sprintf("item %s has a negative quantity or price", it.Key)}
		}
	}
	if _, err := e.Repo.GetProject(ctx, in.ProjectID); err != nil {
		return domain.Specification{}, notFound(err, "project", in.ProjectID)
	}
	total := in.GrandTotal
	if total == 0 {
		total = itemsTotal(in.Items)
	}
	now := e.ts()
	spec := domain.Specification{
		ID:        in.ID,
		ProjectID: in.ProjectID,
		Status:    domain.SpecDraft,
		Totals:    domain.SpecTotals{GrandTotal: total},
		State:     domain.SpecState{Items: in.Items, PaymentModel: domain.PaymentModelRef{ID: in.PaymentModel}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	existing, err := e.Repo.GetSpecification(ctx, in.ID)
	switch {
	case in.ID == "" || errors.Is(err, repo.ErrNotFound):
		if spec.ID == "" {
			spec.ID = uuid.NewString()
		}
		if err := e.Repo.InsertSpecification(ctx, spec); err != nil {
			return domain.Specification{}, fmt.Errorf("insert specification: %w", err)
		}
	case err != nil:
		return domain.Specification{}, err
	default:
		if existing.ProjectID != in.ProjectID {
			return domain.Specification{}, precondition("save specification", "specification %s belongs to project %s", in.ID, existing.ProjectID)
		}
		if existing.Status != domain.SpecDraft {
			return domain.Specification{}, precondition("save specification", "specification %s is %s and can no longer change", in.ID, existing.Status)
		}
		spec.CreatedAt = existing.CreatedAt
		if err := e.Repo.UpdateDraftSpecification(ctx, spec); err != nil {
			return domain.Specification{}, stale(err, "specification", in.ID, "finalized while saving")
		}
	}
	e.audit(ctx, events.Event{
		Type: events.SpecificationSaved, ProjectID: spec.ProjectID, EntityKind: "specification", EntityID: spec.ID, ActorID: in.ActorID,
		Payload: events.EventPayload{"grand_total": total, "payment_model": in.PaymentModel},
	})
	return e.GetSpecification(ctx, spec.ID)
}

// FinalizeSpecification freezes a draft so it can be turned into an offer.
func (e Engine) FinalizeSpecification(ctx context.Context, id, actorID string) (domain.Specification, error) {
	spec, err := e.Repo.GetSpecification(ctx, id)
	if err != nil {
		return domain.Specification{}, notFound(err, "specification", id)
	}
	if spec.Status != domain.SpecDraft {
		return domain.Specification{}, precondition("finalize specification", "specification %s is already %s", id, spec.Status)
	}
	if err := e.Repo.FinalizeSpecification(ctx, id, e.ts()); err != nil {
		return domain.Specification{}, stale(err, "specification", id, "finalized concurrently")
	}
	e.audit(ctx, events.Event{
		Type: events.SpecificationFinalize, ProjectID: spec.ProjectID, EntityKind: "specification", EntityID: id, ActorID: actorID,
	})
	return e.GetSpecification(ctx, id)
}

func (e Engine) GetSpecification(ctx context.Context, id string) (domain.Specification, error) {
	s, err := e.Repo.GetSpecification(ctx, id)
	return s, notFound(err, "specification", id)
}

func (e Engine) ListSpecifications(ctx context.Context, projectID string) ([]domain.Specification, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, notFound(err, "project", projectID)
	}
	return e.Repo.ListSpecifications(ctx, projectID)
}

// PreviewSchedule computes the milestones a specification would be billed with.
func (e Engine) PreviewSchedule(ctx context.Context, specID string) ([]schedule.Milestone, error) {
	spec, err := e.GetSpecification(ctx, specID)
	if err != nil {
		return nil, err
	}
	return e.milestones(spec)
}

func (e Engine) milestones(spec domain.Specification) ([]schedule.Milestone, error) {
	cfg := e.cfg()
	return schedule.Calculate(schedule.Input{
		GrandTotal:     spec.Totals.GrandTotal,
		Model:          schedule.ParseModel(spec.State.PaymentModel.ID),
		Items:          spec.State.Items,
		UpfrontPercent: cfg.Billing.UpfrontPercent,
		StageName:      cfg.StageName,
	})
}
