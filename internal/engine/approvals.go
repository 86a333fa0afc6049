package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/beliaevvc/reskinlab-sub002/internal/domain"
	"github.com/beliaevvc/reskinlab-sub002/internal/events"
	"github.com/beliaevvc/reskinlab-sub002/internal/metrics"
	"github.com/beliaevvc/reskinlab-sub002/internal/repo"
)

type ApprovalRequest struct {
	ProjectID string
	// StageID is optional; approving a request tied to a stage marks that stage approved.
	StageID      string
	ApprovalType string
	// MaxFreeRounds overrides approvals.max_free_rounds when non-nil.
	MaxFreeRounds *int
	RequestedBy   string
}

// RequestApproval opens an approval at revision round 1.
func (e Engine) RequestApproval(ctx context.Context, req ApprovalRequest) (domain.Approval, error) {
	if err := requireActor(req.RequestedBy); err != nil {
		return domain.Approval{}, err
	}
	if strings.TrimSpace(req.ApprovalType) == "" {
		return domain.Approval{}, ValidationError{Field: "approval_type", Reason: "is required"}
	}
	maxFree := e.cfg().Approvals.MaxFreeRounds
	if req.MaxFreeRounds != nil {
		if *req.MaxFreeRounds < 0 {
			return domain.Approval{}, ValidationError{Field: "max_free_rounds", Reason: "must not be negative"}
		}
		maxFree = *req.MaxFreeRounds
	}
	if _, err := e.Repo.GetProject(ctx, req.ProjectID); err != nil {
		return domain.Approval{}, notFound(err, "project", req.ProjectID)
	}
	var stageID *string
	if req.StageID != "" {
		stage, err := e.Repo.GetStage(ctx, req.StageID)
		if err != nil {
			return domain.Approval{}, notFound(err, "stage", req.StageID)
		}
		if stage.ProjectID != req.ProjectID {
			return domain.Approval{}, precondition("request approval", "stage %s belongs to project %s", req.StageID, stage.ProjectID)
		}
		stageID = &stage.ID
	}
	a := domain.Approval{
		ID:            uuid.NewString(),
		ProjectID:     req.ProjectID,
		StageID:       stageID,
		ApprovalType:  req.ApprovalType,
		Status:        domain.ApprovalPending,
		RevisionRound: 1,
		MaxFreeRounds: maxFree,
		RequestedBy:   req.RequestedBy,
		CreatedAt:     e.ts(),
	}
	if err := e.Repo.InsertApproval(ctx, a); err != nil {
		return domain.Approval{}, fmt.Errorf("insert approval: %w", err)
	}
	e.audit(ctx, events.Event{
		Type: events.ApprovalRequested, ProjectID: a.ProjectID, EntityKind: "approval", EntityID: a.ID, ActorID: req.RequestedBy,
		Payload: events.EventPayload{"approval_type": a.ApprovalType, "stage_id": req.StageID},
	})
	return a, nil
}

func validResponse(status string) bool {
	switch status {
	case domain.ApprovalApproved, domain.ApprovalNeedsRevision, domain.ApprovalRejected:
		return true
	}
	return false
}

// RespondApproval overwrites the approval's response in place. needs_revision opens the
// next revision round. approved with a stage marks that one stage approved in the same
// transaction; no cascade runs.
func (e Engine) RespondApproval(ctx context.Context, approvalID, response, comment, actorID string) (domain.Approval, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Approval{}, err
	}
	if !validResponse(response) {
		return domain.Approval{}, ValidationError{Field: "response", Reason: fmt.Sprintf("must be approved, needs_revision or rejected, got %q", response)}
	}
	comment = strings.TrimSpace(comment)
	if comment == "" && response != domain.ApprovalApproved {
		return domain.Approval{}, precondition("respond to approval", "a comment is required for %s", response)
	}
	var commentPtr *string
	if comment != "" {
		commentPtr = &comment
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approval{}, err
	}
	defer tx.Rollback()
	current, err := e.Repo.GetApprovalTx(ctx, tx, approvalID)
	if err != nil {
		return domain.Approval{}, notFound(err, "approval", approvalID)
	}
	if current.Status != domain.ApprovalPending && current.Status != domain.ApprovalNeedsRevision {
		return domain.Approval{}, precondition("respond to approval", "approval %s is already %s", approvalID, current.Status)
	}
	now := e.ts()
	if err := e.Repo.RespondApprovalTx(ctx, tx, approvalID, repo.ApprovalResponse{
		Status:      response,
		RespondedBy: actorID,
		RespondedAt: now,
		Comment:     commentPtr,
	}); err != nil {
		return domain.Approval{}, stale(err, "approval", approvalID, "answered concurrently; reload")
	}
	if response == domain.ApprovalApproved && current.StageID != nil {
		if _, err := e.updateStageStatusTx(ctx, tx, *current.StageID, domain.StageApproved); err != nil {
			return domain.Approval{}, err
		}
	}
	updated, err := e.Repo.GetApprovalTx(ctx, tx, approvalID)
	if err != nil {
		return domain.Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, err
	}
	metrics.RecordApprovalResponse(response)
	if response == domain.ApprovalApproved && current.StageID != nil {
		metrics.RecordStageTransitions("status", 1)
	}
	e.audit(ctx, events.Event{
		Type: events.ApprovalResponded, ProjectID: updated.ProjectID, EntityKind: "approval", EntityID: approvalID, ActorID: actorID,
		Payload: events.EventPayload{"status": response, "revision_round": updated.RevisionRound, "overage": updated.Overage()},
	})
	return updated, nil
}

func (e Engine) GetApproval(ctx context.Context, id string) (domain.Approval, error) {
	a, err := e.Repo.GetApproval(ctx, id)
	return a, notFound(err, "approval", id)
}

func (e Engine) ListApprovals(ctx context.Context, projectID string) ([]domain.Approval, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, notFound(err, "project", projectID)
	}
	return e.Repo.ListApprovals(ctx, projectID)
}
