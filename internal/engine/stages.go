package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/beliaevvc/reskinlab-sub002/internal/domain"
	"github.com/beliaevvc/reskinlab-sub002/internal/events"
	"github.com/beliaevvc/reskinlab-sub002/internal/metrics"
	"github.com/beliaevvc/reskinlab-sub002/internal/notify"
	"github.com/beliaevvc/reskinlab-sub002/internal/repo"
)

type InitProjectOptions struct {
	ID          string
	Description string
	// EagerStages creates every catalogue stage as a pending row up front. Without it
	// stages are materialized on first activation.
	EagerStages bool
	ActorID     string
}

// InitProject creates a project in draft status.
func (e Engine) InitProject(ctx context.Context, opts InitProjectOptions) (domain.Project, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := e.ts()
	p := domain.Project{
		ID:          id,
		Status:      domain.ProjectDraft,
		Description: opts.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		if repo.IsDuplicateOf(err, "projects.id") {
			return domain.Project{}, ConflictError{Entity: "project", ID: id, Reason: "already exists"}
		}
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if opts.EagerStages {
		stages := e.catalogue(id)
		for i := range stages {
			stages[i].ID = uuid.NewString()
		}
		if err := e.Repo.InsertStagesTx(ctx, tx, stages, now); err != nil {
			return domain.Project{}, fmt.Errorf("insert stages: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.audit(ctx, events.Event{
		Type: events.ProjectCreated, ProjectID: id, EntityKind: "project", EntityID: id, ActorID: opts.ActorID,
		Payload: events.EventPayload{"status": p.Status, "eager_stages": opts.EagerStages},
	})
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, id)
	return p, notFound(err, "project", id)
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}

// catalogue returns the configured stages as pending placeholders.
func (e Engine) catalogue(projectID string) []domain.WorkflowStage {
	defs := e.cfg().Stages
	out := make([]domain.WorkflowStage, 0, len(defs))
	for i, d := range defs {
		name := d.Name
		if name == "" {
			name = d.Key
		}
		out = append(out, domain.WorkflowStage{
			ProjectID: projectID,
			StageKey:  d.Key,
			Name:      name,
			Order:     i + 1,
			Status:    domain.StagePending,
		})
	}
	return out
}

// mergeStages overlays persisted rows on the catalogue. Placeholders whose key or order is
// already taken by a persisted row are dropped.
func (e Engine) mergeStages(projectID string, persisted []domain.WorkflowStage) []domain.WorkflowStage {
	byKey := map[string]bool{}
	byOrder := map[int]bool{}
	out := append([]domain.WorkflowStage(nil), persisted...)
	for _, s := range persisted {
		byKey[s.StageKey] = true
		byOrder[s.Order] = true
	}
	for _, s := range e.catalogue(projectID) {
		if byKey[s.StageKey] || byOrder[s.Order] {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// ListStages returns every stage of a project in order: persisted rows plus placeholders
// for catalogue stages not materialized yet.
func (e Engine) ListStages(ctx context.Context, projectID string) ([]domain.WorkflowStage, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, notFound(err, "project", projectID)
	}
	persisted, err := e.Repo.ListStages(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	return e.mergeStages(projectID, persisted), nil
}

func (e Engine) GetStage(ctx context.Context, id string) (domain.WorkflowStage, error) {
	s, err := e.Repo.GetStage(ctx, id)
	return s, notFound(err, "stage", id)
}

// findStage matches ref against stage ids first, then keys.
func findStage(stages []domain.WorkflowStage, ref string) (domain.WorkflowStage, bool) {
	for _, s := range stages {
		if s.Persisted && s.ID == ref {
			return s, true
		}
	}
	for _, s := range stages {
		if s.StageKey == ref {
			return s, true
		}
	}
	return domain.WorkflowStage{}, false
}

// CascadeResult is the outcome of an activate or deactivate cascade.
type CascadeResult struct {
	Target   domain.WorkflowStage   `json:"target"`
	Action   string                 `json:"action"`
	Affected []domain.WorkflowStage `json:"affected"`
}

func (r CascadeResult) names() []string {
	out := make([]string, 0, len(r.Affected))
	for _, s := range r.Affected {
		out = append(out, s.Name)
	}
	return out
}

// ActivateStage starts the target stage and every earlier stage that is still pending.
// Placeholders are materialized in one multi-row insert and persisted rows are moved in
// one UPDATE, both inside a single transaction. Later stages are left alone.
func (e Engine) ActivateStage(ctx context.Context, projectID, ref, actorID string) (CascadeResult, error) {
	now := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CascadeResult{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProjectTx(ctx, tx, projectID); err != nil {
		return CascadeResult{}, notFound(err, "project", projectID)
	}
	persisted, err := e.Repo.ListStagesTx(ctx, tx, projectID)
	if err != nil {
		return CascadeResult{}, fmt.Errorf("list stages: %w", err)
	}
	all := e.mergeStages(projectID, persisted)
	target, ok := findStage(all, ref)
	if !ok {
		return CascadeResult{}, NotFoundError{Entity: "stage", ID: ref}
	}

	var (
		inserts  []domain.WorkflowStage
		updates  []string
		affected []domain.WorkflowStage
	)
	for _, s := range all {
		if s.Order > target.Order || s.Status != domain.StagePending {
			continue
		}
		s.Status = domain.StageInProgress
		started := now
		s.StartedAt = &started
		s.CompletedAt = nil
		if s.Persisted {
			updates = append(updates, s.ID)
		} else {
			s.ID = uuid.NewString()
			s.Persisted = true
			inserts = append(inserts, s)
		}
		affected = append(affected, s)
	}
	if err := e.Repo.InsertStagesTx(ctx, tx, inserts, now); err != nil {
		return CascadeResult{}, fmt.Errorf("materialize stages: %w", err)
	}
	n, err := e.Repo.ActivateStagesTx(ctx, tx, updates, now)
	if err != nil {
		return CascadeResult{}, fmt.Errorf("activate stages: %w", err)
	}
	if int(n) != len(updates) {
		return CascadeResult{}, ConflictError{Entity: "project", ID: projectID, Reason: "stages changed during activation; reload and retry"}
	}
	if err := tx.Commit(); err != nil {
		return CascadeResult{}, err
	}

	for _, s := range affected {
		if s.StageKey == target.StageKey {
			target = s
		}
	}
	res := CascadeResult{Target: target, Action: string(notify.Activated), Affected: affected}
	e.afterCascade(ctx, projectID, actorID, events.StagesActivated, res)
	return res, nil
}

// DeactivateStage returns the target stage and every later persisted stage that has left
// pending to pending, clearing both timestamps, in one UPDATE. Earlier stages are left alone.
func (e Engine) DeactivateStage(ctx context.Context, projectID, ref, actorID string) (CascadeResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CascadeResult{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProjectTx(ctx, tx, projectID); err != nil {
		return CascadeResult{}, notFound(err, "project", projectID)
	}
	persisted, err := e.Repo.ListStagesTx(ctx, tx, projectID)
	if err != nil {
		return CascadeResult{}, fmt.Errorf("list stages: %w", err)
	}
	target, ok := findStage(e.mergeStages(projectID, persisted), ref)
	if !ok {
		return CascadeResult{}, NotFoundError{Entity: "stage", ID: ref}
	}

	var (
		ids      []string
		affected []domain.WorkflowStage
	)
	for _, s := range persisted {
		if s.Order < target.Order || !s.ActiveStatus() {
			continue
		}
		s.Status = domain.StagePending
		s.StartedAt = nil
		s.CompletedAt = nil
		ids = append(ids, s.ID)
		affected = append(affected, s)
	}
	n, err := e.Repo.ResetStagesTx(ctx, tx, ids)
	if err != nil {
		return CascadeResult{}, fmt.Errorf("deactivate stages: %w", err)
	}
	if int(n) != len(ids) {
		return CascadeResult{}, ConflictError{Entity: "project", ID: projectID, Reason: "stages changed during deactivation; reload and retry"}
	}
	if err := tx.Commit(); err != nil {
		return CascadeResult{}, err
	}

	for _, s := range affected {
		if s.StageKey == target.StageKey {
			target = s
		}
	}
	res := CascadeResult{Target: target, Action: string(notify.Deactivated), Affected: affected}
	e.afterCascade(ctx, projectID, actorID, events.StagesDeactivated, res)
	return res, nil
}

func (e Engine) afterCascade(ctx context.Context, projectID, actorID, evtType string, res CascadeResult) {
	if len(res.Affected) == 0 {
		return
	}
	metrics.RecordStageTransitions(res.Action, len(res.Affected))
	names := res.names()
	e.audit(ctx, events.Event{
		Type: evtType, ProjectID: projectID, EntityKind: "stage", EntityID: res.Target.ID, ActorID: actorID,
		Payload: events.EventPayload{"target": res.Target.StageKey, "affected": names},
	})
	e.notify(ctx, notify.StageChange{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		TargetStage:    res.Target.Name,
		Action:         notify.Action(res.Action),
		AffectedStages: names,
		At:             e.ts(),
	})
}

func validStageStatus(status string) bool {
	switch status {
	case domain.StagePending, domain.StageInProgress, domain.StageReview, domain.StageCompleted, domain.StageApproved:
		return true
	}
	return false
}

// UpdateStageStatus sets one persisted stage's status without cascading.
func (e Engine) UpdateStageStatus(ctx context.Context, stageID, status, actorID string) (domain.WorkflowStage, error) {
	if !validStageStatus(status) {
		return domain.WorkflowStage{}, ValidationError{Field: "status", Reason: fmt.Sprintf("unknown stage status %q", status)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowStage{}, err
	}
	defer tx.Rollback()
	s, err := e.updateStageStatusTx(ctx, tx, stageID, status)
	if err != nil {
		return domain.WorkflowStage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowStage{}, err
	}
	metrics.RecordStageTransitions("status", 1)
	e.audit(ctx, events.Event{
		Type: events.StageStatusChanged, ProjectID: s.ProjectID, EntityKind: "stage", EntityID: s.ID, ActorID: actorID,
		Payload: events.EventPayload{"status": s.Status},
	})
	return s, nil
}

func (e Engine) updateStageStatusTx(ctx context.Context, tx *sql.Tx, stageID, status string) (domain.WorkflowStage, error) {
	if _, err := e.Repo.GetStageTx(ctx, tx, stageID); err != nil {
		return domain.WorkflowStage{}, notFound(err, "stage", stageID)
	}
	if err := e.Repo.SetStageStatusTx(ctx, tx, stageID, status, e.ts()); err != nil {
		return domain.WorkflowStage{}, notFound(err, "stage", stageID)
	}
	s, err := e.Repo.GetStageTx(ctx, tx, stageID)
	if err != nil {
		return domain.WorkflowStage{}, err
	}
	return s, nil
}
