package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/beliaevvc/reskinlab-sub002/internal/config"
	"github.com/beliaevvc/reskinlab-sub002/internal/domain"
	"github.com/beliaevvc/reskinlab-sub002/internal/events"
	"github.com/beliaevvc/reskinlab-sub002/internal/legal"
	"github.com/beliaevvc/reskinlab-sub002/internal/logging"
	"github.com/beliaevvc/reskinlab-sub002/internal/metrics"
	"github.com/beliaevvc/reskinlab-sub002/internal/notify"
	"github.com/beliaevvc/reskinlab-sub002/internal/repo"
	"github.com/beliaevvc/reskinlab-sub002/internal/sequence"
)

// Engine holds the stage lifecycle, offer issuance, payment ledger and approval gate.
// It keeps no state of its own; every guarantee comes from the database.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Notifier notify.Dispatcher
	Legal    legal.Renderer
	Log      *zap.Logger
	Now      func() time.Time
	// Suffix overrides the random two digit offer number suffix.
	Suffix func() int
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Notifier: notify.Nop{},
		Legal:    legal.Static{Template: cfg.Legal.Template},
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	return logging.OrNop(e.Log)
}

func (e Engine) legal() legal.Renderer {
	if e.Legal == nil {
		return legal.Static{Template: e.cfg().Legal.Template}
	}
	return e.Legal
}

func (e Engine) cfg() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

// audit appends an event after the owning transaction committed. Failures are logged only.
func (e Engine) audit(ctx context.Context, evt events.Event) {
	w := e.Events
	if w.DB == nil {
		w.DB = e.DB
	}
	w.Now = e.now
	if err := w.Append(ctx, nil, evt); err != nil {
		metrics.RecordBestEffortFailure("audit")
		e.log().Warn("audit event not recorded",
			zap.String("type", evt.Type),
			zap.String("project_id", evt.ProjectID),
			zap.String("entity_id", evt.EntityID),
			zap.Error(err),
		)
	}
}

// notify hands a stage change to the dispatcher; delivery problems are logged only.
func (e Engine) notify(ctx context.Context, c notify.StageChange) {
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.Dispatch(ctx, c); err != nil {
		metrics.RecordBestEffortFailure("notify")
		e.log().Warn("stage notification failed",
			zap.String("project_id", c.ProjectID),
			zap.String("action", string(c.Action)),
			zap.Error(err),
		)
	}
}

func (e Engine) allocator() sequence.Allocator {
	b := e.cfg().Billing
	return sequence.Allocator{
		Store:         numberStore{repo: e.Repo},
		OfferPrefix:   b.OfferPrefix,
		InvoicePrefix: b.InvoicePrefix,
		Attempts:      b.NumberAttempts,
		Suffix:        e.Suffix,
	}
}

type numberStore struct {
	repo repo.Repo
}

func (s numberStore) LatestNumber(ctx context.Context, kind sequence.Kind, prefix string) (string, error) {
	if kind == sequence.KindOffer {
		return s.repo.LatestOfferNumber(ctx, prefix)
	}
	return s.repo.LatestInvoiceNumber(ctx, prefix)
}

// notFound converts repo.ErrNotFound into a NotFoundError for entity/id.
func notFound(err error, entity, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NotFoundError{Entity: entity, ID: id}
	}
	return err
}

// stale converts repo.ErrStale from a compare-and-set into a ConflictError.
func stale(err error, entity, id, reason string) error {
	if errors.Is(err, repo.ErrStale) {
		return ConflictError{Entity: entity, ID: id, Reason: reason}
	}
	return err
}

func requireActor(actorID string) error {
	if actorID == "" {
		return ValidationError{Field: "actor", Reason: "acting user is required"}
	}
	return nil
}

// ListEvents returns the newest audit events of a project.
func (e Engine) ListEvents(ctx context.Context, projectID string, limit int) ([]domain.Event, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, notFound(err, "project", projectID)
	}
	evts, err := e.Repo.LatestEvents(ctx, limit, projectID, "")
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return evts, nil
}
