package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the audit log.
const (
	ProjectCreated        = "project.created"
	ProjectStatusChanged  = "project.status_changed"
	StagesActivated       = "stage.activated"
	StagesDeactivated     = "stage.deactivated"
	StageStatusChanged    = "stage.status_changed"
	SpecificationSaved    = "specification.saved"
	SpecificationFinalize = "specification.finalized"
	OfferCreated          = "offer.created"
	OfferAccepted         = "offer.accepted"
	OfferCancelled        = "offer.cancelled"
	OfferExpired          = "offer.expired"
	InvoiceCreated        = "invoice.created"
	PaymentSubmitted      = "invoice.payment_submitted"
	PaymentConfirmed      = "invoice.payment_confirmed"
	PaymentRejected       = "invoice.payment_rejected"
	ApprovalRequested     = "approval.requested"
	ApprovalResponded     = "approval.responded"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Event is one audit record before it is stored.
type Event struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

// Append writes through ex, or through w.DB when ex is nil.
func (w Writer) Append(ctx context.Context, ex Execer, e Event) error {
	if ex == nil {
		ex = w.DB
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	payload := e.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	actor := e.ActorID
	if actor == "" {
		actor = "system"
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, e.Type, nullable(e.ProjectID), e.EntityKind, nullable(e.EntityID), actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
