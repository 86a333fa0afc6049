package domain

// Project statuses driven by offer and invoice events.
const (
	ProjectDraft          = "draft"
	ProjectOfferPending   = "offer_pending"
	ProjectPendingPayment = "pending_payment"
	ProjectInProduction   = "in_production"
	ProjectCancelled      = "cancelled"
)

// Stage statuses.
const (
	StagePending    = "pending"
	StageInProgress = "in_progress"
	StageReview     = "review"
	StageCompleted  = "completed"
	StageApproved   = "approved"
)

// Specification statuses.
const (
	SpecDraft     = "draft"
	SpecFinalized = "finalized"
)

// Offer statuses.
const (
	OfferPending   = "pending"
	OfferAccepted  = "accepted"
	OfferCancelled = "cancelled"
	OfferExpired   = "expired"
)

// Invoice statuses.
const (
	InvoicePending              = "pending"
	InvoiceAwaitingConfirmation = "awaiting_confirmation"
	InvoicePaid                 = "paid"
	InvoiceCancelled            = "cancelled"
)

// Approval statuses, also the accepted responses (minus pending).
const (
	ApprovalPending       = "pending"
	ApprovalApproved      = "approved"
	ApprovalNeedsRevision = "needs_revision"
	ApprovalRejected      = "rejected"
)

type Project struct {
	ID          string `json:"id"`
	Status      string `json:"status" enum:"draft,offer_pending,pending_payment,in_production,cancelled"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// WorkflowStage is a persisted stage row or, when Persisted is false, a catalogue
// placeholder that has not been materialized yet.
type WorkflowStage struct {
	ID          string  `json:"id,omitempty"`
	ProjectID   string  `json:"project_id"`
	StageKey    string  `json:"stage_key"`
	Name        string  `json:"name"`
	Order       int     `json:"order"`
	Status      string  `json:"status" enum:"pending,in_progress,review,completed,approved"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	Persisted   bool    `json:"persisted"`
}

// ActiveStatus reports whether the stage has left pending.
func (s WorkflowStage) ActiveStatus() bool {
	switch s.Status {
	case StageInProgress, StageReview, StageCompleted, StageApproved:
		return true
	}
	return false
}

type SpecItem struct {
	Key       string `json:"key" yaml:"key"`
	Name      string `json:"name" yaml:"name"`
	Quantity  int    `json:"quantity" yaml:"quantity"`
	UnitPrice int64  `json:"unit_price" yaml:"unit_price"`
	Symbols   bool   `json:"symbols,omitempty" yaml:"symbols"`
	Animation bool   `json:"animation,omitempty" yaml:"animation"`
}

type PaymentModelRef struct {
	ID string `json:"id" yaml:"id"`
}

type SpecState struct {
	Items        []SpecItem      `json:"items" yaml:"items"`
	PaymentModel PaymentModelRef `json:"paymentModel" yaml:"paymentModel"`
}

type SpecTotals struct {
	GrandTotal int64 `json:"grandTotal" yaml:"grandTotal"`
}

type Specification struct {
	ID          string     `json:"id" yaml:"id"`
	ProjectID   string     `json:"project_id" yaml:"project_id"`
	Status      string     `json:"status" yaml:"status" enum:"draft,finalized"`
	Totals      SpecTotals `json:"totals" yaml:"totals"`
	State       SpecState  `json:"state" yaml:"state"`
	CreatedAt   string     `json:"created_at" yaml:"-" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" yaml:"-" format:"date-time"`
	FinalizedAt *string    `json:"finalized_at,omitempty" yaml:"-" format:"date-time"`
}

type Offer struct {
	ID              string  `json:"id"`
	SpecificationID string  `json:"specification_id"`
	ProjectID       string  `json:"project_id"`
	Number          string  `json:"number"`
	Status          string  `json:"status" enum:"pending,accepted,cancelled,expired"`
	ValidUntil      string  `json:"valid_until" format:"date-time"`
	LegalText       string  `json:"legal_text"`
	AcceptedAt      *string `json:"accepted_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type Invoice struct {
	ID              string  `json:"id"`
	OfferID         string  `json:"offer_id"`
	ProjectID       string  `json:"project_id"`
	Number          string  `json:"number"`
	MilestoneID     string  `json:"milestone_id"`
	MilestoneName   string  `json:"milestone_name"`
	MilestoneOrder  int     `json:"milestone_order"`
	Amount          int64   `json:"amount"`
	Currency        string  `json:"currency"`
	Status          string  `json:"status" enum:"pending,awaiting_confirmation,paid,cancelled"`
	DueDate         string  `json:"due_date" format:"date-time"`
	PaidAt          *string `json:"paid_at,omitempty" format:"date-time"`
	TxHash          *string `json:"tx_hash,omitempty"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	ConfirmedBy     *string `json:"confirmed_by,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type Approval struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	StageID       *string `json:"stage_id,omitempty"`
	ApprovalType  string  `json:"approval_type"`
	Status        string  `json:"status" enum:"pending,approved,needs_revision,rejected"`
	RevisionRound int     `json:"revision_round"`
	MaxFreeRounds int     `json:"max_free_rounds"`
	RequestedBy   string  `json:"requested_by"`
	RespondedBy   *string `json:"responded_by,omitempty"`
	RespondedAt   *string `json:"responded_at,omitempty" format:"date-time"`
	ClientComment *string `json:"client_comment,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

// Overage reports whether the current round is past the free allotment.
// Billing for it happens elsewhere.
func (a Approval) Overage() bool {
	return a.RevisionRound > a.MaxFreeRounds
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
