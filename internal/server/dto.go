package server

import (
	"github.com/beliaevvc/reskinlab-sub002/internal/domain"
	"github.com/beliaevvc/reskinlab-sub002/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string `json:"id,omitempty"`
	Description string `json:"description,omitempty"`
	EagerStages bool   `json:"eager_stages,omitempty"`
}

type SetStageStatusRequest struct {
	Status string `json:"status" enum:"pending,in_progress,review,completed,approved"`
}

type SaveSpecificationRequest struct {
	GrandTotal   int64             `json:"grand_total,omitempty" minimum:"0"`
	Items        []domain.SpecItem `json:"items,omitempty"`
	PaymentModel string            `json:"payment_model,omitempty" example:"Standard"`
}

type SubmitPaymentRequest struct {
	TxHash string `json:"tx_hash"`
}

type RejectPaymentRequest struct {
	Reason string `json:"reason"`
}

type CreateApprovalRequest struct {
	StageID       string `json:"stage_id,omitempty"`
	ApprovalType  string `json:"approval_type" minLength:"1"`
	MaxFreeRounds *int   `json:"max_free_rounds,omitempty" minimum:"0"`
}

type RespondApprovalRequest struct {
	Response string `json:"response" enum:"approved,needs_revision,rejected"`
	Comment  string `json:"comment,omitempty"`
}

// Responses

type CascadeResponse struct {
	Target   domain.WorkflowStage   `json:"target"`
	Action   string                 `json:"action" enum:"activated,deactivated"`
	Affected []domain.WorkflowStage `json:"affected"`
}

func cascadeResponse(res engine.CascadeResult) CascadeResponse {
	return CascadeResponse{Target: res.Target, Action: res.Action, Affected: nonNilSlice(res.Affected)}
}

type IssueOfferResponse struct {
	Offer    domain.Offer           `json:"offer"`
	Invoices []domain.Invoice       `json:"invoices"`
	Created  bool                   `json:"created"`
	Partial  *engine.PartialFailure `json:"partial,omitempty"`
}

func issueOfferResponse(res engine.IssueResult) IssueOfferResponse {
	return IssueOfferResponse{
		Offer:    res.Offer,
		Invoices: nonNilSlice(res.Invoices),
		Created:  res.Created,
		Partial:  res.Partial,
	}
}

type ApprovalResponse struct {
	domain.Approval
	Overage bool `json:"overage"`
}

func approvalResponse(a domain.Approval) ApprovalResponse {
	return ApprovalResponse{Approval: a, Overage: a.Overage()}
}

func mapApprovals(items []domain.Approval) []ApprovalResponse {
	out := make([]ApprovalResponse, 0, len(items))
	for _, a := range items {
		out = append(out, approvalResponse(a))
	}
	return out
}

type ExpireOffersResponse struct {
	Expired int `json:"expired"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
