package reskinsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal reskin HTTP API client bound to one project.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Stage is a workflow stage; Persisted is false for catalogue placeholders.
type Stage struct {
	ID          string  `json:"id,omitempty"`
	ProjectID   string  `json:"project_id"`
	StageKey    string  `json:"stage_key"`
	Name        string  `json:"name"`
	Order       int     `json:"order"`
	Status      string  `json:"status"`
	StartedAt   *string `json:"started_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Persisted   bool    `json:"persisted"`
}

// Cascade is the outcome of activating or deactivating a stage.
type Cascade struct {
	Target   Stage   `json:"target"`
	Action   string  `json:"action"`
	Affected []Stage `json:"affected"`
}

type Offer struct {
	ID              string  `json:"id"`
	SpecificationID string  `json:"specification_id"`
	ProjectID       string  `json:"project_id"`
	Number          string  `json:"number"`
	Status          string  `json:"status"`
	ValidUntil      string  `json:"valid_until"`
	AcceptedAt      *string `json:"accepted_at,omitempty"`
}

type Invoice struct {
	ID              string  `json:"id"`
	OfferID         string  `json:"offer_id"`
	Number          string  `json:"number"`
	MilestoneID     string  `json:"milestone_id"`
	MilestoneName   string  `json:"milestone_name"`
	MilestoneOrder  int     `json:"milestone_order"`
	Amount          int64   `json:"amount"`
	Currency        string  `json:"currency"`
	Status          string  `json:"status"`
	DueDate         string  `json:"due_date"`
	TxHash          *string `json:"tx_hash,omitempty"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
}

// ItemFailure names a milestone whose invoice was not issued.
type ItemFailure struct {
	Item  string `json:"item"`
	Error string `json:"error"`
}

// IssuedOffer is the create-offer response. Partial is set when some invoices are missing.
type IssuedOffer struct {
	Offer    Offer     `json:"offer"`
	Invoices []Invoice `json:"invoices"`
	Created  bool      `json:"created"`
	Partial  *struct {
		OfferID  string        `json:"offer_id"`
		Failures []ItemFailure `json:"failures"`
	} `json:"partial,omitempty"`
}

type Approval struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	StageID       *string `json:"stage_id,omitempty"`
	ApprovalType  string  `json:"approval_type"`
	Status        string  `json:"status"`
	RevisionRound int     `json:"revision_round"`
	MaxFreeRounds int     `json:"max_free_rounds"`
	ClientComment *string `json:"client_comment,omitempty"`
	Overage       bool    `json:"overage"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Stages lists the project's stages in order.
func (c *Client) Stages(ctx context.Context) ([]Stage, error) {
	var resp []Stage
	err := c.do(ctx, http.MethodGet, c.projectPath("stages"), nil, &resp)
	return resp, err
}

// ActivateStage starts ref (stage id or key) and every earlier pending stage.
func (c *Client) ActivateStage(ctx context.Context, ref string) (Cascade, error) {
	var resp Cascade
	err := c.do(ctx, http.MethodPost, c.projectPath("stages/"+url.PathEscape(ref)+"/activate"), nil, &resp)
	return resp, err
}

// DeactivateStage resets ref and every later started stage to pending.
func (c *Client) DeactivateStage(ctx context.Context, ref string) (Cascade, error) {
	var resp Cascade
	err := c.do(ctx, http.MethodPost, c.projectPath("stages/"+url.PathEscape(ref)+"/deactivate"), nil, &resp)
	return resp, err
}

// CreateOffer issues the offer for a finalized specification, or returns the existing one.
func (c *Client) CreateOffer(ctx context.Context, specID string) (IssuedOffer, error) {
	var resp IssuedOffer
	err := c.do(ctx, http.MethodPost, "v1/specifications/"+url.PathEscape(specID)+"/offer", nil, &resp)
	return resp, err
}

func (c *Client) Invoices(ctx context.Context) ([]Invoice, error) {
	var resp []Invoice
	err := c.do(ctx, http.MethodGet, c.projectPath("invoices"), nil, &resp)
	return resp, err
}

func (c *Client) SubmitPayment(ctx context.Context, invoiceID, txHash string) (Invoice, error) {
	return c.invoiceAction(ctx, invoiceID, "submit", map[string]any{"tx_hash": txHash})
}

func (c *Client) ConfirmPayment(ctx context.Context, invoiceID string) (Invoice, error) {
	return c.invoiceAction(ctx, invoiceID, "confirm", nil)
}

func (c *Client) RejectPayment(ctx context.Context, invoiceID, reason string) (Invoice, error) {
	return c.invoiceAction(ctx, invoiceID, "reject", map[string]any{"reason": reason})
}

func (c *Client) invoiceAction(ctx context.Context, invoiceID, action string, body any) (Invoice, error) {
	var resp Invoice
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/invoices/%s/%s", url.PathEscape(invoiceID), action), body, &resp)
	return resp, err
}

// RequestApproval opens an approval; stageID may be empty. maxFreeRounds < 0 uses the server default.
func (c *Client) RequestApproval(ctx context.Context, stageID, approvalType string, maxFreeRounds int) (Approval, error) {
	body := map[string]any{"approval_type": approvalType}
	if stageID != "" {
		body["stage_id"] = stageID
	}
	if maxFreeRounds >= 0 {
		body["max_free_rounds"] = maxFreeRounds
	}
	var resp Approval
	err := c.do(ctx, http.MethodPost, c.projectPath("approvals"), body, &resp)
	return resp, err
}

func (c *Client) RespondApproval(ctx context.Context, approvalID, response, comment string) (Approval, error) {
	body := map[string]any{"response": response}
	if comment != "" {
		body["comment"] = comment
	}
	var resp Approval
	err := c.do(ctx, http.MethodPost, "v1/approvals/"+url.PathEscape(approvalID)+"/respond", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v1/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
