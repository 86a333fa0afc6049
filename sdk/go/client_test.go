package reskinsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsIdentityAndDecodes(t *testing.T) {
	var gotPath, gotActor, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotActor = r.Header.Get("X-Actor-Id")
		gotAuth = r.Header.Get("Authorization")
		gotBody = nil
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/projects/slot-1/stages/symbols/activate":
			_, _ = w.Write([]byte(`{"target":{"stage_key":"symbols","order":3,"status":"in_progress","persisted":true},"action":"activated","affected":[{"stage_key":"briefing"},{"stage_key":"moodboard"},{"stage_key":"symbols"}]}`))
		case "/v1/invoices/inv-1/submit":
			_, _ = w.Write([]byte(`{"id":"inv-1","status":"awaiting_confirmation","tx_hash":"abc123","amount":1500}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"invoice x not found"}}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "slot-1")
	c.ActorID = "staff"
	ctx := context.Background()

	cascade, err := c.ActivateStage(ctx, "symbols")
	require.NoError(t, err)
	assert.Equal(t, "/v1/projects/slot-1/stages/symbols/activate", gotPath)
	assert.Equal(t, "staff", gotActor)
	assert.Equal(t, "activated", cascade.Action)
	assert.Len(t, cascade.Affected, 3)

	c.BearerToken = "tok"
	inv, err := c.SubmitPayment(ctx, "inv-1", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Empty(t, gotActor)
	assert.Equal(t, "abc123", gotBody["tx_hash"])
	assert.Equal(t, "awaiting_confirmation", inv.Status)
	assert.Equal(t, int64(1500), inv.Amount)

	_, err = c.ConfirmPayment(ctx, "x")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "invoice x not found")
}
