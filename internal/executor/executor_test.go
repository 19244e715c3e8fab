package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
)

func TestNew(t *testing.T) {
	e, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "log", e.Name())

	_, err = New(Config{Type: "webhook"}, nil)
	assert.Error(t, err)

	e, err = New(Config{Type: "webhook", WebhookURL: "http://localhost"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "webhook", e.Name())

	_, err = New(Config{Type: "kafka"}, nil)
	assert.Error(t, err)
}

func TestWebhookDispatch(t *testing.T) {
	received := make(chan models.ActionRequest, 3)
	var status atomic.Int32
	status.Store(http.StatusAccepted)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got models.ActionRequest
		_ = json.NewDecoder(r.Body).Decode(&got)
		assert.Equal(t, got.CaseID, r.Header.Get("Idempotency-Key"))
		received <- got
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, 0)
	req := models.ActionRequest{CaseID: "c1", TenantID: "acme", Action: "block_indicator", Parameters: map[string]any{"ip": "10.0.0.1"}}
	require.NoError(t, w.Dispatch(context.Background(), req))
	got := <-received
	assert.Equal(t, "block_indicator", got.Action)
	assert.Equal(t, "10.0.0.1", got.Parameters["ip"])

	status.Store(http.StatusUnprocessableEntity)
	assert.ErrorIs(t, w.Dispatch(context.Background(), req), ErrRejected)

	status.Store(http.StatusServiceUnavailable)
	err := w.Dispatch(context.Background(), req)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
}
