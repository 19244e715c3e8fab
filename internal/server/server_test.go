package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kubilitics/kubilitics-orchestrator/internal/approval"
	"github.com/kubilitics/kubilitics-orchestrator/internal/audit"
	"github.com/kubilitics/kubilitics-orchestrator/internal/db"
	"github.com/kubilitics/kubilitics-orchestrator/internal/eventlog"
	"github.com/kubilitics/kubilitics-orchestrator/internal/health"
	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
	"github.com/kubilitics/kubilitics-orchestrator/internal/scheduler"
)

type fixture struct {
	store   db.Store
	gate    *approval.Gate
	tracker *health.Tracker
	log     *eventlog.Log
	audit   audit.Logger
	srv     *Server
	http    *httptest.Server
}

func newFixture(t *testing.T, rateLimit int) *fixture {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	auditLog, err := audit.NewLogger(&audit.Config{}, store, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLog.Close() })

	f := &fixture{
		store:   store,
		gate:    approval.NewGate(approval.Config{DefaultTimeout: time.Hour}, store, nil, nil),
		tracker: health.NewTracker(health.Config{FailureThreshold: 2, Cooldown: time.Minute}, []string{"anthropic", "local"}, nil, nil),
		log:     eventlog.New(store, 2),
		audit:   auditLog,
	}
	f.srv, err = New(Config{AllowedOrigins: []string{"*"}, RateLimitPerMinute: rateLimit}, Deps{
		Store:     store,
		Gate:      f.gate,
		Scheduler: scheduler.New(scheduler.Config{Workers: 2}, nil),
		Health:    f.tracker,
		Intake:    f.log,
		Audit:     auditLog,
	}, nil)
	require.NoError(t, err)
	f.http = httptest.NewServer(f.srv.Handler())
	t.Cleanup(func() {
		_ = f.srv.Shutdown(context.Background())
		f.http.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.http.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (f *fixture) waitingCase(t *testing.T, id string) {
	t.Helper()
	now := time.Now().UTC()
	c := &models.Case{ID: id, TenantID: "acme", Stage: models.StageAwaitingApproval, Severity: models.SeverityHigh,
		Recommendation: &models.Recommendation{Action: "block_indicator", Confidence: 0.7},
		CreatedAt:      now, UpdatedAt: now}
	_, err := f.store.CreateCase(context.Background(), c)
	require.NoError(t, err)
	_, err = f.gate.Open(context.Background(), c, "confidence below threshold")
	require.NoError(t, err)
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, 60)

	resp, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	resp, body = f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["inference"])

	resp, _ = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIntake(t *testing.T) {
	f := newFixture(t, 60)

	resp, body := f.do(t, http.MethodPost, "/api/v1/intake", map[string]any{
		"tenant_id": "acme", "severity": "high", "initial_evidence": map[string]any{"category": "phishing"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := body["case_id"].(string)
	_, err := uuid.Parse(id)
	assert.NoError(t, err, "server assigns an id")

	p := int(body["partition"].(float64))
	assert.Equal(t, f.log.PartitionFor("acme"), p)
	recs, err := f.log.Read(context.Background(), p, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, string(recs[0].Payload), id)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/intake", map[string]any{"case_id": "x", "tenant_id": "acme", "severity": "urgent"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResolveApprovalStatusCodes(t *testing.T) {
	f := newFixture(t, 60)
	f.waitingCase(t, "c1")

	resp, _ := f.do(t, http.MethodPost, "/api/v1/cases/c1/approval", map[string]string{"decision": "maybe", "actor": "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/cases/c1/approval", map[string]string{"decision": "approve"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/v1/cases/c1/approval", map[string]string{"decision": "approve", "actor": "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approved", body["status"])
	assert.Equal(t, "alice", body["resolved_by"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/cases/c1/approval", map[string]string{"decision": "reject", "actor": "bob"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "already resolved")

	resp, _ = f.do(t, http.MethodPost, "/api/v1/cases/missing/approval", map[string]string{"decision": "approve", "actor": "bob"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "not awaiting approval")

	f.waitingCase(t, "c2")
	f.gate.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	resp, _ = f.do(t, http.MethodPost, "/api/v1/cases/c2/approval", map[string]string{"decision": "approve", "actor": "alice"})
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/v1/cases/c2/approval", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "block_indicator", body["proposed_action"])
}

func TestApprovalEndpointIsRateLimited(t *testing.T) {
	f := newFixture(t, 2)
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, _ := f.do(t, http.MethodPost, "/api/v1/cases/c1/approval", map[string]string{"decision": "approve", "actor": "alice"})
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusConflict, http.StatusConflict, http.StatusTooManyRequests}, codes)
}

func TestCasesAndTrail(t *testing.T) {
	f := newFixture(t, 60)
	now := time.Now().UTC()
	_, err := f.store.CreateCase(context.Background(), &models.Case{ID: "c1", TenantID: "acme", Stage: models.StageReceived,
		Severity: models.SeverityLow, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/api/v1/cases/c1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "received", body["stage"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/cases/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/v1/cases/c1/trail", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["conforms"])

	resp, body = f.do(t, http.MethodGet, "/api/v1/cases?stage=received", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/cases?stage=limbo", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProvidersAndLanes(t *testing.T) {
	f := newFixture(t, 60)
	f.tracker.ReportFailure("anthropic")
	f.tracker.ReportFailure("anthropic")

	resp, body := f.do(t, http.MethodGet, "/api/v1/providers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	providers := body["providers"].([]any)
	assert.Len(t, providers, 2)
	assert.Equal(t, true, body["any_usable"])

	resp, body = f.do(t, http.MethodGet, "/api/v1/lanes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lanes := body["lanes"].([]any)
	require.Len(t, lanes, 4)
	assert.Equal(t, "critical", lanes[0].(map[string]any)["lane"])
}

func TestAuditStream(t *testing.T) {
	f := newFixture(t, 60)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws/audit?case_id=c7"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = f.audit.Log(context.Background(), audit.NewEvent(audit.EventActionDispatched).WithCorrelationID("other"))
				_ = f.audit.Log(context.Background(), audit.NewEvent(audit.EventActionDispatched).WithCorrelationID("c7"))
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev audit.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "c7", ev.CorrelationID)
	assert.Equal(t, audit.EventActionDispatched, ev.EventType)
}

func TestGRPCInferenceStatus(t *testing.T) {
	tracker := health.NewTracker(health.Config{FailureThreshold: 1, Cooldown: time.Hour}, []string{"local"}, nil, nil)
	hs := NewHealthService(0, tracker, nil)
	ctx := context.Background()

	status, err := hs.Check(ctx, InferenceService)
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, status)

	tracker.ReportFailure("local")
	hs.Refresh()
	status, err = hs.Check(ctx, InferenceService)
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, status)

	overall, err := hs.Check(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, overall, "the process itself is still up")
}
