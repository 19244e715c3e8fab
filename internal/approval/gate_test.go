package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-orchestrator/internal/db"
	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
)

type resumes struct {
	mu  sync.Mutex
	ids []string
}

func (r *resumes) hook(_ context.Context, caseID string) {
	r.mu.Lock()
	r.ids = append(r.ids, caseID)
	r.mu.Unlock()
}

func (r *resumes) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

type fixture struct {
	store   db.Store
	gate    *Gate
	now     time.Time
	resumed *resumes
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{store: s, now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC), resumed: &resumes{}}
	f.gate = NewGate(Config{
		Timeouts: map[models.Severity]time.Duration{
			models.SeverityCritical: time.Hour,
			models.SeverityLow:      24 * time.Hour,
		},
		DefaultTimeout: 8 * time.Hour,
		RequiredTiers:  map[models.Severity]string{models.SeverityCritical: "senior"},
	}, s, nil, nil)
	f.gate.SetClock(func() time.Time { return f.now })
	f.gate.OnResolve(f.resumed.hook)
	return f
}

func (f *fixture) waitingCase(t *testing.T, id string, sev models.Severity, rec *models.Recommendation) *models.Case {
	t.Helper()
	c := &models.Case{
		ID: id, TenantID: "acme", Stage: models.StageAwaitingApproval, Severity: sev,
		Recommendation: rec, CreatedAt: f.now, UpdatedAt: f.now,
	}
	created, err := f.store.CreateCase(context.Background(), c)
	require.NoError(t, err)
	require.True(t, created)
	return c
}

func TestOpenUsesSeverityTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.waitingCase(t, "c1", models.SeverityCritical, &models.Recommendation{
		Action: "quarantine_host", Confidence: 0.7, Parameters: map[string]any{"host": "ws-12"},
	})

	req, err := f.gate.Open(ctx, c, "confidence below auto-action threshold")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, req.Status)
	assert.Equal(t, "quarantine_host", req.ProposedAction)
	assert.Equal(t, "ws-12", req.Parameters["host"])
	assert.Equal(t, "senior", req.RequiredTier)
	assert.True(t, req.Deadline.Equal(f.now.Add(time.Hour)))

	f.now = f.now.Add(time.Minute)
	again, err := f.gate.Open(ctx, c, "second")
	require.NoError(t, err)
	assert.True(t, again.Deadline.Equal(req.Deadline), "reopening keeps the first request")
}

func TestOpenWithoutRecommendationEscalates(t *testing.T) {
	f := newFixture(t)
	c := f.waitingCase(t, "c1", models.SeverityHigh, nil)
	req, err := f.gate.Open(context.Background(), c, "inference unavailable")
	require.NoError(t, err)
	assert.Equal(t, EscalateAction, req.ProposedAction)
	assert.True(t, req.Deadline.Equal(f.now.Add(8*time.Hour)), "default timeout")
}

func TestResolveOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.waitingCase(t, "c1", models.SeverityLow, nil)
	_, err := f.gate.Open(ctx, c, "")
	require.NoError(t, err)

	req, err := f.gate.Resolve(ctx, "c1", DecisionApprove, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, req.Status)
	assert.Equal(t, "alice", req.ResolvedBy)
	assert.Equal(t, []string{"c1"}, f.resumed.list())

	_, err = f.gate.Resolve(ctx, "c1", DecisionReject, "bob")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.Len(t, f.resumed.list(), 1)
}

func TestResolveRequiresWaitingCase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gate.Resolve(ctx, "missing", DecisionApprove, "alice")
	assert.ErrorIs(t, err, ErrNotAwaitingApproval)

	c := &models.Case{ID: "busy", TenantID: "acme", Stage: models.StageReasoning, Severity: models.SeverityLow, CreatedAt: f.now, UpdatedAt: f.now}
	_, err = f.store.CreateCase(ctx, c)
	require.NoError(t, err)
	_, err = f.gate.Open(ctx, c, "")
	require.NoError(t, err)
	_, err = f.gate.Resolve(ctx, "busy", DecisionApprove, "alice")
	assert.ErrorIs(t, err, ErrNotAwaitingApproval)

	_, err = f.gate.Resolve(ctx, "busy", "maybe", "alice")
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

func TestTimeoutExpiresExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.waitingCase(t, "c1", models.SeverityCritical, &models.Recommendation{Action: "reset_credentials", Confidence: 0.5})
	_, err := f.gate.Open(ctx, c, "")
	require.NoError(t, err)

	f.now = f.now.Add(59 * time.Minute)
	n, err := f.gate.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not yet due")

	f.now = f.now.Add(time.Minute)
	_, err = f.gate.Resolve(ctx, "c1", DecisionApprove, "alice")
	assert.ErrorIs(t, err, ErrApprovalExpired, "late approvals never land")

	n, err = f.gate.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"c1"}, f.resumed.list())

	req, err := f.gate.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExpired, req.Status)
	assert.Equal(t, "system:sweeper", req.ResolvedBy)

	_, err = f.gate.Resolve(ctx, "c1", DecisionApprove, "alice")
	assert.ErrorIs(t, err, ErrApprovalExpired)
}

func TestExpiryAfterResolutionIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.waitingCase(t, "c1", models.SeverityCritical, nil)
	_, err := f.gate.Open(ctx, c, "")
	require.NoError(t, err)
	_, err = f.gate.Resolve(ctx, "c1", DecisionReject, "alice")
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)
	n, err := f.gate.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	req, err := f.gate.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalRejected, req.Status)
}

func TestSweepReconcilesWaitingCases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Case committed to waiting but the request was never opened.
	f.waitingCase(t, "orphan", models.SeverityLow, nil)

	// Request resolved but the case was never resumed.
	c := f.waitingCase(t, "stalled", models.SeverityLow, nil)
	_, err := f.gate.Open(ctx, c, "")
	require.NoError(t, err)
	ok, err := f.store.ResolveApproval(ctx, "stalled", models.ApprovalApproved, "alice", f.now)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.gate.Sweep(ctx)
	require.NoError(t, err)

	req, err := f.gate.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, req.Status)
	assert.Equal(t, []string{"stalled"}, f.resumed.list())

	pending, err := f.gate.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "orphan", pending[0].CaseID)
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision(" Approve ")
	require.NoError(t, err)
	assert.Equal(t, DecisionApprove, d)
	_, err = ParseDecision("defer")
	assert.ErrorIs(t, err, ErrInvalidDecision)
}
