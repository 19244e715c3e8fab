package db

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err, "NewSQLiteStore")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newCase(id string) *models.Case {
	now := time.Now().UTC().Round(time.Millisecond)
	return &models.Case{
		ID:        id,
		TenantID:  "tenant-a",
		Stage:     models.StageReceived,
		Severity:  models.SeverityHigh,
		Features:  map[string]any{"source": "edr"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ─── Cases ────────────────────────────────────────────────────────────────────

func TestCreateCaseIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateCase(ctx, newCase("case-1"))
	require.NoError(t, err)
	assert.True(t, created)

	dup := newCase("case-1")
	dup.Severity = models.SeverityLow
	created, err = s.CreateCase(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created, "second insert must be ignored")

	got, err := s.GetCase(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, models.SeverityHigh, got.Severity)
	assert.Equal(t, "edr", got.Features["source"])
	assert.Empty(t, got.Trail)
}

func TestGetCaseNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetCase(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommitTransitionAppendsTrail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := newCase("case-2")
	_, err := s.CreateCase(ctx, c)
	require.NoError(t, err)

	c.Stage = models.StageExtracting
	c.UpdatedAt = time.Now()
	entry := models.DecisionEntry{
		Seq:       0,
		Stage:     models.StageReceived,
		Next:      models.StageExtracting,
		Actor:     "engine",
		Summary:   "accepted",
		Timestamp: time.Now(),
	}
	require.NoError(t, s.CommitTransition(ctx, c, entry, 0))

	c.Stage = models.StageClosed
	c.Outcome = models.OutcomeAutoResolved
	c.Recommendation = &models.Recommendation{Action: "close_benign", Confidence: 1}
	entry2 := models.DecisionEntry{
		Seq:   1,
		Stage: models.StageExtracting,
		Next:  models.StageClosed,
		Actor: "engine",
		Routing: []models.RoutingDecision{
			{Tier: models.TierCheap, Provider: "local", Model: "llama3"},
		},
		Details:   map[string]any{"pattern": "benign-scan"},
		Timestamp: time.Now(),
	}
	require.NoError(t, s.CommitTransition(ctx, c, entry2, 1))

	got, err := s.GetCase(ctx, "case-2")
	require.NoError(t, err)
	assert.Equal(t, models.StageClosed, got.Stage)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, models.OutcomeAutoResolved, got.Outcome)
	require.NotNil(t, got.Recommendation)
	assert.Equal(t, "close_benign", got.Recommendation.Action)
	require.Len(t, got.Trail, 2)
	assert.Equal(t, "local", got.Trail[1].Routing[0].Provider)
	assert.Equal(t, "benign-scan", got.Trail[1].Details["pattern"])
	assert.NoError(t, got.VerifyTrail())
	assert.Equal(t,
		[]models.Stage{models.StageReceived, models.StageExtracting, models.StageClosed},
		got.Path())
}

func TestCommitTransitionVersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := newCase("case-3")
	_, err := s.CreateCase(ctx, c)
	require.NoError(t, err)

	c.Stage = models.StageExtracting
	entry := models.DecisionEntry{Seq: 0, Stage: models.StageReceived, Next: models.StageExtracting, Actor: "engine", Timestamp: time.Now()}
	require.NoError(t, s.CommitTransition(ctx, c, entry, 0))

	// A stale writer still believes the case is at version 0.
	err = s.CommitTransition(ctx, c, entry, 0)
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.GetCase(ctx, "case-3")
	require.NoError(t, err)
	assert.Len(t, got.Trail, 1, "rejected commit must not append to the trail")
}

func TestListCasesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.CreateCase(ctx, newCase(id))
		require.NoError(t, err)
	}
	c := newCase("c")
	c.Stage = models.StageFailed
	c.Outcome = models.OutcomeFailed
	require.NoError(t, s.CommitTransition(ctx, c, models.DecisionEntry{
		Seq: 0, Stage: models.StageReceived, Next: models.StageFailed, Actor: "engine", Timestamp: time.Now(),
	}, 0))

	failed, err := s.ListCases(ctx, CaseFilter{Stage: models.StageFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "c", failed[0].ID)

	live, err := s.ListCases(ctx, CaseFilter{NonTerminal: true})
	require.NoError(t, err)
	assert.Len(t, live, 2)

	limited, err := s.ListCases(ctx, CaseFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// ─── Leases ───────────────────────────────────────────────────────────────────

func TestLeaseExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateCase(ctx, newCase("lease-1"))
	require.NoError(t, err)

	ok, err := s.AcquireLease(ctx, "lease-1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLease(ctx, "lease-1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lease must not be stolen")

	ok, err = s.AcquireLease(ctx, "lease-1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "owner may renew")

	require.NoError(t, s.ReleaseLease(ctx, "lease-1", "worker-a"))
	ok, err = s.AcquireLease(ctx, "lease-1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseExpires(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateCase(ctx, newCase("lease-2"))
	require.NoError(t, err)

	ok, err := s.AcquireLease(ctx, "lease-2", "worker-a", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AcquireLease(ctx, "lease-2", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is free")
}

// ─── Provider health ──────────────────────────────────────────────────────────

func TestProviderHealthUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &models.ProviderHealth{
		Provider:         "anthropic",
		State:            models.BreakerClosed,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		LastChange:       time.Now(),
	}
	require.NoError(t, s.SaveProviderHealth(ctx, rec))

	rec.State = models.BreakerOpen
	rec.ConsecutiveFailures = 5
	require.NoError(t, s.SaveProviderHealth(ctx, rec))

	all, err := s.ListProviderHealth(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.BreakerOpen, all[0].State)
	assert.Equal(t, 5, all[0].ConsecutiveFailures)
	assert.Equal(t, 30*time.Second, all[0].Cooldown)
}

// ─── Approvals ────────────────────────────────────────────────────────────────

func newApproval(t *testing.T, s Store, caseID string, deadline time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreateCase(ctx, newCase(caseID))
	require.NoError(t, err)
	require.NoError(t, s.CreateApproval(ctx, &models.ApprovalRequest{
		CaseID:         caseID,
		TenantID:       "tenant-a",
		ProposedAction: "quarantine_host",
		Parameters:     map[string]any{"host": "ws-17"},
		RequiredTier:   "analyst",
		Reason:         "confidence below threshold",
		Status:         models.ApprovalPending,
		CreatedAt:      time.Now(),
		Deadline:       deadline,
	}))
}

func TestResolveApprovalOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newApproval(t, s, "ap-1", time.Now().Add(time.Hour))

	ok, err := s.ResolveApproval(ctx, "ap-1", models.ApprovalApproved, "alice", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ResolveApproval(ctx, "ap-1", models.ApprovalRejected, "bob", time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "second resolution must lose")

	got, err := s.GetApproval(ctx, "ap-1")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, got.Status)
	assert.Equal(t, "alice", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, "ws-17", got.Parameters["host"])
}

func TestResolveApprovalPastDeadline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	deadline := time.Now().Add(time.Minute)
	newApproval(t, s, "ap-2", deadline)

	ok, err := s.ResolveApproval(ctx, "ap-2", models.ApprovalApproved, "alice", deadline.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpireApprovals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	newApproval(t, s, "ap-old", now.Add(-time.Minute))
	newApproval(t, s, "ap-new", now.Add(time.Hour))

	expired, err := s.ExpireApprovals(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "ap-old", expired[0].CaseID)
	assert.Equal(t, models.ApprovalExpired, expired[0].Status)

	again, err := s.ExpireApprovals(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, again, "already expired requests are not returned twice")

	pending, err := s.ListApprovals(ctx, models.ApprovalPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ap-new", pending[0].CaseID)
}

// ─── Intake log ───────────────────────────────────────────────────────────────

func TestIntakeLogOffsets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var offsets []int64
	for _, key := range []string{"k1", "k2", "k3"} {
		off, err := s.AppendIntake(ctx, 2, key, []byte(`{"case_id":"`+key+`"}`))
		require.NoError(t, err)
		offsets = append(offsets, off)
	}
	_, err := s.AppendIntake(ctx, 3, "other", []byte(`{}`))
	require.NoError(t, err)

	recs, err := s.ReadIntake(ctx, 2, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "k1", recs[0].Key)

	committed, err := s.IntakeOffset(ctx, "engine", 2)
	require.NoError(t, err)
	assert.Zero(t, committed)

	require.NoError(t, s.CommitIntakeOffset(ctx, "engine", 2, offsets[1]))
	committed, err = s.IntakeOffset(ctx, "engine", 2)
	require.NoError(t, err)
	assert.Equal(t, offsets[1], committed)

	rest, err := s.ReadIntake(ctx, 2, committed, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "k3", rest[0].Key)
}

func TestIntakeOffsetsArePerPartitionAndGapFree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const perPartition = 10
	var wg sync.WaitGroup
	errs := make(chan error, 2*perPartition)
	for i := 0; i < perPartition; i++ {
		for _, p := range []int{0, 1} {
			wg.Add(1)
			go func(p, i int) {
				defer wg.Done()
				_, err := s.AppendIntake(ctx, p, fmt.Sprintf("k%d", i), []byte(`{}`))
				errs <- err
			}(p, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, p := range []int{0, 1} {
		recs, err := s.ReadIntake(ctx, p, 0, 100)
		require.NoError(t, err)
		require.Len(t, recs, perPartition)
		for i, rec := range recs {
			assert.Equal(t, int64(i+1), rec.Offset, "partition %d", p)
		}
	}
}

func TestDeadLetters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := IntakeRecord{Offset: 9, Partition: 1, Key: "bad", Payload: []byte("not json")}
	require.NoError(t, s.AppendDeadLetter(ctx, rec, "invalid character"))

	dl, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dl, 1)
	assert.Equal(t, int64(9), dl[0].Offset)
	assert.Equal(t, "not json", string(dl[0].Payload))
}

// ─── Usage & audit ────────────────────────────────────────────────────────────

func TestTenantSpend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.AppendUsage(ctx, &UsageRecord{TenantID: "t1", Provider: "openai", CostUSD: 0.25, OK: true, RecordedAt: now}))
	require.NoError(t, s.AppendUsage(ctx, &UsageRecord{TenantID: "t1", Provider: "anthropic", CostUSD: 0.5, OK: true, RecordedAt: now}))
	require.NoError(t, s.AppendUsage(ctx, &UsageRecord{TenantID: "t2", Provider: "openai", CostUSD: 9, OK: true, RecordedAt: now}))

	spend, err := s.TenantSpend(ctx, "t1", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.75, spend, 1e-9)

	none, err := s.TenantSpend(ctx, "t3", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, none)
}

func TestAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendAuditEvent(ctx, &AuditRecord{CorrelationID: "case-1", EventType: "case.transition", Timestamp: time.Now()}))
	require.NoError(t, s.AppendAuditEvent(ctx, &AuditRecord{CorrelationID: "case-2", EventType: "case.closed", Timestamp: time.Now()}))

	recs, err := s.QueryAuditEvents(ctx, AuditQuery{CorrelationID: "case-1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "case.transition", recs[0].EventType)
	assert.Equal(t, "{}", recs[0].Metadata)
}
