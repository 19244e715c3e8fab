package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-orchestrator/internal/db"
)

func newStore(t *testing.T) db.Store {
	t.Helper()
	s, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCost(t *testing.T) {
	assert.InDelta(t, 0.003+0.0075, Cost("anthropic", 1000, 500), 1e-9)
	assert.Zero(t, Cost("local", 100000, 100000))
	assert.InDelta(t, 0.001, Cost("unknown", 1000, 0), 1e-9, "unknown providers use custom pricing")
}

func TestRecordAndExceeded(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(Config{MonthlyLimitUSD: 0.02, WarnThreshold: 0.8}, newStore(t), nil)

	exceeded, err := tr.Exceeded(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, exceeded)

	for i := 0; i < 2; i++ {
		require.NoError(t, tr.Record(ctx, &db.UsageRecord{
			TenantID: "acme", Provider: "openai", CostUSD: 0.01, OK: true,
		}))
	}

	spent, err := tr.Spent(ctx, "acme")
	require.NoError(t, err)
	assert.InDelta(t, 0.02, spent, 1e-9)

	exceeded, err = tr.Exceeded(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, exceeded)

	other, err := tr.Exceeded(ctx, "globex")
	require.NoError(t, err)
	assert.False(t, other)
}

func TestSpendSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	first := NewTracker(Config{MonthlyLimitUSD: 1}, store, nil)
	require.NoError(t, first.Record(ctx, &db.UsageRecord{TenantID: "acme", Provider: "anthropic", CostUSD: 0.4}))

	second := NewTracker(Config{MonthlyLimitUSD: 1}, store, nil)
	require.NoError(t, second.Record(ctx, &db.UsageRecord{TenantID: "acme", Provider: "anthropic", CostUSD: 0.1}))

	spent, err := second.Spent(ctx, "acme")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, spent, 1e-9)
}

func TestMonthRollover(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC)
	tr := NewTracker(Config{MonthlyLimitUSD: 0.05}, newStore(t), nil)
	tr.SetClock(func() time.Time { return now })

	require.NoError(t, tr.Record(ctx, &db.UsageRecord{TenantID: "acme", Provider: "openai", CostUSD: 0.05}))
	exceeded, err := tr.Exceeded(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, exceeded)

	now = now.Add(2 * time.Hour)
	exceeded, err = tr.Exceeded(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, exceeded, "a new month starts with a fresh budget")
}

func TestUnlimited(t *testing.T) {
	tr := NewTracker(Config{}, nil, nil)
	ctx := context.Background()
	require.NoError(t, tr.Record(ctx, &db.UsageRecord{TenantID: "acme", CostUSD: 1000}))
	exceeded, err := tr.Exceeded(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, exceeded)
}
