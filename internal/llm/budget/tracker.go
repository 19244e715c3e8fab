package budget

// Package budget tracks inference spend per tenant.
//
// Responsibilities:
//   - Price every inference call from its token counts
//   - Persist usage rows for cost accounting
//   - Keep a per-tenant running total for the current calendar month
//   - Warn when a tenant crosses the warn threshold of its limit
//   - Report exhausted budgets so reasoning is routed to the cheapest tier
//
// Cost Calculation:
//   - Cost = (input_tokens * input_cost) + (output_tokens * output_cost)
//   - Provider-specific pricing per 1K tokens
//   - Local models: zero cost
//
// Budgets never block a case. An exhausted tenant keeps being served on the
// cheapest tier so no case stalls on spend.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-orchestrator/internal/db"
	"github.com/kubilitics/kubilitics-orchestrator/internal/metrics"
)

// ─── Pricing ─────────────────────────────────────────────────────────────────

// providerPricing maps provider names to (input, output) cost per 1K tokens in USD.
var providerPricing = map[string][2]float64{
	"anthropic": {0.003, 0.015},   // claude sonnet
	"openai":    {0.0025, 0.010},  // gpt-4o
	"google":    {0.0001, 0.0004}, // gemini flash
	"local":     {0.0, 0.0},       // local, free
	"custom":    {0.001, 0.002},   // unknown providers
}

// Cost prices one call.
func Cost(provider string, inputTokens, outputTokens int) float64 {
	pricing, ok := providerPricing[provider]
	if !ok {
		pricing = providerPricing["custom"]
	}
	return (float64(inputTokens)/1000.0)*pricing[0] + (float64(outputTokens)/1000.0)*pricing[1]
}

// ─── Tracker ─────────────────────────────────────────────────────────────────

// Config sets the per-tenant monthly limit.
type Config struct {
	// MonthlyLimitUSD caps spend per tenant per calendar month. 0 = unlimited.
	MonthlyLimitUSD float64
	// WarnThreshold is the fraction of the limit that triggers a warning (e.g. 0.8 = 80%).
	WarnThreshold float64
}

type tenantSpend struct {
	periodStart time.Time
	spentUSD    float64
	warned      bool
}

// Tracker records usage and answers whether a tenant is over budget.
type Tracker struct {
	store  db.UsageStore
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	cfg     Config
	tenants map[string]*tenantSpend
}

// NewTracker creates a tracker. store may be nil, in which case spend is
// only kept in memory.
func NewTracker(cfg Config, store db.UsageStore, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:   store,
		logger:  logger.Named("budget"),
		now:     time.Now,
		cfg:     cfg,
		tenants: make(map[string]*tenantSpend),
	}
}

// SetClock replaces the time source.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// SetLimits applies new limits, e.g. after a config reload.
func (t *Tracker) SetLimits(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg
	for _, ts := range t.tenants {
		ts.warned = false
	}
}

// Record persists one call and adds its cost to the tenant total.
func (t *Tracker) Record(ctx context.Context, rec *db.UsageRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Load the month total before appending so rec is counted once.
	var ts *tenantSpend
	if rec.TenantID != "" {
		var err error
		if ts, err = t.loadLocked(ctx, rec.TenantID); err != nil {
			return err
		}
	}
	if t.store != nil {
		if err := t.store.AppendUsage(ctx, rec); err != nil {
			return fmt.Errorf("record usage: %w", err)
		}
	}
	if ts == nil {
		return nil
	}
	ts.spentUSD += rec.CostUSD
	metrics.BudgetUsageUSD.WithLabelValues(rec.TenantID).Set(ts.spentUSD)

	limit := t.cfg.MonthlyLimitUSD
	if limit > 0 && !ts.warned && t.cfg.WarnThreshold > 0 && ts.spentUSD >= limit*t.cfg.WarnThreshold {
		ts.warned = true
		t.logger.Warn("Tenant approaching inference budget",
			zap.String("tenant_id", rec.TenantID),
			zap.Float64("spent_usd", ts.spentUSD),
			zap.Float64("limit_usd", limit))
	}
	return nil
}

// Exceeded reports whether the tenant has spent its monthly limit.
func (t *Tracker) Exceeded(ctx context.Context, tenantID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	limit := t.cfg.MonthlyLimitUSD
	if limit <= 0 || tenantID == "" {
		return false, nil // unlimited
	}
	ts, err := t.loadLocked(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if ts.spentUSD >= limit {
		metrics.BudgetExceeded.WithLabelValues(tenantID).Inc()
		return true, nil
	}
	return false, nil
}

// Spent returns the tenant's spend for the current month.
func (t *Tracker) Spent(ctx context.Context, tenantID string) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, err := t.loadLocked(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return ts.spentUSD, nil
}

// loadLocked returns the tenant entry for the current month, reading the
// persisted total when the month is new to this process.
func (t *Tracker) loadLocked(ctx context.Context, tenantID string) (*tenantSpend, error) {
	period := startOfMonth(t.now())
	ts, ok := t.tenants[tenantID]
	if ok && ts.periodStart.Equal(period) {
		return ts, nil
	}
	ts = &tenantSpend{periodStart: period}
	if t.store != nil {
		spent, err := t.store.TenantSpend(ctx, tenantID, period, period.AddDate(0, 1, 0))
		if err != nil {
			return nil, fmt.Errorf("load spend for %s: %w", tenantID, err)
		}
		ts.spentUSD = spent
	}
	t.tenants[tenantID] = ts
	return ts, nil
}

func startOfMonth(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
