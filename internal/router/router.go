// Package router picks the inference tier and provider for a reasoning task.
//
// Routing runs in three steps:
//  1. Default tier from the task-kind table.
//  2. Overrides: a time budget under the floor or a degrade signal forces
//     the cheapest tier and ends evaluation; a top-severity multi-step task
//     or an oversized input raises the tier to at least mid; a low prior
//     confidence moves one tier up from the tier that answered, bounded per
//     hour per (provider, kind).
//  3. Resolution against provider health: primary, else fallback, else
//     unavailable. Resolution never waits for a provider to recover.
//
// Route only reads breaker state. Calls, health reports and fallback walking
// happen in the Dispatcher.
package router

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-orchestrator/internal/metrics"
	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
)

// ErrInvalidTask is returned for task contexts that cannot be routed.
var ErrInvalidTask = errors.New("invalid task context")

// Rule names recorded in RoutingDecision.Rules.
const (
	RuleTimeFloor          = "time_floor"
	RuleDegraded           = "degraded"
	RuleCriticalMultiStep  = "critical_multistep"
	RuleInputCeiling       = "input_ceiling"
	RuleEscalation         = "escalation"
	RuleEscalationCapped   = "escalation_capped"
	RulePrimaryUnavailable = "primary_unavailable"
	RuleNoProvider         = "no_provider"
)

// Thresholds are the override parameters. They can change at runtime.
type Thresholds struct {
	TimeBudgetFloor      time.Duration
	InputCeilingTokens   int
	EscalationThreshold  float64
	EscalationCapPerHour int
}

// HealthReader answers whether a provider may be called right now. It must
// not block.
type HealthReader interface {
	Known(provider string) bool
	Usable(provider string) bool
}

// Router maps task contexts to routing decisions.
type Router struct {
	mu    sync.RWMutex
	table *Table
	th    Thresholds

	health HealthReader
	window *escalationWindow
	logger *zap.Logger
	now    func() time.Time
}

// New creates a router.
func New(table *Table, th Thresholds, health HealthReader, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		table:  table,
		th:     th,
		health: health,
		window: newEscalationWindow(time.Hour),
		logger: logger.Named("router"),
		now:    time.Now,
	}
}

// SetClock replaces the time source used by the escalation window.
func (r *Router) SetClock(now func() time.Time) { r.now = now }

// SetThresholds swaps the override parameters.
func (r *Router) SetThresholds(th Thresholds) {
	r.mu.Lock()
	r.th = th
	r.mu.Unlock()
}

// SetTable swaps the routing table.
func (r *Router) SetTable(t *Table) {
	r.mu.Lock()
	r.table = t
	r.mu.Unlock()
}

// Table returns the current routing table.
func (r *Router) Table() *Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table
}

// Route produces the routing decision for tc.
func (r *Router) Route(tc models.TaskContext) (models.RoutingDecision, error) {
	r.mu.RLock()
	table, th := r.table, r.th
	r.mu.RUnlock()

	if err := validate(tc, table); err != nil {
		return models.RoutingDecision{}, err
	}

	tier := table.Kinds[tc.Kind]
	var rules []string
	escalated := false

	switch {
	case tc.TimeBudget > 0 && tc.TimeBudget < th.TimeBudgetFloor:
		tier = models.TierCheap
		rules = append(rules, RuleTimeFloor)
	case tc.Degraded && !tc.SeverityFloor.Top():
		tier = models.TierCheap
		rules = append(rules, RuleDegraded)
	default:
		if tc.SeverityFloor.Top() && tc.MultiStep && tier.Rank() < models.TierMid.Rank() {
			tier = tier.AtLeast(models.TierMid)
			rules = append(rules, RuleCriticalMultiStep)
		}
		if th.InputCeilingTokens > 0 && tc.EstimatedInputTokens > th.InputCeilingTokens && tier.Rank() < models.TierMid.Rank() {
			tier = tier.AtLeast(models.TierMid)
			rules = append(rules, RuleInputCeiling)
		}
		if tc.CurrentTier != "" {
			tier = tier.AtLeast(tc.CurrentTier)
		}
		if tc.PriorConfidence != nil && *tc.PriorConfidence < th.EscalationThreshold && tier.Up() != tier {
			target := tier.Up()
			key := escalationKey{provider: table.Tiers[target].Provider, kind: tc.Kind}
			if r.window.reserve(key, th.EscalationCapPerHour, r.now()) {
				metrics.Escalations.WithLabelValues(string(tier), string(target)).Inc()
				tier = target
				escalated = true
				rules = append(rules, RuleEscalation)
			} else {
				metrics.EscalationsCapped.WithLabelValues(key.provider, key.kind).Inc()
				rules = append(rules, RuleEscalationCapped)
				r.logger.Warn("Escalation suppressed by hourly cap",
					zap.String("case_id", tc.CaseID),
					zap.String("provider", key.provider),
					zap.String("kind", key.kind),
					zap.Int("cap", th.EscalationCapPerHour))
			}
		}
	}

	params := table.Tiers[tier]
	if !r.health.Known(params.Provider) && (params.FallbackProvider == "" || !r.health.Known(params.FallbackProvider)) {
		return models.RoutingDecision{}, fmt.Errorf("%w: tier %s has no known provider (%s)", ErrInvalidTask, tier, params.Provider)
	}
	d := models.RoutingDecision{
		Tier:          tier,
		MaxTokens:     params.MaxTokens,
		LatencyBudget: params.Latency,
		Temperature:   params.Temperature,
		DeepReasoning: params.DeepReasoning,
		Rules:         rules,
		Escalated:     escalated,
	}
	if tc.TimeBudget > 0 && tc.TimeBudget < d.LatencyBudget {
		d.LatencyBudget = tc.TimeBudget
	}

	hasFallback := params.FallbackProvider != ""
	switch {
	case r.health.Usable(params.Provider):
		d.Provider, d.Model = params.Provider, params.Model
		if hasFallback {
			d.Fallbacks = []models.Candidate{{Provider: params.FallbackProvider, Model: params.FallbackModel}}
		}
	case hasFallback && r.health.Usable(params.FallbackProvider):
		d.Provider, d.Model = params.FallbackProvider, params.FallbackModel
		d.Rules = append(d.Rules, RulePrimaryUnavailable)
	default:
		d.Unavailable = true
		d.Rules = append(d.Rules, RuleNoProvider)
	}
	return d, nil
}

func validate(tc models.TaskContext, table *Table) error {
	if table == nil {
		return fmt.Errorf("%w: no routing table", ErrInvalidTask)
	}
	if _, ok := table.Kinds[tc.Kind]; !ok {
		return fmt.Errorf("%w: unknown task kind %q", ErrInvalidTask, tc.Kind)
	}
	if tc.EstimatedInputTokens < 0 {
		return fmt.Errorf("%w: negative input size %d", ErrInvalidTask, tc.EstimatedInputTokens)
	}
	if tc.TimeBudget < 0 {
		return fmt.Errorf("%w: negative time budget %s", ErrInvalidTask, tc.TimeBudget)
	}
	if tc.SeverityFloor != "" && tc.SeverityFloor.Rank() < 0 {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidTask, tc.SeverityFloor)
	}
	if tc.CurrentTier != "" && tc.CurrentTier.Rank() < 0 {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidTask, tc.CurrentTier)
	}
	if pc := tc.PriorConfidence; pc != nil && (*pc < 0 || *pc > 1) {
		return fmt.Errorf("%w: prior confidence %v outside [0,1]", ErrInvalidTask, *pc)
	}
	return nil
}

// ─── Escalation window ────────────────────────────────────────────────────────

type escalationKey struct {
	provider string
	kind     string
}

// escalationWindow counts escalations per key over a rolling period.
type escalationWindow struct {
	period time.Duration

	mu     sync.Mutex
	events map[escalationKey][]time.Time
}

func newEscalationWindow(period time.Duration) *escalationWindow {
	return &escalationWindow{period: period, events: make(map[escalationKey][]time.Time)}
}

// reserve records one escalation for key if fewer than limit happened in
// the last period. A limit <= 0 disables escalation.
func (w *escalationWindow) reserve(key escalationKey, limit int, now time.Time) bool {
	if limit <= 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.period)
	ev := w.events[key]
	i := 0
	for i < len(ev) && !ev[i].After(cutoff) {
		i++
	}
	ev = ev[i:]
	if len(ev) >= limit {
		w.events[key] = ev
		return false
	}
	w.events[key] = append(ev, now)
	return true
}
