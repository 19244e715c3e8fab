// Package health tracks per-provider circuit breakers.
//
// Each provider owns one breaker guarded by its own mutex; there is no lock
// shared across providers. Reads go through an atomically published snapshot
// so the router never waits on a writer. State changes are persisted by a
// coalescing background writer and reported to an optional listener.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-orchestrator/internal/db"
	"github.com/kubilitics/kubilitics-orchestrator/internal/metrics"
	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
)

// Listener is told about every breaker state change, after the change is visible.
type Listener func(provider string, from, to models.BreakerState)

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

type snapshot struct {
	rec   models.ProviderHealth
	trial bool // a half-open trial call is in flight
}

type breaker struct {
	name string

	mu         sync.Mutex
	state      models.BreakerState
	failures   int
	lastChange time.Time
	trial      bool

	snap atomic.Pointer[snapshot]
}

// Tracker is the single source of truth for provider usability.
type Tracker struct {
	breakers map[string]*breaker // fixed at construction

	threshold atomic.Int64
	cooldown  atomic.Int64

	store    db.ProviderHealthStore
	logger   *zap.Logger
	now      func() time.Time
	listener Listener

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
	wake    chan struct{}
}

// NewTracker creates closed breakers for providers. store may be nil.
func NewTracker(cfg Config, providers []string, store db.ProviderHealthStore, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		breakers: make(map[string]*breaker, len(providers)),
		store:    store,
		logger:   logger.Named("health"),
		now:      time.Now,
		dirty:    make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
	}
	t.SetThresholds(cfg.FailureThreshold, cfg.Cooldown)
	now := t.now()
	for _, p := range providers {
		b := &breaker{name: p, state: models.BreakerClosed, lastChange: now}
		t.publish(b)
		t.breakers[p] = b
	}
	return t
}

// SetClock replaces the time source. Call before use.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// OnChange installs the state-change listener. Call before use.
func (t *Tracker) OnChange(l Listener) { t.listener = l }

// SetThresholds updates the failure threshold and cool-down for every provider.
func (t *Tracker) SetThresholds(failureThreshold int, cooldown time.Duration) {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	t.threshold.Store(int64(failureThreshold))
	t.cooldown.Store(int64(cooldown))
}

// Known reports whether provider is tracked.
func (t *Tracker) Known(provider string) bool {
	_, ok := t.breakers[provider]
	return ok
}

// ─── Reads (non-blocking) ─────────────────────────────────────────────────────

// State returns the provider's current record. An open breaker whose
// cool-down has elapsed is reported as half-open; the transition itself
// happens in Acquire.
func (t *Tracker) State(provider string) (models.ProviderHealth, bool) {
	b, ok := t.breakers[provider]
	if !ok {
		return models.ProviderHealth{}, false
	}
	s := b.snap.Load()
	rec := s.rec
	if rec.State == models.BreakerOpen && t.now().Sub(rec.LastChange) >= t.cooldownDur() {
		rec.State = models.BreakerHalfOpen
	}
	return rec, true
}

// Usable reports whether a call to provider would currently be admitted.
func (t *Tracker) Usable(provider string) bool {
	b, ok := t.breakers[provider]
	if !ok {
		return false
	}
	s := b.snap.Load()
	switch s.rec.State {
	case models.BreakerClosed:
		return true
	case models.BreakerHalfOpen:
		return !s.trial
	default:
		return t.now().Sub(s.rec.LastChange) >= t.cooldownDur()
	}
}

// AnyUsable reports whether at least one provider would admit a call.
func (t *Tracker) AnyUsable() bool {
	for name := range t.breakers {
		if t.Usable(name) {
			return true
		}
	}
	return false
}

// Snapshot returns every provider record ordered by name.
func (t *Tracker) Snapshot() []models.ProviderHealth {
	out := make([]models.ProviderHealth, 0, len(t.breakers))
	for name := range t.breakers {
		rec, _ := t.State(name)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// ─── Writes (serialized per provider) ─────────────────────────────────────────

// Acquire admits one call. While half-open only a single trial call is
// admitted until its outcome is reported.
func (t *Tracker) Acquire(provider string) bool {
	b, ok := t.breakers[provider]
	if !ok {
		return false
	}

	b.mu.Lock()
	from := b.state
	admitted := false
	switch b.state {
	case models.BreakerClosed:
		admitted = true
	case models.BreakerOpen:
		if t.now().Sub(b.lastChange) >= t.cooldownDur() {
			b.state = models.BreakerHalfOpen
			b.lastChange = t.now()
			b.trial = true
			admitted = true
		}
	case models.BreakerHalfOpen:
		if !b.trial {
			b.trial = true
			admitted = true
		}
	}
	to := b.state
	if from != to || b.state == models.BreakerHalfOpen {
		t.publish(b)
	}
	b.mu.Unlock()

	if from != to {
		t.changed(provider, from, to)
	}
	return admitted
}

// ReportSuccess records a successful call.
func (t *Tracker) ReportSuccess(provider string) {
	b, ok := t.breakers[provider]
	if !ok {
		return
	}

	b.mu.Lock()
	from := b.state
	hadFailures := b.failures > 0
	b.failures = 0
	b.trial = false
	if b.state != models.BreakerClosed {
		b.state = models.BreakerClosed
		b.lastChange = t.now()
	}
	to := b.state
	t.publish(b)
	b.mu.Unlock()

	if hadFailures || from != to {
		t.changed(provider, from, to)
	}
}

// ReportFailure records a failed call. A failed half-open trial reopens the
// breaker and restarts the cool-down.
func (t *Tracker) ReportFailure(provider string) {
	b, ok := t.breakers[provider]
	if !ok {
		return
	}

	b.mu.Lock()
	from := b.state
	b.failures++
	switch b.state {
	case models.BreakerHalfOpen:
		b.state = models.BreakerOpen
		b.lastChange = t.now()
		b.trial = false
	case models.BreakerClosed:
		if int64(b.failures) >= t.threshold.Load() {
			b.state = models.BreakerOpen
			b.lastChange = t.now()
		}
	}
	to := b.state
	t.publish(b)
	b.mu.Unlock()

	t.changed(provider, from, to)
}

// Release returns an admitted call without an outcome, e.g. when the caller
// abandoned it. A half-open breaker admits a new trial afterwards.
func (t *Tracker) Release(provider string) {
	b, ok := t.breakers[provider]
	if !ok {
		return
	}
	b.mu.Lock()
	if b.trial {
		b.trial = false
		t.publish(b)
	}
	b.mu.Unlock()
}

// publish stores a fresh snapshot; caller holds b.mu.
func (t *Tracker) publish(b *breaker) {
	b.snap.Store(&snapshot{
		rec: models.ProviderHealth{
			Provider:            b.name,
			State:               b.state,
			ConsecutiveFailures: b.failures,
			LastChange:          b.lastChange,
			FailureThreshold:    int(t.threshold.Load()),
			Cooldown:            t.cooldownDur(),
		},
		trial: b.trial,
	})
}

func (t *Tracker) changed(provider string, from, to models.BreakerState) {
	t.markDirty(provider)
	if from == to {
		return
	}
	metrics.ProviderState.WithLabelValues(provider).Set(metrics.BreakerValue(string(to)))
	t.logger.Info("provider breaker changed",
		zap.String("provider", provider),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if t.listener != nil {
		t.listener(provider, from, to)
	}
}

func (t *Tracker) cooldownDur() time.Duration { return time.Duration(t.cooldown.Load()) }

// ─── Persistence ──────────────────────────────────────────────────────────────

// Restore loads persisted records for known providers. A persisted half-open
// breaker is restored as open since its trial did not survive the restart.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	recs, err := t.store.ListProviderHealth(ctx)
	if err != nil {
		return fmt.Errorf("restore provider health: %w", err)
	}
	for _, rec := range recs {
		b, ok := t.breakers[rec.Provider]
		if !ok {
			continue
		}
		b.mu.Lock()
		b.state = rec.State
		if b.state == models.BreakerHalfOpen {
			b.state = models.BreakerOpen
		}
		b.failures = rec.ConsecutiveFailures
		b.lastChange = rec.LastChange
		b.trial = false
		t.publish(b)
		b.mu.Unlock()
		metrics.ProviderState.WithLabelValues(rec.Provider).Set(metrics.BreakerValue(string(b.state)))
	}
	return nil
}

func (t *Tracker) markDirty(provider string) {
	t.dirtyMu.Lock()
	t.dirty[provider] = struct{}{}
	t.dirtyMu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Run persists dirty records until ctx is done. Bursts of reports for the
// same provider collapse into one write of the latest snapshot.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = t.Flush(flushCtx)
			cancel()
			return
		case <-t.wake:
			if err := t.Flush(ctx); err != nil {
				t.logger.Warn("failed to persist provider health", zap.Error(err))
			}
		}
	}
}

// Flush writes every dirty record now.
func (t *Tracker) Flush(ctx context.Context) error {
	if t.store == nil {
		t.dirtyMu.Lock()
		t.dirty = make(map[string]struct{})
		t.dirtyMu.Unlock()
		return nil
	}

	t.dirtyMu.Lock()
	pending := t.dirty
	t.dirty = make(map[string]struct{})
	t.dirtyMu.Unlock()

	var firstErr error
	for name := range pending {
		rec := t.breakers[name].snap.Load().rec
		if err := t.store.SaveProviderHealth(ctx, &rec); err != nil {
			// Keep it dirty so the next wake retries.
			t.dirtyMu.Lock()
			t.dirty[name] = struct{}{}
			t.dirtyMu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
