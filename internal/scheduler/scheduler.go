// Package scheduler hands cases to workers in strict lane priority.
//
// Four lanes (critical, high, normal, low) each have a concurrency cap, a
// backlog ceiling and a per-tenant in-flight quota. Arrivals beyond the
// backlog ceiling wait in the lane's deferred queue and are promoted as the
// backlog drains; nothing is dropped. A configurable number of worker slots
// is held back for the critical lane so lower-lane load never delays it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-orchestrator/internal/metrics"
	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("scheduler closed")

// Lane is a priority bucket. Lower values drain first.
type Lane int

const (
	LaneCritical Lane = iota
	LaneHigh
	LaneNormal
	LaneLow
	numLanes
)

var laneNames = [numLanes]string{"critical", "high", "normal", "low"}

func (l Lane) String() string {
	if l < 0 || l >= numLanes {
		return fmt.Sprintf("lane(%d)", int(l))
	}
	return laneNames[l]
}

// ParseLane maps a lane name to its Lane.
func ParseLane(name string) (Lane, error) {
	for i, n := range laneNames {
		if n == name {
			return Lane(i), nil
		}
	}
	return 0, fmt.Errorf("unknown lane %q", name)
}

// LaneConfig bounds one lane. Zero values mean unlimited.
type LaneConfig struct {
	Concurrency int
	MaxBacklog  int
	TenantQuota int
}

// Config configures a Scheduler.
type Config struct {
	Workers          int
	ReservedCritical int
	Lanes            map[Lane]LaneConfig
	// SeverityLanes maps case severity to lane. Unmapped severities go to normal.
	SeverityLanes map[models.Severity]Lane
}

// Item is one schedulable case.
type Item struct {
	CaseID     string
	TenantID   string
	Lane       Lane
	EnqueuedAt time.Time
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Lane     string `json:"lane"`
	Queued   int    `json:"queued"`
	Deferred int    `json:"deferred"`
	InFlight int    `json:"in_flight"`
	Degraded bool   `json:"degraded"`
}

type lane struct {
	cfg      LaneConfig
	queue    []Item
	deferred []Item
	inFlight int
	tenants  map[string]int
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	lanes  [numLanes]*lane
	known  map[string]Lane // queued, deferred or active
	active int

	// running holds picked cases; rerun holds running cases to queue again
	// when Done releases them.
	running map[string]bool
	rerun   map[string]Item

	notify chan struct{}
	closed bool
}

// New creates a scheduler.
func New(cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ReservedCritical >= cfg.Workers {
		cfg.ReservedCritical = cfg.Workers - 1
	}
	s := &Scheduler{
		cfg:     cfg,
		logger:  logger.Named("scheduler"),
		known:   make(map[string]Lane),
		running: make(map[string]bool),
		rerun:   make(map[string]Item),
		notify:  make(chan struct{}),
	}
	for i := range s.lanes {
		s.lanes[i] = &lane{cfg: cfg.Lanes[Lane(i)], tenants: make(map[string]int)}
	}
	return s
}

// LaneFor returns the lane for a severity.
func (s *Scheduler) LaneFor(sev models.Severity) Lane {
	if l, ok := s.cfg.SeverityLanes[sev]; ok {
		return l
	}
	return LaneNormal
}

// Submit enqueues item. It returns false when the case is already queued or
// running.
func (s *Scheduler) Submit(item Item) bool {
	item = normalize(item)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, dup := s.known[item.CaseID]; dup {
		return false
	}
	s.submitLocked(item)
	return true
}

// Requeue is Submit for a case whose state changed while it may be running.
// A running case is queued again as soon as Done releases it, so the change
// is not missed. It returns false only when the case is already queued or
// the scheduler is closed.
func (s *Scheduler) Requeue(item Item) bool {
	item = normalize(item)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, dup := s.known[item.CaseID]; dup {
		if !s.running[item.CaseID] {
			return false
		}
		s.rerun[item.CaseID] = item
		return true
	}
	s.submitLocked(item)
	return true
}

func normalize(item Item) Item {
	if item.Lane < 0 || item.Lane >= numLanes {
		item.Lane = LaneNormal
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	return item
}

func (s *Scheduler) submitLocked(item Item) {
	s.known[item.CaseID] = item.Lane
	l := s.lanes[item.Lane]
	if l.cfg.MaxBacklog > 0 && len(l.queue) >= l.cfg.MaxBacklog {
		l.deferred = append(l.deferred, item)
		if len(l.deferred) == 1 {
			s.logger.Warn("Lane backlog full, deferring arrivals",
				zap.String("lane", item.Lane.String()),
				zap.Int("max_backlog", l.cfg.MaxBacklog))
		}
	} else {
		l.queue = append(l.queue, item)
	}
	s.gaugesLocked(item.Lane)
	s.broadcastLocked()
}

// Next blocks until a case may start and returns it. The caller must call
// Done with the returned item when the worker releases it.
func (s *Scheduler) Next(ctx context.Context) (Item, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Item{}, ErrClosed
		}
		if item, ok := s.pickLocked(); ok {
			s.mu.Unlock()
			return item, nil
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-wait:
		}
	}
}

// pickLocked takes the first eligible item from the highest lane that has
// capacity.
func (s *Scheduler) pickLocked() (Item, bool) {
	if s.active >= s.cfg.Workers {
		return Item{}, false
	}
	for i := Lane(0); i < numLanes; i++ {
		if i != LaneCritical && s.active >= s.cfg.Workers-s.cfg.ReservedCritical {
			return Item{}, false
		}
		l := s.lanes[i]
		if len(l.queue) == 0 {
			continue
		}
		if l.cfg.Concurrency > 0 && l.inFlight >= l.cfg.Concurrency {
			continue
		}
		for idx, item := range l.queue {
			if l.cfg.TenantQuota > 0 && l.tenants[item.TenantID] >= l.cfg.TenantQuota {
				continue // tenant at quota; try the next tenant in this lane
			}
			l.queue = append(l.queue[:idx], l.queue[idx+1:]...)
			if len(l.deferred) > 0 {
				l.queue = append(l.queue, l.deferred[0])
				l.deferred = l.deferred[1:]
			}
			l.inFlight++
			l.tenants[item.TenantID]++
			s.active++
			s.running[item.CaseID] = true
			s.gaugesLocked(i)
			return item, true
		}
	}
	return Item{}, false
}

// Done releases the worker slot held by item.
func (s *Scheduler) Done(item Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.known[item.CaseID]; !ok {
		return
	}
	delete(s.known, item.CaseID)
	delete(s.running, item.CaseID)
	l := s.lanes[item.Lane]
	l.inFlight--
	if n := l.tenants[item.TenantID] - 1; n > 0 {
		l.tenants[item.TenantID] = n
	} else {
		delete(l.tenants, item.TenantID)
	}
	s.active--
	s.gaugesLocked(item.Lane)
	if again, ok := s.rerun[item.CaseID]; ok {
		delete(s.rerun, item.CaseID)
		if !s.closed {
			s.submitLocked(again)
			return
		}
	}
	s.broadcastLocked()
}

// Degraded reports whether work in lane should take the cheapest tier.
// Critical is never degraded; a lower lane is degraded while it or any
// higher lane holds deferred arrivals.
func (s *Scheduler) Degraded(l Lane) bool {
	if l == LaneCritical {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degradedLocked(l)
}

func (s *Scheduler) degradedLocked(l Lane) bool {
	if l == LaneCritical {
		return false
	}
	for i := Lane(0); i <= l && i < numLanes; i++ {
		if len(s.lanes[i].deferred) > 0 {
			return true
		}
	}
	return false
}

// Stats returns per-lane counters in priority order.
func (s *Scheduler) Stats() []LaneStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LaneStats, 0, numLanes)
	for i, l := range s.lanes {
		out = append(out, LaneStats{
			Lane:     Lane(i).String(),
			Queued:   len(l.queue),
			Deferred: len(l.deferred),
			InFlight: l.inFlight,
			Degraded: s.degradedLocked(Lane(i)),
		})
	}
	return out
}

// Close wakes all waiters; Next returns ErrClosed afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.broadcastLocked()
}

func (s *Scheduler) broadcastLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Scheduler) gaugesLocked(i Lane) {
	l := s.lanes[i]
	name := i.String()
	metrics.LaneDepth.WithLabelValues(name).Set(float64(len(l.queue)))
	metrics.LaneDeferred.WithLabelValues(name).Set(float64(len(l.deferred)))
	metrics.LaneInFlight.WithLabelValues(name).Set(float64(l.inFlight))
}
