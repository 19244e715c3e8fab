// Package investigation drives cases through their lifecycle.
//
// A case moves received → extracting → enriching → reasoning and then either
// straight to responding or through awaiting_approval, ending closed. Any
// non-terminal stage may end in failed. Each transition is written to the
// store, together with its trail entry, before the next stage starts, and a
// per-case lease keeps two workers from advancing the same case.
package investigation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-orchestrator/internal/approval"
	"github.com/kubilitics/kubilitics-orchestrator/internal/audit"
	"github.com/kubilitics/kubilitics-orchestrator/internal/db"
	"github.com/kubilitics/kubilitics-orchestrator/internal/enrichment"
	"github.com/kubilitics/kubilitics-orchestrator/internal/executor"
	"github.com/kubilitics/kubilitics-orchestrator/internal/extraction"
	"github.com/kubilitics/kubilitics-orchestrator/internal/metrics"
	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
	"github.com/kubilitics/kubilitics-orchestrator/internal/router"
	"github.com/kubilitics/kubilitics-orchestrator/internal/scheduler"
)

var (
	// ErrLeaseHeld is returned when another worker owns the case.
	ErrLeaseHeld = errors.New("case is leased by another worker")
	// ErrInvalidCase is returned for intake messages that fail validation.
	ErrInvalidCase = errors.New("invalid case")
)

// Store is the persistence the engine needs.
type Store interface {
	db.CaseStore
	db.LeaseStore
}

// Reasoner runs routed inference tasks. *router.Dispatcher implements it.
type Reasoner interface {
	Execute(ctx context.Context, tc models.TaskContext, p router.Prompt) (*router.Result, error)
	Escalate(ctx context.Context, tc models.TaskContext, p router.Prompt) (*router.Result, error)
}

// BudgetGuard reports tenants that have spent their inference budget.
type BudgetGuard interface {
	Exceeded(ctx context.Context, tenantID string) (bool, error)
}

// TokenCounter estimates prompt size.
type TokenCounter interface {
	Count(text string) int
}

// Config holds the engine's decision parameters. Everything except Workers
// can change at runtime through SetConfig.
type Config struct {
	Workers                int
	AutoActionThreshold    float64
	AllowedActions         []string
	CapPartialEnrichment   bool
	ReasoningBudgets       map[models.Severity]time.Duration
	DefaultReasoningBudget time.Duration
	PersistRetries         int
	PersistBackoff         time.Duration
	DispatchRetries        int
	DispatchBackoff        time.Duration
	LeaseTTL               time.Duration
	MaxEscalations         int
	// CategoryKinds maps a case category to a router task kind.
	CategoryKinds  map[string]string
	DefaultKind    string
	MultiStepKinds []string
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.DefaultReasoningBudget <= 0 {
		c.DefaultReasoningBudget = time.Minute
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = 100 * time.Millisecond
	}
	if c.DispatchBackoff <= 0 {
		c.DispatchBackoff = 500 * time.Millisecond
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.DefaultKind == "" {
		c.DefaultKind = "triage"
	}
}

// Deps are the collaborators of an Engine. Budget, Tokens, Audit, Patterns
// and Enricher are optional.
type Deps struct {
	Store     Store
	Scheduler *scheduler.Scheduler
	Reasoner  Reasoner
	Gate      *approval.Gate
	Executor  executor.Executor
	Enricher  *enrichment.Pool
	Patterns  *extraction.Matcher
	Budget    BudgetGuard
	Tokens    TokenCounter
	Audit     audit.Logger
}

// Engine advances cases.
type Engine struct {
	store    Store
	sched    *scheduler.Scheduler
	reasoner Reasoner
	gate     *approval.Gate
	exec     executor.Executor
	enrich   *enrichment.Pool
	patterns *extraction.Matcher
	budget   BudgetGuard
	tokens   TokenCounter
	audit    audit.Logger
	logger   *zap.Logger

	owner string
	now   func() time.Time

	mu  sync.RWMutex
	cfg Config

	wg sync.WaitGroup
}

// New creates an engine and registers it as the gate's resume hook.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("engine: store is required")
	case deps.Scheduler == nil:
		return nil, fmt.Errorf("engine: scheduler is required")
	case deps.Reasoner == nil:
		return nil, fmt.Errorf("engine: reasoner is required")
	case deps.Gate == nil:
		return nil, fmt.Errorf("engine: approval gate is required")
	case deps.Executor == nil:
		return nil, fmt.Errorf("engine: executor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	e := &Engine{
		store:    deps.Store,
		sched:    deps.Scheduler,
		reasoner: deps.Reasoner,
		gate:     deps.Gate,
		exec:     deps.Executor,
		enrich:   deps.Enricher,
		patterns: deps.Patterns,
		budget:   deps.Budget,
		tokens:   deps.Tokens,
		audit:    deps.Audit,
		logger:   logger.Named("engine"),
		owner:    "worker-" + uuid.NewString(),
		now:      time.Now,
		cfg:      cfg,
	}
	deps.Gate.OnResolve(e.Resume)
	return e, nil
}

// SetClock replaces the time source used for trail timestamps.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetConfig swaps decision parameters. The worker count is fixed at start.
func (e *Engine) SetConfig(cfg Config) {
	cfg.applyDefaults()
	e.mu.Lock()
	cfg.Workers = e.cfg.Workers
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Submit creates the case for an intake message unless it already exists,
// and queues it. It reports whether a new case was created. Submitting the
// same message twice never creates a second case.
func (e *Engine) Submit(ctx context.Context, msg models.IntakeMessage) (bool, error) {
	if err := msg.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidCase, err)
	}
	sev, _ := models.ParseSeverity(msg.Severity)
	now := e.now().UTC()

	c := &models.Case{
		ID:        msg.CaseID,
		TenantID:  msg.TenantID,
		Stage:     models.StageReceived,
		Severity:  sev,
		Features:  msg.InitialEvidence,
		Evidence:  []models.EvidenceItem{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(msg.InitialEvidence) > 0 {
		c.Evidence = append(c.Evidence, models.EvidenceItem{
			Source:      intakeSource,
			Status:      models.EvidenceOK,
			Data:        msg.InitialEvidence,
			CollectedAt: now,
		})
	}

	created, err := e.store.CreateCase(ctx, c)
	if err != nil {
		return false, err
	}
	if created {
		metrics.CasesReceived.WithLabelValues(string(sev)).Inc()
		if e.audit != nil {
			if err := e.audit.LogCaseReceived(ctx, c); err != nil {
				e.logger.Warn("Failed to write audit event", zap.String("case_id", c.ID), zap.Error(err))
			}
		}
		e.logger.Info("Case received",
			zap.String("case_id", c.ID),
			zap.String("tenant_id", c.TenantID),
			zap.String("severity", string(sev)))
		e.enqueue(c)
		return true, nil
	}

	existing, err := e.store.GetCase(ctx, msg.CaseID)
	if err != nil {
		return false, err
	}
	if runnable(existing) {
		e.enqueue(existing)
	}
	return false, nil
}

// Resume queues a waiting case after its approval request was resolved.
// It is safe to call more than once.
func (e *Engine) Resume(ctx context.Context, caseID string) {
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		e.logger.Error("Failed to load case for resume", zap.String("case_id", caseID), zap.Error(err))
		return
	}
	if c.Stage == models.StageAwaitingApproval {
		// The worker that parked the case may not have released it yet.
		e.sched.Requeue(e.itemFor(c))
	}
}

func runnable(c *models.Case) bool {
	return !c.Stage.Terminal() && c.Stage != models.StageAwaitingApproval
}

func (e *Engine) enqueue(c *models.Case) {
	e.sched.Submit(e.itemFor(c))
}

func (e *Engine) itemFor(c *models.Case) scheduler.Item {
	return scheduler.Item{
		CaseID:     c.ID,
		TenantID:   c.TenantID,
		Lane:       e.sched.LaneFor(c.Severity),
		EnqueuedAt: e.now(),
	}
}

// Run recovers unfinished cases, starts the workers and blocks until ctx is
// done and every worker has returned. Recovery repeats every lease period
// so cases abandoned by a crashed process are picked up.
func (e *Engine) Run(ctx context.Context) {
	cfg := e.config()
	if _, err := e.Recover(ctx); err != nil {
		e.logger.Error("Initial recovery failed", zap.Error(err))
	}
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	e.logger.Info("Engine started", zap.Int("workers", cfg.Workers), zap.String("owner", e.owner))

	ticker := time.NewTicker(cfg.LeaseTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			e.logger.Info("Engine stopped")
			return
		case <-ticker.C:
			if _, err := e.Recover(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("Recovery sweep failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		item, err := e.sched.Next(ctx)
		if err != nil {
			return
		}
		if err := e.Advance(ctx, item.CaseID); err != nil && ctx.Err() == nil {
			if errors.Is(err, ErrLeaseHeld) {
				e.logger.Debug("Case leased elsewhere", zap.String("case_id", item.CaseID))
			} else {
				e.logger.Error("Case did not advance", zap.String("case_id", item.CaseID), zap.Error(err))
			}
		}
		e.sched.Done(item)
	}
}

// Advance drives one case until it reaches a terminal stage or parks
// awaiting approval. Each call holds its own lease, so two calls for the
// same case never run at once, in this process or another.
func (e *Engine) Advance(ctx context.Context, caseID string) error {
	ctx = audit.WithCorrelationID(ctx, caseID)
	ttl := e.config().LeaseTTL
	owner := e.owner + "/" + uuid.NewString()
	ok, err := e.store.AcquireLease(ctx, caseID, owner, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseHeld
	}
	defer func() {
		if err := e.store.ReleaseLease(context.WithoutCancel(ctx), caseID, owner); err != nil {
			e.logger.Warn("Failed to release lease", zap.String("case_id", caseID), zap.Error(err))
		}
	}()

	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	for !c.Stage.Terminal() {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := e.store.AcquireLease(ctx, caseID, owner, ttl)
		if err != nil {
			return err
		}
		if !ok {
			return ErrLeaseHeld
		}
		more, err := e.step(ctx, c)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}
