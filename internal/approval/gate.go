// Package approval holds risky cases until a human decides or a deadline
// passes.
//
// Every request lives in the store; the gate keeps no in-memory waiters, so
// a restarted process picks pending requests up from where they were.
// Resolution and expiry are compare-and-set on the pending status, so each
// request resolves exactly once whichever of the two arrives first.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-orchestrator/internal/audit"
	"github.com/kubilitics/kubilitics-orchestrator/internal/db"
	"github.com/kubilitics/kubilitics-orchestrator/internal/metrics"
	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
)

var (
	// ErrNotAwaitingApproval is returned when the case has no pending request.
	ErrNotAwaitingApproval = errors.New("case is not awaiting approval")
	// ErrApprovalExpired is returned when the deadline has passed.
	ErrApprovalExpired = errors.New("approval deadline has passed")
	// ErrAlreadyResolved is returned when the request was already decided.
	ErrAlreadyResolved = errors.New("approval already resolved")
	// ErrInvalidDecision is returned for decisions other than approve or reject.
	ErrInvalidDecision = errors.New("decision must be approve or reject")
)

// EscalateAction is proposed when reasoning produced no recommendation.
const EscalateAction = "escalate_to_analyst"

// Decision is a human verdict on a request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ParseDecision normalizes a decision string.
func ParseDecision(v string) (Decision, error) {
	switch Decision(strings.ToLower(strings.TrimSpace(v))) {
	case DecisionApprove:
		return DecisionApprove, nil
	case DecisionReject:
		return DecisionReject, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDecision, v)
}

// Store is the persistence the gate needs.
type Store interface {
	db.ApprovalStore
	GetCase(ctx context.Context, id string) (*models.Case, error)
	ListCases(ctx context.Context, f db.CaseFilter) ([]*models.Case, error)
}

// ResumeFunc is called after a request leaves the pending status so the
// case can move on. It must be idempotent.
type ResumeFunc func(ctx context.Context, caseID string)

// Config sets deadlines and approver tiers per severity.
type Config struct {
	Timeouts       map[models.Severity]time.Duration
	DefaultTimeout time.Duration
	RequiredTiers  map[models.Severity]string
	SweepInterval  time.Duration
}

// Gate creates, resolves and expires approval requests.
type Gate struct {
	store  Store
	audit  audit.Logger
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	cfg    Config
	resume ResumeFunc
}

// NewGate creates a gate. auditLog may be nil.
func NewGate(cfg Config, store Store, auditLog audit.Logger, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Gate{
		store:  store,
		audit:  auditLog,
		logger: logger.Named("approval"),
		now:    time.Now,
		cfg:    cfg,
	}
}

// SetClock replaces the time source.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// OnResolve registers the resume hook.
func (g *Gate) OnResolve(fn ResumeFunc) {
	g.mu.Lock()
	g.resume = fn
	g.mu.Unlock()
}

// SetConfig applies new timeouts. Existing deadlines are not changed.
func (g *Gate) SetConfig(cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = g.cfg.DefaultTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = g.cfg.SweepInterval
	}
	g.cfg = cfg
}

func (g *Gate) config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// Open creates the pending request for a case that just entered
// awaiting_approval. Opening twice keeps the first request.
func (g *Gate) Open(ctx context.Context, c *models.Case, reason string) (*models.ApprovalRequest, error) {
	cfg := g.config()
	timeout, ok := cfg.Timeouts[c.Severity]
	if !ok || timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	now := g.now()
	req := &models.ApprovalRequest{
		CaseID:         c.ID,
		TenantID:       c.TenantID,
		ProposedAction: EscalateAction,
		RequiredTier:   cfg.RequiredTiers[c.Severity],
		Reason:         reason,
		Status:         models.ApprovalPending,
		CreatedAt:      now,
		Deadline:       now.Add(timeout),
	}
	if rec := c.Recommendation; rec != nil && rec.Action != "" {
		req.ProposedAction = rec.Action
		req.Parameters = rec.Parameters
	}

	if err := g.store.CreateApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("open approval for %s: %w", c.ID, err)
	}
	stored, err := g.store.GetApproval(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("load approval for %s: %w", c.ID, err)
	}
	if stored.CreatedAt.Equal(req.CreatedAt) {
		metrics.ApprovalsOpened.Inc()
		g.logAudit(ctx, audit.EventApprovalRequested, stored)
		g.logger.Info("Approval requested",
			zap.String("case_id", c.ID),
			zap.String("action", stored.ProposedAction),
			zap.Time("deadline", stored.Deadline))
	}
	return stored, nil
}

// Resolve applies a human decision.
func (g *Gate) Resolve(ctx context.Context, caseID string, decision Decision, actor string) (*models.ApprovalRequest, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	if strings.TrimSpace(actor) == "" {
		return nil, fmt.Errorf("actor is required")
	}

	req, err := g.store.GetApproval(ctx, caseID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotAwaitingApproval
	}
	if err != nil {
		return nil, err
	}
	if err := statusError(req.Status); err != nil {
		return nil, err
	}
	c, err := g.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Stage != models.StageAwaitingApproval {
		return nil, ErrNotAwaitingApproval
	}

	now := g.now()
	if !now.Before(req.Deadline) {
		return nil, ErrApprovalExpired
	}

	status := models.ApprovalApproved
	event := audit.EventApprovalApproved
	if decision == DecisionReject {
		status = models.ApprovalRejected
		event = audit.EventApprovalRejected
	}
	ok, err := g.store.ResolveApproval(ctx, caseID, status, actor, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race against the sweeper or another resolver.
		latest, err := g.store.GetApproval(ctx, caseID)
		if err != nil {
			return nil, err
		}
		if err := statusError(latest.Status); err != nil {
			return nil, err
		}
		return nil, ErrApprovalExpired
	}

	req.Status = status
	req.ResolvedBy = actor
	req.ResolvedAt = &now
	metrics.ApprovalsResolved.WithLabelValues(string(status)).Inc()
	g.logAudit(ctx, event, req)
	g.logger.Info("Approval resolved",
		zap.String("case_id", caseID),
		zap.String("status", string(status)),
		zap.String("actor", actor))

	g.notify(ctx, caseID)
	return req, nil
}

func statusError(s models.ApprovalStatus) error {
	switch s {
	case models.ApprovalPending:
		return nil
	case models.ApprovalExpired:
		return ErrApprovalExpired
	default:
		return ErrAlreadyResolved
	}
}

// Sweep expires overdue requests and resumes cases whose request was
// resolved but which are still waiting, e.g. after a crash between the two
// writes. It returns the number of requests it expired.
func (g *Gate) Sweep(ctx context.Context) (int, error) {
	expired, err := g.store.ExpireApprovals(ctx, g.now())
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	notified := make(map[string]bool, len(expired))
	for _, req := range expired {
		notified[req.CaseID] = true
		metrics.ApprovalsResolved.WithLabelValues(string(models.ApprovalExpired)).Inc()
		g.logAudit(ctx, audit.EventApprovalExpired, req)
		g.logger.Info("Approval expired",
			zap.String("case_id", req.CaseID),
			zap.Time("deadline", req.Deadline))
		g.notify(ctx, req.CaseID)
	}

	if err := g.reconcile(ctx, notified); err != nil {
		return len(expired), err
	}
	return len(expired), nil
}

// reconcile handles waiting cases with no pending request. Cases in skip
// were already notified by this sweep.
func (g *Gate) reconcile(ctx context.Context, skip map[string]bool) error {
	waiting, err := g.store.ListCases(ctx, db.CaseFilter{Stage: models.StageAwaitingApproval})
	if err != nil {
		return fmt.Errorf("list waiting cases: %w", err)
	}
	for _, c := range waiting {
		if skip[c.ID] {
			continue
		}
		req, err := g.store.GetApproval(ctx, c.ID)
		switch {
		case errors.Is(err, db.ErrNotFound):
			g.logger.Warn("Waiting case has no approval request, opening one", zap.String("case_id", c.ID))
			if _, err := g.Open(ctx, c, "recovered"); err != nil {
				return err
			}
		case err != nil:
			return err
		case req.Status != models.ApprovalPending:
			g.notify(ctx, c.ID)
		}
	}
	return nil
}

// Run sweeps on the configured interval until ctx is done.
func (g *Gate) Run(ctx context.Context) {
	interval := g.config().SweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := g.Sweep(ctx); err != nil {
		g.logger.Error("Approval sweep failed", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if next := g.config().SweepInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
			if _, err := g.Sweep(ctx); err != nil {
				g.logger.Error("Approval sweep failed", zap.Error(err))
			}
		}
	}
}

// Get returns the request for a case.
func (g *Gate) Get(ctx context.Context, caseID string) (*models.ApprovalRequest, error) {
	return g.store.GetApproval(ctx, caseID)
}

// Pending lists pending requests ordered by deadline.
func (g *Gate) Pending(ctx context.Context, limit int) ([]*models.ApprovalRequest, error) {
	return g.store.ListApprovals(ctx, models.ApprovalPending, limit)
}

func (g *Gate) notify(ctx context.Context, caseID string) {
	g.mu.RLock()
	fn := g.resume
	g.mu.RUnlock()
	if fn != nil {
		fn(ctx, caseID)
	}
}

func (g *Gate) logAudit(ctx context.Context, event audit.EventType, req *models.ApprovalRequest) {
	if g.audit == nil {
		return
	}
	if err := g.audit.LogApproval(ctx, event, req); err != nil {
		g.logger.Warn("Failed to write approval audit event", zap.String("case_id", req.CaseID), zap.Error(err))
	}
}
