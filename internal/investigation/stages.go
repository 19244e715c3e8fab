package investigation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-orchestrator/internal/approval"
	"github.com/kubilitics/kubilitics-orchestrator/internal/audit"
	"github.com/kubilitics/kubilitics-orchestrator/internal/db"
	"github.com/kubilitics/kubilitics-orchestrator/internal/enrichment"
	"github.com/kubilitics/kubilitics-orchestrator/internal/executor"
	"github.com/kubilitics/kubilitics-orchestrator/internal/extraction"
	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
	"github.com/kubilitics/kubilitics-orchestrator/internal/router"
	"github.com/kubilitics/kubilitics-orchestrator/internal/tracing"
)

const (
	intakeSource = "intake"
	engineActor  = "engine"
)

// transition is what a stage decided. The draft case carries its changes.
type transition struct {
	next    models.Stage
	actor   string
	summary string
	routing []models.RoutingDecision
	details map[string]any
	// approvalReason is set when the case parks awaiting approval.
	approvalReason string
}

// step runs the current stage and commits its transition. It returns false
// when the case parks without a transition.
func (e *Engine) step(ctx context.Context, c *models.Case) (bool, error) {
	started := e.now()
	ctx, span := tracing.StartSpan(ctx, "stage."+string(c.Stage),
		attribute.String("case.id", c.ID),
		attribute.String("case.tenant", c.TenantID))
	defer span.End()

	draft := *c
	var (
		t   *transition
		err error
	)
	switch c.Stage {
	case models.StageReceived:
		t = &transition{next: models.StageExtracting, actor: engineActor, summary: "case accepted"}
	case models.StageExtracting:
		t = e.extract(c, &draft)
	case models.StageEnriching:
		t, err = e.enrichCase(ctx, c, &draft)
	case models.StageReasoning:
		t, err = e.reason(ctx, c, &draft)
	case models.StageAwaitingApproval:
		t, err = e.awaitDecision(ctx, c, &draft)
	case models.StageResponding:
		t, err = e.respond(ctx, c, &draft)
	default:
		return false, fmt.Errorf("case %s: no handler for stage %s", c.ID, c.Stage)
	}
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if t == nil {
		return false, nil
	}

	if err := e.commit(ctx, c, &draft, t, started); err != nil {
		if errors.Is(err, errPersistExhausted) {
			return false, e.fail(ctx, c, "persistence retries exhausted", err)
		}
		return false, err
	}
	return !c.Stage.Terminal() && c.Stage != models.StageAwaitingApproval, nil
}

// ─── Extracting ───────────────────────────────────────────────────────────────

func intakeEvidence(c *models.Case) map[string]any {
	for _, item := range c.Evidence {
		if item.Source == intakeSource {
			return item.Data
		}
	}
	return c.Features
}

func (e *Engine) extract(c *models.Case, draft *models.Case) *transition {
	f := extraction.Extract(intakeEvidence(c))
	draft.Category = f.Category
	draft.Features = f.Map()

	if e.patterns != nil {
		if hit, ok := e.patterns.Best(c.TenantID, f); ok {
			draft.Confidence = hit.Confidence
			draft.Outcome = models.OutcomeAutoResolved
			summary := "auto-resolved by pattern " + hit.Pattern
			if hit.Summary != "" {
				summary += ": " + hit.Summary
			}
			return &transition{
				next:    models.StageClosed,
				actor:   engineActor,
				summary: summary,
				details: map[string]any{
					"pattern":    hit.Pattern,
					"confidence": hit.Confidence,
					"matched":    hit.Matched,
				},
			}
		}
	}
	return &transition{
		next:    models.StageEnriching,
		actor:   engineActor,
		summary: fmt.Sprintf("category %s, %d indicators", f.Category, len(f.Indicators)),
	}
}

// ─── Enriching ────────────────────────────────────────────────────────────────

func indicators(c *models.Case) []string {
	var out []string
	switch v := c.Features["indicators"].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func (e *Engine) enrichCase(ctx context.Context, c *models.Case, draft *models.Case) (*transition, error) {
	t := &transition{next: models.StageReasoning, actor: engineActor, summary: "no enrichment sources configured"}
	if e.enrich == nil {
		return t, nil
	}
	report := e.enrich.Run(ctx, enrichment.Request{
		CaseID:     c.ID,
		TenantID:   c.TenantID,
		Severity:   c.Severity,
		Category:   c.Category,
		Indicators: indicators(c),
		Features:   c.Features,
	})
	if err := ctx.Err(); err != nil {
		// Shutting down; the stage reruns after restart.
		return nil, err
	}
	draft.Evidence = append(slices.Clone(c.Evidence), report.Items...)
	t.summary = fmt.Sprintf("collected %d evidence items", len(report.Items))
	if report.Partial() {
		t.summary += ", degraded: " + strings.Join(report.Degraded, ", ")
		t.details = map[string]any{"degraded": report.Degraded}
	}
	return t, nil
}

func partialEnrichment(c *models.Case) bool {
	for _, item := range c.Evidence {
		if item.Status == models.EvidenceDegraded {
			return true
		}
	}
	return false
}

// ─── Reasoning ────────────────────────────────────────────────────────────────

func (e *Engine) taskKind(cfg Config, category string) string {
	if k, ok := cfg.CategoryKinds[category]; ok && k != "" {
		return k
	}
	return cfg.DefaultKind
}

func (e *Engine) degraded(ctx context.Context, c *models.Case) bool {
	if e.sched.Degraded(e.sched.LaneFor(c.Severity)) {
		return true
	}
	if e.budget == nil {
		return false
	}
	over, err := e.budget.Exceeded(ctx, c.TenantID)
	if err != nil {
		e.logger.Warn("Budget check failed, assuming within budget",
			zap.String("case_id", c.ID), zap.String("tenant_id", c.TenantID), zap.Error(err))
		return false
	}
	return over
}

func (e *Engine) reason(ctx context.Context, c *models.Case, draft *models.Case) (*transition, error) {
	cfg := e.config()
	budget := cfg.ReasoningBudgets[c.Severity]
	if budget <= 0 {
		budget = cfg.DefaultReasoningBudget
	}
	deadline := e.now().Add(budget)
	rctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	prompt := buildPrompt(c, cfg.AllowedActions)
	kind := e.taskKind(cfg, c.Category)
	tc := models.TaskContext{
		CaseID:               c.ID,
		TenantID:             c.TenantID,
		Kind:                 kind,
		EstimatedInputTokens: e.countTokens(prompt),
		TimeBudget:           budget,
		SeverityFloor:        c.Severity,
		MultiStep:            slices.Contains(cfg.MultiStepKinds, kind),
		Degraded:             e.degraded(ctx, c),
	}
	draft.Degraded = c.Degraded || tc.Degraded

	var decisions []models.RoutingDecision
	account := func(res *router.Result) {
		decisions = append(decisions, res.Decision)
		draft.InferenceCalls += res.Calls
		draft.CostUSD += res.CostUSD
		e.auditRouting(ctx, c, res.Decision)
	}

	res, err := e.reasoner.Execute(rctx, tc, prompt)
	if err != nil {
		e.logger.Warn("Reasoning task rejected, treating as unavailable",
			zap.String("case_id", c.ID), zap.String("kind", kind), zap.Error(err))
		res = &router.Result{Unavailable: true}
	} else {
		account(res)
		for i := 0; i < cfg.MaxEscalations && escalatable(res, cfg.AutoActionThreshold); i++ {
			if res.Decision.Tier.Up() == res.Decision.Tier {
				break
			}
			remaining := deadline.Sub(e.now())
			if remaining <= 0 || rctx.Err() != nil {
				break
			}
			prior := res.Recommendation.Confidence
			tc.PriorConfidence = &prior
			tc.CurrentTier = res.Decision.Tier
			tc.TimeBudget = remaining
			next, err := e.reasoner.Escalate(rctx, tc, prompt)
			if err != nil || next == nil {
				break
			}
			account(next)
			if next.Unavailable {
				break
			}
			res = next
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec := res.Recommendation
	if res.Unavailable {
		rec = nil
	}
	draft.Recommendation = rec
	draft.Confidence = 0
	if rec != nil {
		draft.Confidence = rec.Confidence
	}

	t := &transition{actor: engineActor, routing: decisions, details: map[string]any{"kind": kind}}
	reason := e.autoActionBlocker(cfg, draft, res)
	if reason == "" {
		t.next = models.StageResponding
		t.summary = fmt.Sprintf("auto-action %s at confidence %.2f", rec.Action, rec.Confidence)
		return t, nil
	}
	t.next = models.StageAwaitingApproval
	t.summary = "approval required: " + reason
	t.details["reason"] = reason
	t.approvalReason = reason
	return t, nil
}

func escalatable(res *router.Result, threshold float64) bool {
	return !res.Unavailable && res.Recommendation != nil && res.Recommendation.Confidence < threshold
}

// autoActionBlocker returns why the case may not act on its own, or "" when
// it may.
func (e *Engine) autoActionBlocker(cfg Config, c *models.Case, res *router.Result) string {
	rec := c.Recommendation
	switch {
	case res.Unavailable:
		return "inference unavailable"
	case rec == nil || res.ParseFailed:
		return "no usable recommendation"
	case rec.Confidence < cfg.AutoActionThreshold:
		return fmt.Sprintf("confidence %.2f below threshold %.2f", rec.Confidence, cfg.AutoActionThreshold)
	case !slices.Contains(cfg.AllowedActions, rec.Action):
		return fmt.Sprintf("action %q is not on the allow-list", rec.Action)
	case cfg.CapPartialEnrichment && partialEnrichment(c):
		return "enrichment incomplete"
	}
	return ""
}

func (e *Engine) countTokens(p router.Prompt) int {
	text := p.System + "\n" + p.User
	if e.tokens == nil {
		return (len(text) + 3) / 4
	}
	return e.tokens.Count(text)
}

// ─── Awaiting approval ────────────────────────────────────────────────────────

func (e *Engine) awaitDecision(ctx context.Context, c *models.Case, draft *models.Case) (*transition, error) {
	req, err := e.gate.Get(ctx, c.ID)
	if errors.Is(err, db.ErrNotFound) {
		// The sweeper opens the missing request.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t := &transition{actor: req.ResolvedBy, details: map[string]any{"approval": string(req.Status)}}
	switch req.Status {
	case models.ApprovalApproved:
		t.next = models.StageResponding
		t.summary = fmt.Sprintf("approved by %s: %s", req.ResolvedBy, req.ProposedAction)
	case models.ApprovalRejected:
		t.next = models.StageClosed
		t.summary = fmt.Sprintf("rejected by %s", req.ResolvedBy)
		draft.Outcome = models.OutcomeRejected
	case models.ApprovalExpired:
		t.next = models.StageClosed
		t.summary = "approval deadline passed, no action taken"
		draft.Outcome = models.OutcomeExpired
	default:
		return nil, nil
	}
	return t, nil
}

// ─── Responding ───────────────────────────────────────────────────────────────

func (e *Engine) proposedAction(ctx context.Context, c *models.Case) (models.ActionRequest, error) {
	req := models.ActionRequest{CaseID: c.ID, TenantID: c.TenantID, Action: approval.EscalateAction}
	if n := len(c.Trail); n > 0 && c.Trail[n-1].Stage == models.StageAwaitingApproval {
		ar, err := e.gate.Get(ctx, c.ID)
		if err != nil {
			return req, err
		}
		req.Action, req.Parameters = ar.ProposedAction, ar.Parameters
		return req, nil
	}
	if rec := c.Recommendation; rec != nil && rec.Action != "" {
		req.Action, req.Parameters = rec.Action, rec.Parameters
	}
	return req, nil
}

func (e *Engine) respond(ctx context.Context, c *models.Case, draft *models.Case) (*transition, error) {
	cfg := e.config()
	action, err := e.proposedAction(ctx, c)
	if err != nil {
		return nil, err
	}

	attempts := 0
	for {
		attempts++
		err = e.exec.Dispatch(ctx, action)
		if err == nil || errors.Is(err, executor.ErrRejected) || attempts > cfg.DispatchRetries || ctx.Err() != nil {
			break
		}
		e.logger.Warn("Action dispatch failed, retrying",
			zap.String("case_id", c.ID), zap.Int("attempt", attempts), zap.Error(err))
		if serr := sleep(ctx, cfg.DispatchBackoff<<(attempts-1)); serr != nil {
			break
		}
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}

	details := map[string]any{"action": action.Action, "executor": e.exec.Name(), "attempts": attempts}
	if errors.Is(err, executor.ErrRejected) {
		draft.Outcome = models.OutcomeRejected
		details["error"] = err.Error()
		return &transition{
			next:    models.StageClosed,
			actor:   engineActor,
			summary: fmt.Sprintf("executor refused %s, no action taken", action.Action),
			details: details,
		}, nil
	}
	if err != nil {
		draft.Outcome = models.OutcomeFailed
		details["error"] = err.Error()
		return &transition{
			next:    models.StageFailed,
			actor:   engineActor,
			summary: fmt.Sprintf("dispatch of %s failed after %d attempts", action.Action, attempts),
			details: details,
		}, nil
	}

	draft.Outcome = models.OutcomeDispatched
	e.auditDispatch(ctx, c, action)
	return &transition{
		next:    models.StageClosed,
		actor:   engineActor,
		summary: "dispatched " + action.Action,
		details: details,
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ─── Audit helpers ────────────────────────────────────────────────────────────

func (e *Engine) auditRouting(ctx context.Context, c *models.Case, d models.RoutingDecision) {
	if e.audit == nil {
		return
	}
	if err := e.audit.LogRouting(ctx, c.ID, c.TenantID, d); err != nil {
		e.logger.Warn("Failed to write audit event", zap.String("case_id", c.ID), zap.Error(err))
	}
}

func (e *Engine) auditDispatch(ctx context.Context, c *models.Case, req models.ActionRequest) {
	if e.audit == nil {
		return
	}
	event := audit.NewEvent(audit.EventActionDispatched).
		WithTenant(c.TenantID).
		WithActor(engineActor).
		WithResource(c.ID, "case").
		WithAction(req.Action).
		WithResult(audit.ResultSuccess).
		WithMetadata("executor", e.exec.Name()).
		WithDescription("Action handed to executor")
	if err := e.audit.Log(ctx, event); err != nil {
		e.logger.Warn("Failed to write audit event", zap.String("case_id", c.ID), zap.Error(err))
	}
}
