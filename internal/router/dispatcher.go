package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-orchestrator/internal/db"
	"github.com/kubilitics/kubilitics-orchestrator/internal/llm/budget"
	"github.com/kubilitics/kubilitics-orchestrator/internal/llm/provider"
	"github.com/kubilitics/kubilitics-orchestrator/internal/metrics"
	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
	"github.com/kubilitics/kubilitics-orchestrator/internal/tracing"
)

// HealthGate admits calls and receives their outcome.
type HealthGate interface {
	HealthReader
	Acquire(provider string) bool
	ReportSuccess(provider string)
	ReportFailure(provider string)
	Release(provider string)
}

// UsageRecorder stores the cost of a completed call.
type UsageRecorder interface {
	Record(ctx context.Context, rec *db.UsageRecord) error
}

// Prompt is the text sent to the selected backend.
type Prompt struct {
	System string
	User   string
}

// Result is the outcome of one routed reasoning task.
type Result struct {
	Decision       models.RoutingDecision
	Recommendation *models.Recommendation
	// Unavailable is set when no candidate produced a response.
	Unavailable bool
	// ParseFailed is set when the response was not a recommendation object.
	ParseFailed bool
	Calls       int
	CostUSD     float64
}

// Dispatcher routes a task, calls the chosen backend and walks the fallback
// chain on failure.
type Dispatcher struct {
	router   *Router
	registry *provider.Registry
	health   HealthGate
	usage    UsageRecorder
	logger   *zap.Logger
}

// NewDispatcher wires a dispatcher. usage may be nil.
func NewDispatcher(r *Router, registry *provider.Registry, health HealthGate, usage UsageRecorder, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		router:   r,
		registry: registry,
		health:   health,
		usage:    usage,
		logger:   logger.Named("dispatcher"),
	}
}

// Router returns the underlying router.
func (d *Dispatcher) Router() *Router { return d.router }

// Execute runs one reasoning task. The only error it returns is
// ErrInvalidTask; provider failures end in an unavailable result.
func (d *Dispatcher) Execute(ctx context.Context, tc models.TaskContext, p Prompt) (*Result, error) {
	decision, err := d.router.Route(tc)
	if err != nil {
		d.logger.Warn("Rejected task context", zap.String("case_id", tc.CaseID), zap.Error(err))
		return nil, err
	}
	return d.run(ctx, tc, decision, p), nil
}

// Escalate re-runs a task whose previous answer had low confidence. It
// returns a nil result without calling any backend when routing keeps the
// task on its tier, for instance because the hourly cap is spent.
func (d *Dispatcher) Escalate(ctx context.Context, tc models.TaskContext, p Prompt) (*Result, error) {
	if tc.PriorConfidence == nil {
		return nil, fmt.Errorf("%w: escalation needs a prior confidence", ErrInvalidTask)
	}
	decision, err := d.router.Route(tc)
	if err != nil {
		d.logger.Warn("Rejected task context", zap.String("case_id", tc.CaseID), zap.Error(err))
		return nil, err
	}
	if !decision.Escalated {
		return nil, nil
	}
	return d.run(ctx, tc, decision, p), nil
}

func (d *Dispatcher) run(ctx context.Context, tc models.TaskContext, decision models.RoutingDecision, p Prompt) *Result {
	res := &Result{Decision: decision}
	if decision.Unavailable {
		metrics.InferenceCalls.WithLabelValues(string(decision.Tier), "none", "unavailable").Inc()
		res.Unavailable = true
		return res
	}

	candidates := append([]models.Candidate{{Provider: decision.Provider, Model: decision.Model}}, decision.Fallbacks...)
	for _, cand := range candidates {
		if ctx.Err() != nil {
			break
		}
		attempt, resp, called := d.call(ctx, tc, decision, cand, p)
		res.Decision.Attempts = append(res.Decision.Attempts, attempt)
		if called {
			res.Calls++
			res.CostUSD += attempt.CostUSD
		}
		if resp == nil {
			continue
		}
		res.Decision.Provider, res.Decision.Model = cand.Provider, cand.Model

		rec, ok := ParseRecommendation(resp.Text)
		res.Recommendation = rec
		res.ParseFailed = !ok
		if !ok {
			d.logger.Warn("Unparseable recommendation, treating as zero confidence",
				zap.String("case_id", tc.CaseID), zap.String("provider", cand.Provider))
		}
		return res
	}

	res.Unavailable = true
	res.Decision.Unavailable = true
	d.logger.Warn("Fallback chain exhausted",
		zap.String("case_id", tc.CaseID),
		zap.String("tier", string(decision.Tier)),
		zap.Int("attempts", len(res.Decision.Attempts)))
	return res
}

// call performs one attempt. It returns a nil response on failure and
// reports whether the backend was actually invoked.
func (d *Dispatcher) call(ctx context.Context, tc models.TaskContext, decision models.RoutingDecision, cand models.Candidate, p Prompt) (models.CallAttempt, *provider.Response, bool) {
	attempt := models.CallAttempt{Provider: cand.Provider, Model: cand.Model}

	backend, ok := d.registry.Get(cand.Provider)
	if !ok {
		attempt.Error = "skipped: provider not registered"
		return attempt, nil, false
	}
	if !d.health.Acquire(cand.Provider) {
		attempt.Error = "skipped: breaker open"
		return attempt, nil, false
	}

	callCtx := ctx
	if decision.LatencyBudget > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, decision.LatencyBudget)
		defer cancel()
	}
	callCtx, span := tracing.StartSpan(callCtx, "inference.call",
		attribute.String("case.id", tc.CaseID),
		attribute.String("inference.tier", string(decision.Tier)),
		attribute.String("inference.provider", cand.Provider),
		attribute.String("inference.model", cand.Model),
	)
	defer span.End()

	start := time.Now()
	resp, err := backend.Complete(callCtx, provider.Request{
		Model:         cand.Model,
		System:        p.System,
		Prompt:        p.User,
		MaxTokens:     decision.MaxTokens,
		Temperature:   decision.Temperature,
		DeepReasoning: decision.DeepReasoning,
	})
	attempt.Latency = time.Since(start)
	metrics.InferenceLatency.WithLabelValues(string(decision.Tier), cand.Provider).Observe(attempt.Latency.Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "inference failed")
		metrics.InferenceCalls.WithLabelValues(string(decision.Tier), cand.Provider, "error").Inc()
		attempt.Error = classify(err)

		switch {
		case ctx.Err() != nil:
			// The stage gave up; the provider is not at fault.
			d.health.Release(cand.Provider)
		case provider.IsTransient(err):
			d.health.ReportFailure(cand.Provider)
		default:
			// The provider answered; the request itself was refused.
			d.health.ReportSuccess(cand.Provider)
		}
		d.logger.Warn("Inference call failed",
			zap.String("case_id", tc.CaseID),
			zap.String("provider", cand.Provider),
			zap.String("model", cand.Model),
			zap.Bool("transient", provider.IsTransient(err)),
			zap.Error(err))
		d.recordUsage(ctx, tc, decision, cand, nil, attempt)
		return attempt, nil, true
	}

	d.health.ReportSuccess(cand.Provider)
	attempt.OK = true
	attempt.CostUSD = budget.Cost(cand.Provider, resp.InputTokens, resp.OutputTokens)

	metrics.InferenceCalls.WithLabelValues(string(decision.Tier), cand.Provider, "ok").Inc()
	metrics.InferenceCostUSD.WithLabelValues(string(decision.Tier), cand.Provider).Add(attempt.CostUSD)
	metrics.InferenceTokens.WithLabelValues(cand.Provider, "input").Add(float64(resp.InputTokens))
	metrics.InferenceTokens.WithLabelValues(cand.Provider, "output").Add(float64(resp.OutputTokens))
	span.SetAttributes(
		attribute.Int("inference.input_tokens", resp.InputTokens),
		attribute.Int("inference.output_tokens", resp.OutputTokens),
	)

	d.recordUsage(ctx, tc, decision, cand, resp, attempt)
	return attempt, resp, true
}

func (d *Dispatcher) recordUsage(ctx context.Context, tc models.TaskContext, decision models.RoutingDecision, cand models.Candidate, resp *provider.Response, attempt models.CallAttempt) {
	if d.usage == nil {
		return
	}
	rec := &db.UsageRecord{
		CaseID:    tc.CaseID,
		TenantID:  tc.TenantID,
		Provider:  cand.Provider,
		Model:     cand.Model,
		Tier:      string(decision.Tier),
		CostUSD:   attempt.CostUSD,
		LatencyMs: attempt.Latency.Milliseconds(),
		OK:        attempt.OK,
	}
	if resp != nil {
		rec.InputTokens = resp.InputTokens
		rec.OutputTokens = resp.OutputTokens
	}
	// Usage is bookkeeping; a failed write must not fail the task.
	if err := d.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		d.logger.Error("Failed to record inference usage", zap.String("case_id", tc.CaseID), zap.Error(err))
	}
}

// classify reduces a provider error to a short label so raw provider text
// never travels further than the trail.
func classify(err error) string {
	var perr *provider.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, provider.ErrEmptyResponse):
		return "empty response"
	case errors.As(err, &perr) && perr.Status != 0:
		return fmt.Sprintf("status %d", perr.Status)
	default:
		return "provider error"
	}
}

// ParseRecommendation decodes a provider response into a recommendation.
// The bool is false when the text holds no usable object; the returned
// recommendation then carries zero confidence.
func ParseRecommendation(text string) (*models.Recommendation, bool) {
	body := strings.TrimSpace(text)
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return &models.Recommendation{Summary: "unparseable response"}, false
	}

	var raw struct {
		Action     string         `json:"action"`
		Confidence *float64       `json:"confidence"`
		Parameters map[string]any `json:"parameters"`
		Summary    string         `json:"summary"`
	}
	if err := json.Unmarshal([]byte(body[start:end+1]), &raw); err != nil || raw.Confidence == nil {
		return &models.Recommendation{Summary: "unparseable response"}, false
	}

	conf := *raw.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return &models.Recommendation{
		Action:     strings.TrimSpace(raw.Action),
		Parameters: raw.Parameters,
		Summary:    raw.Summary,
		Confidence: conf,
	}, true
}
