package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Orchestrator metrics for production monitoring
var (
	// Case lifecycle metrics
	CasesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_cases_received_total",
			Help: "Total number of cases accepted from intake",
		},
		[]string{"severity"},
	)

	StageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_stage_transitions_total",
			Help: "Committed stage transitions",
		},
		[]string{"from", "to"},
	)

	CasesClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_cases_closed_total",
			Help: "Cases that reached a terminal stage, by outcome",
		},
		[]string{"outcome"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_stage_duration_seconds",
			Help:    "Time spent executing one stage",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"stage"},
	)

	PersistRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_persist_retries_total",
			Help: "Transition writes retried after a persistence error",
		},
	)

	// Scheduler metrics
	LaneDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_lane_depth",
			Help: "Cases queued in a priority lane",
		},
		[]string{"lane"},
	)

	LaneDeferred = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_lane_deferred",
			Help: "Cases held in a lane's deferred queue after backlog overflow",
		},
		[]string{"lane"},
	)

	LaneInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_lane_in_flight",
			Help: "Cases currently executing per lane",
		},
		[]string{"lane"},
	)

	// Inference metrics
	InferenceCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_inference_calls_total",
			Help: "Total number of inference calls",
		},
		[]string{"tier", "provider", "status"},
	)

	InferenceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_inference_latency_seconds",
			Help:    "Inference call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"tier", "provider"},
	)

	InferenceCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_inference_cost_usd_total",
			Help: "Total inference cost in USD",
		},
		[]string{"tier", "provider"},
	)

	InferenceTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_inference_tokens_total",
			Help: "Tokens consumed by inference calls",
		},
		[]string{"provider", "type"}, // type: input/output
	)

	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_escalations_total",
			Help: "Confidence-driven tier escalations",
		},
		[]string{"from", "to"},
	)

	EscalationsCapped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_escalations_capped_total",
			Help: "Escalations suppressed by the hourly cap",
		},
		[]string{"provider", "kind"},
	)

	// Provider health metrics
	ProviderState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_provider_state",
			Help: "Breaker state per provider (0=closed, 1=half_open, 2=open)",
		},
		[]string{"provider"},
	)

	// Approval metrics
	ApprovalsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_approvals_opened_total",
			Help: "Approval requests created",
		},
	)

	ApprovalsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_approvals_resolved_total",
			Help: "Approval requests resolved, by status",
		},
		[]string{"status"},
	)

	// Intake metrics
	IntakeConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_intake_consumed_total",
			Help: "Intake messages handled, by result",
		},
		[]string{"result"}, // created/duplicate/rejected
	)

	// Budget metrics
	BudgetUsageUSD = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_budget_usage_usd",
			Help: "Current month inference spend per tenant",
		},
		[]string{"tenant"},
	)

	BudgetExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_budget_exceeded_total",
			Help: "Inference requests made after a tenant exceeded its budget",
		},
		[]string{"tenant"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_websocket_connections",
			Help: "Current number of audit stream connections",
		},
	)
)

// BreakerValue maps a breaker state to the ProviderState gauge value.
func BreakerValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	}
	return 0
}
