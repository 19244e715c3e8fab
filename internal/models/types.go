package models

// Package models defines core data types used throughout the orchestrator.
//
// These types are shared by the case engine, the tier router, the approval
// gate and the persistence layer.

import (
	"fmt"
	"strings"
	"time"
)

// Stage is the lifecycle position of a case.
type Stage string

const (
	StageReceived         Stage = "received"
	StageExtracting       Stage = "extracting"
	StageEnriching        Stage = "enriching"
	StageReasoning        Stage = "reasoning"
	StageResponding       Stage = "responding"
	StageAwaitingApproval Stage = "awaiting_approval"
	StageClosed           Stage = "closed"
	StageFailed           Stage = "failed"
)

// stageGraph lists the forward edges of the case lifecycle. Failed is reachable
// from every non-terminal stage and is handled separately in ValidTransition.
var stageGraph = map[Stage][]Stage{
	StageReceived:         {StageExtracting},
	StageExtracting:       {StageClosed, StageEnriching},
	StageEnriching:        {StageReasoning},
	StageReasoning:        {StageResponding, StageAwaitingApproval},
	StageAwaitingApproval: {StageResponding, StageClosed},
	StageResponding:       {StageClosed},
	StageClosed:           {},
	StageFailed:           {},
}

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool {
	return s == StageClosed || s == StageFailed
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageGraph[s]
	return ok
}

// ValidTransition reports whether from → to is an edge of the lifecycle graph.
func ValidTransition(from, to Stage) bool {
	if !from.Valid() || from.Terminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	for _, next := range stageGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Severity is the urgency band of a case.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities; higher is more urgent.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	case SeverityLow:
		return 0
	}
	return -1
}

// Top reports whether s is the highest severity band.
func (s Severity) Top() bool { return s == SeverityCritical }

// ParseSeverity normalizes a severity string.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if s.Rank() < 0 {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// Outcome is recorded when a case reaches a terminal stage.
type Outcome string

const (
	OutcomeNone         Outcome = ""
	OutcomeAutoResolved Outcome = "auto_resolved"
	OutcomeDispatched   Outcome = "dispatched"
	OutcomeRejected     Outcome = "rejected"
	OutcomeExpired      Outcome = "expired"
	OutcomeFailed       Outcome = "failed"
)

// EvidenceStatus marks whether an evidence item was collected in full.
type EvidenceStatus string

const (
	EvidenceOK       EvidenceStatus = "ok"
	EvidenceDegraded EvidenceStatus = "degraded: unavailable"
)

// EvidenceItem is one unit of collected evidence. Items are appended, never edited.
type EvidenceItem struct {
	Source      string         `json:"source"`
	Status      EvidenceStatus `json:"status"`
	Data        map[string]any `json:"data,omitempty"`
	Error       string         `json:"error,omitempty"`
	CollectedAt time.Time      `json:"collected_at"`
}

// Recommendation is the reasoning output. It is data; the engine decides what to do with it.
type Recommendation struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Summary    string         `json:"summary,omitempty"`
	Confidence float64        `json:"confidence"`
}

// DecisionEntry records one executed stage and the transition it produced.
type DecisionEntry struct {
	Seq       int               `json:"seq"`
	Stage     Stage             `json:"stage"`
	Next      Stage             `json:"next"`
	Actor     string            `json:"actor"`
	Summary   string            `json:"summary"`
	Timestamp time.Time         `json:"timestamp"`
	Routing   []RoutingDecision `json:"routing,omitempty"`
	Details   map[string]any    `json:"details,omitempty"`
}

// Case is the unit of work driven through the lifecycle.
type Case struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	Stage          Stage           `json:"stage"`
	Severity       Severity        `json:"severity"`
	Category       string          `json:"category"`
	Features       map[string]any  `json:"features,omitempty"`
	Evidence       []EvidenceItem  `json:"evidence"`
	Trail          []DecisionEntry `json:"trail"`
	Confidence     float64         `json:"confidence"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
	Degraded       bool            `json:"degraded"`
	InferenceCalls int             `json:"inference_calls"`
	CostUSD        float64         `json:"cost_usd"`
	Outcome        Outcome         `json:"outcome,omitempty"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Path returns the sequence of stages visited according to the trail.
func (c *Case) Path() []Stage {
	if len(c.Trail) == 0 {
		return []Stage{c.Stage}
	}
	path := []Stage{c.Trail[0].Stage}
	for _, e := range c.Trail {
		path = append(path, e.Next)
	}
	return path
}

// VerifyTrail checks that the trail is a walk of the lifecycle graph that
// starts at received and ends at the current stage.
func (c *Case) VerifyTrail() error {
	if len(c.Trail) == 0 {
		if c.Stage != StageReceived {
			return fmt.Errorf("case %s at %s has an empty trail", c.ID, c.Stage)
		}
		return nil
	}
	if c.Trail[0].Stage != StageReceived {
		return fmt.Errorf("trail starts at %s, want %s", c.Trail[0].Stage, StageReceived)
	}
	for i, e := range c.Trail {
		if e.Seq != i {
			return fmt.Errorf("trail entry %d has seq %d", i, e.Seq)
		}
		if i > 0 && c.Trail[i-1].Next != e.Stage {
			return fmt.Errorf("trail entry %d starts at %s but previous entry moved to %s", i, e.Stage, c.Trail[i-1].Next)
		}
		if !ValidTransition(e.Stage, e.Next) {
			return fmt.Errorf("trail entry %d: invalid transition %s → %s", i, e.Stage, e.Next)
		}
	}
	if last := c.Trail[len(c.Trail)-1]; last.Next != c.Stage {
		return fmt.Errorf("trail ends at %s but case is at %s", last.Next, c.Stage)
	}
	return nil
}

// Tier is a cost/quality class of inference backend.
type Tier string

const (
	TierCheap Tier = "cheap"
	TierMid   Tier = "mid"
	TierTop   Tier = "top"
)

// Tiers lists every tier from cheapest to most capable.
var Tiers = []Tier{TierCheap, TierMid, TierTop}

// Rank orders tiers by cost.
func (t Tier) Rank() int {
	switch t {
	case TierCheap:
		return 0
	case TierMid:
		return 1
	case TierTop:
		return 2
	}
	return -1
}

// Up returns the next tier, or t itself at the top.
func (t Tier) Up() Tier {
	r := t.Rank()
	if r < 0 || r+1 >= len(Tiers) {
		return t
	}
	return Tiers[r+1]
}

// AtLeast returns the higher of t and floor.
func (t Tier) AtLeast(floor Tier) Tier {
	if t.Rank() < floor.Rank() {
		return floor
	}
	return t
}

// TaskContext describes one reasoning sub-task for the router.
type TaskContext struct {
	CaseID               string        `json:"case_id"`
	TenantID             string        `json:"tenant_id"`
	Kind                 string        `json:"kind"`
	EstimatedInputTokens int           `json:"estimated_input_tokens"`
	TimeBudget           time.Duration `json:"time_budget"`
	SeverityFloor        Severity      `json:"severity_floor"`
	MultiStep            bool          `json:"multi_step"`
	PriorConfidence      *float64      `json:"prior_confidence,omitempty"`
	// CurrentTier is the tier that produced PriorConfidence. Escalation
	// steps up from it rather than from the kind's default.
	CurrentTier Tier `json:"current_tier,omitempty"`
	Degraded    bool `json:"degraded"`
}

// Candidate is a provider/model pair the router may call.
type Candidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// CallAttempt records one inference call made while serving a routing decision.
type CallAttempt struct {
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Latency  time.Duration `json:"latency"`
	CostUSD  float64       `json:"cost_usd"`
}

// RoutingDecision is produced per reasoning attempt. It is stored inside the
// decision entry that used it.
type RoutingDecision struct {
	Tier          Tier          `json:"tier"`
	Provider      string        `json:"provider,omitempty"`
	Model         string        `json:"model,omitempty"`
	MaxTokens     int           `json:"max_tokens"`
	LatencyBudget time.Duration `json:"latency_budget"`
	Temperature   float64       `json:"temperature"`
	DeepReasoning bool          `json:"deep_reasoning"`
	Fallbacks     []Candidate   `json:"fallbacks,omitempty"`
	Rules         []string      `json:"rules,omitempty"`
	Escalated     bool          `json:"escalated"`
	Unavailable   bool          `json:"unavailable"`
	Attempts      []CallAttempt `json:"attempts,omitempty"`
}

// BreakerState is the circuit state of an inference provider.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ProviderHealth is the durable health record of one provider.
type ProviderHealth struct {
	Provider            string        `json:"provider"`
	State               BreakerState  `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastChange          time.Time     `json:"last_change"`
	FailureThreshold    int           `json:"failure_threshold"`
	Cooldown            time.Duration `json:"cooldown"`
}

// ApprovalStatus is the resolution state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest suspends a case until a human decides or the deadline passes.
type ApprovalRequest struct {
	CaseID         string         `json:"case_id"`
	TenantID       string         `json:"tenant_id"`
	ProposedAction string         `json:"proposed_action"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	RequiredTier   string         `json:"required_tier"`
	Reason         string         `json:"reason"`
	Status         ApprovalStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	Deadline       time.Time      `json:"deadline"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

// ActionRequest is emitted to the external executor from the responding stage.
type ActionRequest struct {
	CaseID     string         `json:"case_id"`
	TenantID   string         `json:"tenant_id"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// IntakeMessage is the new-case payload read from the intake log.
type IntakeMessage struct {
	CaseID          string         `json:"case_id"`
	TenantID        string         `json:"tenant_id"`
	Severity        string         `json:"severity"`
	InitialEvidence map[string]any `json:"initial_evidence"`
}

// Validate checks the required intake fields.
func (m *IntakeMessage) Validate() error {
	if strings.TrimSpace(m.CaseID) == "" {
		return fmt.Errorf("case_id is required")
	}
	if strings.TrimSpace(m.TenantID) == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if _, err := ParseSeverity(m.Severity); err != nil {
		return err
	}
	return nil
}
