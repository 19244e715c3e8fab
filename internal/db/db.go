package db

import (
	"context"
	"errors"
	"time"

	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an optimistic version check fails.
	ErrConflict = errors.New("version conflict")
)

// Store is the persistence interface for the orchestrator.
type Store interface {
	CaseStore
	LeaseStore
	ProviderHealthStore
	ApprovalStore
	IntakeLogStore
	UsageStore
	AuditStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Case store ───────────────────────────────────────────────────────────────

// CaseFilter narrows ListCases.
type CaseFilter struct {
	Stage       models.Stage
	TenantID    string
	NonTerminal bool
	Limit       int
}

// CaseStore persists cases and their append-only decision trail.
type CaseStore interface {
	// CreateCase inserts c unless a case with the same ID exists.
	// It reports whether a row was inserted.
	CreateCase(ctx context.Context, c *models.Case) (bool, error)

	// GetCase loads a case with its full trail.
	GetCase(ctx context.Context, id string) (*models.Case, error)

	// CommitTransition writes the case row and appends one trail entry in a
	// single transaction. The write only applies when the stored version
	// equals expectedVersion; otherwise ErrConflict is returned.
	CommitTransition(ctx context.Context, c *models.Case, entry models.DecisionEntry, expectedVersion int64) error

	// ListCases returns cases without their trails.
	ListCases(ctx context.Context, f CaseFilter) ([]*models.Case, error)
}

// ─── Lease store ──────────────────────────────────────────────────────────────

// LeaseStore grants one worker exclusive ownership of a case for a while.
type LeaseStore interface {
	// AcquireLease takes or renews the lease. It returns false when another
	// owner holds an unexpired lease.
	AcquireLease(ctx context.Context, caseID, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease drops the lease if owner holds it.
	ReleaseLease(ctx context.Context, caseID, owner string) error
}

// ─── Provider health store ────────────────────────────────────────────────────

// ProviderHealthStore keeps one durable record per inference provider.
type ProviderHealthStore interface {
	SaveProviderHealth(ctx context.Context, rec *models.ProviderHealth) error
	ListProviderHealth(ctx context.Context) ([]*models.ProviderHealth, error)
}

// ─── Approval store ───────────────────────────────────────────────────────────

// ApprovalStore persists approval requests. Status changes are
// compare-and-set on the pending status so each request resolves once.
type ApprovalStore interface {
	// CreateApproval inserts req; an existing request for the case is kept.
	CreateApproval(ctx context.Context, req *models.ApprovalRequest) error

	GetApproval(ctx context.Context, caseID string) (*models.ApprovalRequest, error)

	// ResolveApproval moves a pending request whose deadline is after at to
	// status. It reports whether this call performed the change.
	ResolveApproval(ctx context.Context, caseID string, status models.ApprovalStatus, actor string, at time.Time) (bool, error)

	// ExpireApprovals moves every pending request with deadline <= now to
	// expired and returns the requests this call expired.
	ExpireApprovals(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error)

	ListApprovals(ctx context.Context, status models.ApprovalStatus, limit int) ([]*models.ApprovalRequest, error)
}

// ─── Intake log store ─────────────────────────────────────────────────────────

// IntakeRecord is one message in the partitioned intake log.
type IntakeRecord struct {
	Offset     int64     `json:"offset"`
	Partition  int       `json:"partition"`
	Key        string    `json:"key"`
	Payload    []byte    `json:"payload"`
	AppendedAt time.Time `json:"appended_at"`
}

// DeadLetter is an intake record that could not be turned into a case.
type DeadLetter struct {
	ID         int64     `json:"id"`
	Partition  int       `json:"partition"`
	Offset     int64     `json:"offset"`
	Key        string    `json:"key"`
	Payload    []byte    `json:"payload"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
}

// IntakeLogStore backs the durable partitioned intake log.
type IntakeLogStore interface {
	// AppendIntake stores a record and returns its offset. Offsets count up
	// from 1 in each partition without gaps.
	AppendIntake(ctx context.Context, partition int, key string, payload []byte) (int64, error)
	ReadIntake(ctx context.Context, partition int, after int64, limit int) ([]IntakeRecord, error)
	CommitIntakeOffset(ctx context.Context, group string, partition int, offset int64) error
	IntakeOffset(ctx context.Context, group string, partition int) (int64, error)
	AppendDeadLetter(ctx context.Context, rec IntakeRecord, reason string) error
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)
}

// ─── Usage store ──────────────────────────────────────────────────────────────

// UsageRecord is one inference call with its token cost.
type UsageRecord struct {
	ID           int64     `json:"id"`
	CaseID       string    `json:"case_id"`
	TenantID     string    `json:"tenant_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Tier         string    `json:"tier"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms"`
	OK           bool      `json:"ok"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// UsageStore persists inference usage for cost accounting.
type UsageStore interface {
	AppendUsage(ctx context.Context, rec *UsageRecord) error
	TenantSpend(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
}

// ─── Audit store ──────────────────────────────────────────────────────────────

// AuditRecord is the persisted form of an audit event.
type AuditRecord struct {
	ID            int64     `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	EventType     string    `json:"event_type"`
	TenantID      string    `json:"tenant_id"`
	Actor         string    `json:"actor"`
	Resource      string    `json:"resource"`
	ResourceType  string    `json:"resource_type"`
	Action        string    `json:"action"`
	Description   string    `json:"description"`
	Result        string    `json:"result"`
	Error         string    `json:"error"`
	Metadata      string    `json:"metadata"`
	Timestamp     time.Time `json:"timestamp"`
}

// AuditQuery filters audit records.
type AuditQuery struct {
	CorrelationID string
	EventType     string
	Limit         int
}

// AuditStore is the append-only audit event table.
type AuditStore interface {
	AppendAuditEvent(ctx context.Context, rec *AuditRecord) error
	QueryAuditEvents(ctx context.Context, q AuditQuery) ([]*AuditRecord, error)
}
