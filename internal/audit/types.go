package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Case lifecycle events
	EventCaseReceived   EventType = "case.received"
	EventCaseTransition EventType = "case.transition"
	EventCaseClosed     EventType = "case.closed"
	EventCaseFailed     EventType = "case.failed"

	// Routing events
	EventRoutingDecision EventType = "routing.decision"
	EventRoutingFallback EventType = "routing.fallback"
	EventRoutingEscalate EventType = "routing.escalation"

	// Provider health events
	EventProviderHealthChanged EventType = "provider.health_changed"

	// Approval events
	EventApprovalRequested EventType = "approval.requested"
	EventApprovalApproved  EventType = "approval.approved"
	EventApprovalRejected  EventType = "approval.rejected"
	EventApprovalExpired   EventType = "approval.expired"

	// Action events
	EventActionDispatched EventType = "action.dispatched"

	// Intake events
	EventIntakeRejected EventType = "intake.rejected"

	// Configuration events
	EventConfigReload EventType = "config.reload"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
	ResultDenied  Result = "denied"
)

// Event represents a single audit event. Events are immutable once logged.
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	// Actor information
	Actor    string `json:"actor,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`

	// Resource information
	Resource     string `json:"resource,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`

	// Action details
	Action      string         `json:"action,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// Error information
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]any),
	}
}

// WithCorrelationID sets the correlation ID for event tracking
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithActor sets who triggered the event
func (e *Event) WithActor(actor string) *Event {
	e.Actor = actor
	return e
}

// WithTenant sets the tenant that owns the resource
func (e *Event) WithTenant(tenantID string) *Event {
	e.TenantID = tenantID
	return e
}

// WithResource sets the resource being acted upon
func (e *Event) WithResource(resource, resourceType string) *Event {
	e.Resource = resource
	e.ResourceType = resourceType
	return e
}

// WithAction sets the action being performed
func (e *Event) WithAction(action string) *Event {
	e.Action = action
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError sets error information
func (e *Event) WithError(err error, code string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = code
		e.Result = ResultFailure
	}
	return e
}

// WithDuration sets the duration in milliseconds
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value any) *Event {
	e.Metadata[key] = value
	return e
}
