package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kubilitics/kubilitics-orchestrator/internal/db"
	"github.com/kubilitics/kubilitics-orchestrator/internal/logging"
	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
)

const (
	bufferSize    = 100
	flushInterval = time.Second
	subscriberBuf = 64
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log buffers an audit event for the file and store sinks and publishes
	// it to live subscribers.
	Log(ctx context.Context, event *Event) error

	// Case lifecycle
	LogCaseReceived(ctx context.Context, c *models.Case) error
	LogTransition(ctx context.Context, c *models.Case, entry models.DecisionEntry) error

	// Routing
	LogRouting(ctx context.Context, caseID, tenantID string, d models.RoutingDecision) error

	// Provider health
	LogHealthChange(ctx context.Context, provider string, from, to models.BreakerState) error

	// Approvals
	LogApproval(ctx context.Context, eventType EventType, req *models.ApprovalRequest) error

	// Configuration
	LogConfigReload(ctx context.Context, took time.Duration, err error) error

	// Subscribe returns a stream of events logged after the call and a
	// function that cancels the subscription.
	Subscribe() (<-chan *Event, func())

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the rotated JSON audit file. Empty disables the file sink.
	AuditLogPath string

	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	fileLogger  *zap.Logger
	store       db.AuditStore
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once

	subMu   sync.RWMutex
	subs    map[int]chan *Event
	nextSub int
}

// NewLogger creates an audit logger. store may be nil; appLogger receives
// sink failures and dropped-subscriber warnings.
func NewLogger(config *Config, store db.AuditStore, appLogger *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if appLogger == nil {
		appLogger = zap.NewNop()
	}

	l := &auditLogger{
		appLogger:   appLogger.Named("audit"),
		store:       store,
		buffer:      make([]*Event, 0, bufferSize),
		flushTicker: time.NewTicker(flushInterval),
		stopCh:      make(chan struct{}),
		subs:        make(map[int]chan *Event),
	}

	if config.AuditLogPath != "" {
		rotator := &lumberjack.Logger{
			Filename:   config.AuditLogPath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		core := zapcore.NewCore(
			zapcore.NewJSONEncoder(logging.EncoderConfig()),
			zapcore.AddSync(rotator),
			zapcore.InfoLevel, // Audit logs are always INFO level
		)
		l.fileLogger = zap.New(core)
	}

	go l.autoFlush()

	return l, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("nil audit event")
	}
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}
	l.publish(event)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= bufferSize {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	var firstErr error
	for _, event := range l.buffer {
		meta, err := json.Marshal(event.Metadata)
		if err != nil {
			l.appLogger.Error("failed to marshal audit metadata",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			meta = []byte("{}")
		}

		if l.fileLogger != nil {
			eventJSON, err := json.Marshal(event)
			if err != nil {
				l.appLogger.Error("failed to marshal audit event",
					zap.Error(err),
					zap.String("event_type", string(event.EventType)),
				)
			} else {
				l.fileLogger.Info(string(eventJSON),
					zap.String("correlation_id", event.CorrelationID),
					zap.String("event_type", string(event.EventType)),
					zap.String("result", string(event.Result)),
				)
			}
		}

		if l.store != nil {
			rec := &db.AuditRecord{
				CorrelationID: event.CorrelationID,
				EventType:     string(event.EventType),
				TenantID:      event.TenantID,
				Actor:         event.Actor,
				Resource:      event.Resource,
				ResourceType:  event.ResourceType,
				Action:        event.Action,
				Description:   event.Description,
				Result:        string(event.Result),
				Error:         event.Error,
				Metadata:      string(meta),
				Timestamp:     event.Timestamp,
			}
			if err := l.store.AppendAuditEvent(context.Background(), rec); err != nil {
				l.appLogger.Error("failed to persist audit event",
					zap.Error(err),
					zap.String("event_type", string(event.EventType)),
					zap.String("correlation_id", event.CorrelationID),
				)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}

	l.buffer = l.buffer[:0]
	return firstErr
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// ─── Subscribers ──────────────────────────────────────────────────────────────

func (l *auditLogger) Subscribe() (<-chan *Event, func()) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	id := l.nextSub
	l.nextSub++
	ch := make(chan *Event, subscriberBuf)
	l.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.subMu.Lock()
			defer l.subMu.Unlock()
			if c, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// publish never blocks the caller; a slow subscriber misses events.
func (l *auditLogger) publish(event *Event) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for id, ch := range l.subs {
		select {
		case ch <- event:
		default:
			l.appLogger.Warn("audit subscriber lagging, event dropped",
				zap.Int("subscriber", id),
				zap.String("event_type", string(event.EventType)),
			)
		}
	}
}

// ─── Typed helpers ────────────────────────────────────────────────────────────

// LogCaseReceived logs the creation of a case
func (l *auditLogger) LogCaseReceived(ctx context.Context, c *models.Case) error {
	event := NewEvent(EventCaseReceived).
		WithCorrelationID(c.ID).
		WithTenant(c.TenantID).
		WithActor("intake").
		WithResource(c.ID, "case").
		WithResult(ResultSuccess).
		WithMetadata("severity", string(c.Severity)).
		WithDescription(fmt.Sprintf("Case %s received", c.ID))

	return l.Log(ctx, event)
}

// LogTransition logs a committed stage transition
func (l *auditLogger) LogTransition(ctx context.Context, c *models.Case, entry models.DecisionEntry) error {
	eventType := EventCaseTransition
	result := ResultSuccess
	switch entry.Next {
	case models.StageClosed:
		eventType = EventCaseClosed
	case models.StageFailed:
		eventType = EventCaseFailed
		result = ResultFailure
	}

	event := NewEvent(eventType).
		WithCorrelationID(c.ID).
		WithTenant(c.TenantID).
		WithActor(entry.Actor).
		WithResource(c.ID, "case").
		WithAction(string(entry.Stage)+"->"+string(entry.Next)).
		WithResult(result).
		WithMetadata("seq", entry.Seq).
		WithMetadata("from", string(entry.Stage)).
		WithMetadata("to", string(entry.Next)).
		WithDescription(entry.Summary)
	if c.Outcome != "" {
		event.WithMetadata("outcome", string(c.Outcome))
	}

	return l.Log(ctx, event)
}

// LogRouting logs one routing decision; escalations and fallbacks get their
// own event types.
func (l *auditLogger) LogRouting(ctx context.Context, caseID, tenantID string, d models.RoutingDecision) error {
	eventType := EventRoutingDecision
	switch {
	case d.Escalated:
		eventType = EventRoutingEscalate
	case len(d.Attempts) > 1:
		eventType = EventRoutingFallback
	}

	result := ResultSuccess
	if d.Unavailable {
		result = ResultFailure
	}

	event := NewEvent(eventType).
		WithCorrelationID(caseID).
		WithTenant(tenantID).
		WithActor("router").
		WithResource(d.Provider, "provider").
		WithAction(string(d.Tier)).
		WithResult(result).
		WithMetadata("model", d.Model).
		WithMetadata("rules", d.Rules).
		WithMetadata("attempts", len(d.Attempts)).
		WithDescription(fmt.Sprintf("Routed to %s tier via %s", d.Tier, d.Provider))

	return l.Log(ctx, event)
}

// LogHealthChange logs a provider breaker transition
func (l *auditLogger) LogHealthChange(ctx context.Context, provider string, from, to models.BreakerState) error {
	result := ResultSuccess
	if to == models.BreakerOpen {
		result = ResultFailure
	}
	event := NewEvent(EventProviderHealthChanged).
		WithActor("health").
		WithResource(provider, "provider").
		WithResult(result).
		WithMetadata("from", string(from)).
		WithMetadata("to", string(to)).
		WithDescription(fmt.Sprintf("Provider %s %s -> %s", provider, from, to))

	return l.Log(ctx, event)
}

// LogApproval logs an approval lifecycle event
func (l *auditLogger) LogApproval(ctx context.Context, eventType EventType, req *models.ApprovalRequest) error {
	result := ResultPending
	switch eventType {
	case EventApprovalApproved:
		result = ResultSuccess
	case EventApprovalRejected, EventApprovalExpired:
		result = ResultDenied
	}

	actor := req.ResolvedBy
	if actor == "" {
		actor = "gate"
	}
	event := NewEvent(eventType).
		WithCorrelationID(req.CaseID).
		WithTenant(req.TenantID).
		WithActor(actor).
		WithResource(req.CaseID, "case").
		WithAction(req.ProposedAction).
		WithResult(result).
		WithMetadata("deadline", req.Deadline.Format(time.RFC3339)).
		WithMetadata("required_tier", req.RequiredTier).
		WithDescription(req.Reason)

	return l.Log(ctx, event)
}

// LogConfigReload logs a configuration reload. A non-nil err means the
// reload was rejected and the previous settings stay in force.
func (l *auditLogger) LogConfigReload(ctx context.Context, took time.Duration, err error) error {
	event := NewEvent(EventConfigReload).
		WithActor("config").
		WithResource("orchestrator", "config").
		WithResult(ResultSuccess).
		WithDuration(took).
		WithDescription("Configuration reloaded")
	if err != nil {
		event.WithError(err, "invalid_config").
			WithDescription("Configuration reload rejected, previous settings kept")
	}
	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	if l.fileLogger != nil {
		// Syncing a rotated file can report EINVAL on some platforms; ignore it.
		_ = l.fileLogger.Sync()
	}
	return nil
}

// Close flushes and stops the logger; subscribers are closed.
func (l *auditLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
		err = l.Sync()

		l.subMu.Lock()
		for id, ch := range l.subs {
			delete(l.subs, id)
			close(ch)
		}
		l.subMu.Unlock()
	})
	return err
}

// ─── Correlation IDs ──────────────────────────────────────────────────────────

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}
