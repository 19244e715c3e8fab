// Package intake turns messages on the intake log into cases.
//
// One consumer goroutine polls each partition. A record is committed only
// after the engine has stored its case, so a crash replays the record and
// the engine's insert-if-absent makes the replay harmless. Records that can
// never become a case go to the dead-letter table and are committed past.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-orchestrator/internal/audit"
	"github.com/kubilitics/kubilitics-orchestrator/internal/eventlog"
	"github.com/kubilitics/kubilitics-orchestrator/internal/metrics"
	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
)

// ErrMalformed is returned for messages that fail decoding or validation.
var ErrMalformed = errors.New("malformed intake message")

// Submitter creates a case from a message. It reports whether the case was new.
type Submitter interface {
	Submit(ctx context.Context, msg models.IntakeMessage) (bool, error)
}

// Config controls polling.
type Config struct {
	Group        string
	PollInterval time.Duration
	BatchSize    int
}

// Consumer reads every partition of an intake log.
type Consumer struct {
	cfg    Config
	log    *eventlog.Log
	submit Submitter
	audit  audit.Logger
	logger *zap.Logger
}

// NewConsumer creates a consumer. auditLog may be nil.
func NewConsumer(cfg Config, log *eventlog.Log, submit Submitter, auditLog audit.Logger, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Group == "" {
		cfg.Group = "orchestrator"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Consumer{
		cfg:    cfg,
		log:    log,
		submit: submit,
		audit:  auditLog,
		logger: logger.Named("intake"),
	}
}

// Decode parses and validates one message.
func Decode(payload []byte) (models.IntakeMessage, error) {
	var msg models.IntakeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := msg.Validate(); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

// Publish validates msg and appends it to the log, keyed by tenant.
func Publish(ctx context.Context, log *eventlog.Log, msg models.IntakeMessage) (int, int64, error) {
	if err := msg.Validate(); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("encode intake message: %w", err)
	}
	return log.Append(ctx, msg.TenantID, payload)
}

// Run polls all partitions until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for p := 0; p < c.log.Partitions(); p++ {
		g.Go(func() error {
			c.consume(ctx, p)
			return nil
		})
	}
	c.logger.Info("Intake consumers started",
		zap.Int("partitions", c.log.Partitions()),
		zap.String("group", c.cfg.Group))
	return g.Wait()
}

func (c *Consumer) consume(ctx context.Context, partition int) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		n, err := c.Poll(ctx, partition)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("Intake poll failed", zap.Int("partition", partition), zap.Error(err))
		}
		// A full batch means there is probably more waiting.
		if err == nil && n == c.cfg.BatchSize {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll handles one batch from partition and returns how many records it
// committed. It stops at the first record whose case could not be stored;
// that record is retried on the next poll.
func (c *Consumer) Poll(ctx context.Context, partition int) (int, error) {
	after, err := c.log.Committed(ctx, c.cfg.Group, partition)
	if err != nil {
		return 0, err
	}
	recs, err := c.log.Read(ctx, partition, after, c.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, rec := range recs {
		if err := c.handle(ctx, rec); err != nil {
			return done, err
		}
		if err := c.log.Commit(ctx, c.cfg.Group, partition, rec.Offset); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

func (c *Consumer) handle(ctx context.Context, rec eventlog.Record) error {
	msg, err := Decode(rec.Payload)
	if err != nil {
		return c.reject(ctx, rec, err)
	}
	created, err := c.submit.Submit(ctx, msg)
	if err != nil {
		return fmt.Errorf("submit case %s from p%d@%d: %w", msg.CaseID, rec.Partition, rec.Offset, err)
	}
	if created {
		metrics.IntakeConsumed.WithLabelValues("created").Inc()
	} else {
		metrics.IntakeConsumed.WithLabelValues("duplicate").Inc()
		c.logger.Debug("Duplicate intake message", zap.String("case_id", msg.CaseID), zap.Int64("offset", rec.Offset))
	}
	return nil
}

func (c *Consumer) reject(ctx context.Context, rec eventlog.Record, cause error) error {
	metrics.IntakeConsumed.WithLabelValues("rejected").Inc()
	c.logger.Error("Rejected malformed intake message",
		zap.Int("partition", rec.Partition),
		zap.Int64("offset", rec.Offset),
		zap.String("key", rec.Key),
		zap.Error(cause))
	if err := c.log.DeadLetter(ctx, rec, cause.Error()); err != nil {
		return fmt.Errorf("dead-letter p%d@%d: %w", rec.Partition, rec.Offset, err)
	}
	if c.audit != nil {
		event := audit.NewEvent(audit.EventIntakeRejected).
			WithActor("intake").
			WithResource(fmt.Sprintf("%d/%d", rec.Partition, rec.Offset), "intake_record").
			WithResult(audit.ResultFailure).
			WithError(cause, "malformed").
			WithMetadata("key", rec.Key)
		if err := c.audit.Log(ctx, event); err != nil {
			c.logger.Warn("Failed to write audit event", zap.Error(err))
		}
	}
	return nil
}
