package investigation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-orchestrator/internal/db"
	"github.com/kubilitics/kubilitics-orchestrator/internal/metrics"
	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
)

var errPersistExhausted = errors.New("persistence retries exhausted")

// commit writes draft and the trail entry for t in one transaction, retrying
// with exponential backoff. On success c becomes the committed case.
func (e *Engine) commit(ctx context.Context, c, draft *models.Case, t *transition, started time.Time) error {
	if !models.ValidTransition(c.Stage, t.next) {
		return fmt.Errorf("case %s: invalid transition %s → %s", c.ID, c.Stage, t.next)
	}
	cfg := e.config()
	now := e.now().UTC()
	entry := models.DecisionEntry{
		Seq:       len(c.Trail),
		Stage:     c.Stage,
		Next:      t.next,
		Actor:     t.actor,
		Summary:   t.summary,
		Timestamp: now,
		Routing:   t.routing,
		Details:   t.details,
	}
	if entry.Actor == "" {
		entry.Actor = engineActor
	}
	draft.Stage = t.next
	draft.UpdatedAt = now

	var err error
	for attempt := 0; ; attempt++ {
		err = e.store.CommitTransition(ctx, draft, entry, c.Version)
		if err == nil {
			break
		}
		if errors.Is(err, db.ErrConflict) {
			return err
		}
		if attempt >= cfg.PersistRetries {
			return fmt.Errorf("%w: case %s %s → %s: %v", errPersistExhausted, c.ID, entry.Stage, entry.Next, err)
		}
		metrics.PersistRetries.Inc()
		e.logger.Warn("Transition write failed, retrying",
			zap.String("case_id", c.ID),
			zap.String("from", string(entry.Stage)),
			zap.String("to", string(entry.Next)),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if serr := sleep(ctx, cfg.PersistBackoff<<attempt); serr != nil {
			return serr
		}
	}

	draft.Version = c.Version + 1
	draft.Trail = append(c.Trail, entry)
	*c = *draft
	e.afterCommit(ctx, c, entry, t, started)
	return nil
}

func (e *Engine) afterCommit(ctx context.Context, c *models.Case, entry models.DecisionEntry, t *transition, started time.Time) {
	metrics.StageTransitions.WithLabelValues(string(entry.Stage), string(entry.Next)).Inc()
	metrics.StageDuration.WithLabelValues(string(entry.Stage)).Observe(e.now().Sub(started).Seconds())
	if e.audit != nil {
		if err := e.audit.LogTransition(ctx, c, entry); err != nil {
			e.logger.Warn("Failed to write audit event", zap.String("case_id", c.ID), zap.Error(err))
		}
	}

	switch entry.Next {
	case models.StageClosed:
		metrics.CasesClosed.WithLabelValues(string(c.Outcome)).Inc()
		e.logger.Info("Case closed",
			zap.String("case_id", c.ID),
			zap.String("outcome", string(c.Outcome)),
			zap.Int("inference_calls", c.InferenceCalls),
			zap.Float64("cost_usd", c.CostUSD))
	case models.StageFailed:
		metrics.CasesClosed.WithLabelValues(string(models.OutcomeFailed)).Inc()
		e.logger.Error("Case failed",
			zap.String("case_id", c.ID),
			zap.String("stage", string(entry.Stage)),
			zap.String("reason", entry.Summary))
	case models.StageAwaitingApproval:
		if _, err := e.gate.Open(ctx, c, t.approvalReason); err != nil {
			// The case is committed as waiting; the sweeper opens the request.
			e.logger.Error("Failed to open approval request", zap.String("case_id", c.ID), zap.Error(err))
		}
	default:
		e.logger.Debug("Stage committed",
			zap.String("case_id", c.ID),
			zap.String("from", string(entry.Stage)),
			zap.String("to", string(entry.Next)))
	}
}

// fail moves c to failed after an unrecoverable error in its current stage.
func (e *Engine) fail(ctx context.Context, c *models.Case, summary string, cause error) error {
	draft := *c
	draft.Outcome = models.OutcomeFailed
	t := &transition{
		next:    models.StageFailed,
		actor:   engineActor,
		summary: summary,
		details: map[string]any{"error": cause.Error()},
	}
	if err := e.commit(ctx, c, &draft, t, e.now()); err != nil {
		return fmt.Errorf("case %s could not be marked failed: %w (after %v)", c.ID, err, cause)
	}
	return nil
}
