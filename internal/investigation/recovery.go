package investigation

import (
	"context"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-orchestrator/internal/db"
	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
)

// Recover queues every unfinished case that is not waiting for a human.
// Waiting cases belong to the approval sweeper. It returns how many cases
// were queued; cases already queued or running are not counted twice.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	cases, err := e.store.ListCases(ctx, db.CaseFilter{NonTerminal: true})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range cases {
		if !runnable(c) {
			continue
		}
		if e.sched.Submit(e.itemFor(c)) {
			n++
		}
	}
	if n > 0 {
		e.logger.Info("Recovered unfinished cases", zap.Int("cases", n))
	}
	return n, nil
}

// Replay is the result of re-walking a case's persisted trail.
type Replay struct {
	Case *models.Case
	Path []models.Stage
	// Violation describes how the trail breaks the lifecycle graph. It is
	// empty for a conforming trail.
	Violation string
}

// Replay loads a case and checks that its trail is a valid walk of the
// lifecycle graph ending at the stored stage.
func (e *Engine) Replay(ctx context.Context, caseID string) (*Replay, error) {
	return ReplayCase(ctx, e.store, caseID)
}

// ReplayCase is Replay without an engine, for offline tools.
func ReplayCase(ctx context.Context, store db.CaseStore, caseID string) (*Replay, error) {
	c, err := store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	r := &Replay{Case: c, Path: c.Path()}
	if err := c.VerifyTrail(); err != nil {
		r.Violation = err.Error()
	}
	return r, nil
}
