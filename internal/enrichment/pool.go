// Package enrichment collects evidence for a case from independent sources
// concurrently.
//
// All sub-stages share one bounded pool across every case in the process.
// Each sub-stage runs under its own deadline, and waiting for a pool slot
// counts against it. A sub-stage that fails or runs out of time yields a
// degraded evidence item instead of an error, so enrichment always finishes.
package enrichment

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
	"github.com/kubilitics/kubilitics-orchestrator/internal/tracing"
)

// Request is what every enricher receives.
type Request struct {
	CaseID     string          `json:"case_id"`
	TenantID   string          `json:"tenant_id"`
	Severity   models.Severity `json:"severity"`
	Category   string          `json:"category"`
	Indicators []string        `json:"indicators"`
	Features   map[string]any  `json:"features,omitempty"`
}

// Enricher is one evidence source.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, req Request) (map[string]any, error)
}

// Report is the outcome of one enrichment pass.
type Report struct {
	Items    []models.EvidenceItem
	Degraded []string
}

// Partial reports whether any sub-stage was degraded.
func (r Report) Partial() bool { return len(r.Degraded) > 0 }

// Pool runs enrichers on a shared bounded pool.
type Pool struct {
	sem       *semaphore.Weighted
	timeout   time.Duration
	enrichers []Enricher
	logger    *zap.Logger
	now       func() time.Time
}

// NewPool creates a pool of size slots. timeout bounds each sub-stage.
func NewPool(size int, timeout time.Duration, logger *zap.Logger, enrichers ...Enricher) *Pool {
	if size <= 0 {
		size = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		sem:       semaphore.NewWeighted(int64(size)),
		timeout:   timeout,
		enrichers: enrichers,
		logger:    logger.Named("enrichment"),
		now:       time.Now,
	}
}

// Enrichers returns the configured sources in run order.
func (p *Pool) Enrichers() []Enricher { return p.enrichers }

// Run executes every enricher concurrently and returns one evidence item per
// enricher, in configuration order.
func (p *Pool) Run(ctx context.Context, req Request) Report {
	items := make([]models.EvidenceItem, len(p.enrichers))
	group, groupCtx := errgroup.WithContext(ctx)
	for idx := range p.enrichers {
		group.Go(func() error {
			items[idx] = p.runOne(groupCtx, p.enrichers[idx], req)
			return nil
		})
	}
	_ = group.Wait()

	var report Report
	report.Items = items
	for _, item := range items {
		if item.Status != models.EvidenceOK {
			report.Degraded = append(report.Degraded, item.Source)
		}
	}
	return report
}

type outcome struct {
	data map[string]any
	err  error
}

func (p *Pool) runOne(ctx context.Context, e Enricher, req Request) models.EvidenceItem {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "enrichment."+e.Name(),
		attribute.String("case.id", req.CaseID))
	defer span.End()

	item := models.EvidenceItem{Source: e.Name()}
	fail := func(err error) models.EvidenceItem {
		span.RecordError(err)
		span.SetStatus(codes.Error, "degraded")
		p.logger.Warn("Enrichment sub-stage degraded",
			zap.String("case_id", req.CaseID),
			zap.String("source", e.Name()),
			zap.Error(err))
		item.Status = models.EvidenceDegraded
		item.Error = err.Error()
		item.CollectedAt = p.now().UTC()
		return item
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fail(fmt.Errorf("waiting for pool slot: %w", err))
	}

	// The call runs detached so a source that ignores its context still
	// cannot hold the stage past the deadline. It keeps the slot until it
	// returns.
	done := make(chan outcome, 1)
	go func() {
		defer p.sem.Release(1)
		data, err := e.Enrich(ctx, req)
		done <- outcome{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return fail(ctx.Err())
	case out := <-done:
		if out.err != nil {
			return fail(out.err)
		}
		item.Status = models.EvidenceOK
		item.Data = out.data
		item.CollectedAt = p.now().UTC()
		return item
	}
}
