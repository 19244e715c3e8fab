package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
)

// ─── Cases ────────────────────────────────────────────────────────────────────

type caseRow struct {
	ID             string  `db:"id"`
	TenantID       string  `db:"tenant_id"`
	Stage          string  `db:"stage"`
	Severity       string  `db:"severity"`
	Category       string  `db:"category"`
	Features       string  `db:"features"`
	Evidence       string  `db:"evidence"`
	Confidence     float64 `db:"confidence"`
	Recommendation string  `db:"recommendation"`
	Degraded       int     `db:"degraded"`
	InferenceCalls int     `db:"inference_calls"`
	CostUSD        float64 `db:"cost_usd"`
	Outcome        string  `db:"outcome"`
	Version        int64   `db:"version"`
	CreatedAt      int64   `db:"created_at"`
	UpdatedAt      int64   `db:"updated_at"`
}

const caseColumns = `id, tenant_id, stage, severity, category, features, evidence, confidence,
recommendation, degraded, inference_calls, cost_usd, outcome, version, created_at, updated_at`

func newCaseRow(c *models.Case) (*caseRow, error) {
	features, err := json.Marshal(nonNilMap(c.Features))
	if err != nil {
		return nil, fmt.Errorf("marshal features: %w", err)
	}
	evidence := c.Evidence
	if evidence == nil {
		evidence = []models.EvidenceItem{}
	}
	ev, err := json.Marshal(evidence)
	if err != nil {
		return nil, fmt.Errorf("marshal evidence: %w", err)
	}
	var rec string
	if c.Recommendation != nil {
		b, err := json.Marshal(c.Recommendation)
		if err != nil {
			return nil, fmt.Errorf("marshal recommendation: %w", err)
		}
		rec = string(b)
	}
	return &caseRow{
		ID:             c.ID,
		TenantID:       c.TenantID,
		Stage:          string(c.Stage),
		Severity:       string(c.Severity),
		Category:       c.Category,
		Features:       string(features),
		Evidence:       string(ev),
		Confidence:     c.Confidence,
		Recommendation: rec,
		Degraded:       boolInt(c.Degraded),
		InferenceCalls: c.InferenceCalls,
		CostUSD:        c.CostUSD,
		Outcome:        string(c.Outcome),
		Version:        c.Version,
		CreatedAt:      toNanos(c.CreatedAt),
		UpdatedAt:      toNanos(c.UpdatedAt),
	}, nil
}

func (r *caseRow) toModel() (*models.Case, error) {
	c := &models.Case{
		ID:             r.ID,
		TenantID:       r.TenantID,
		Stage:          models.Stage(r.Stage),
		Severity:       models.Severity(r.Severity),
		Category:       r.Category,
		Confidence:     r.Confidence,
		Degraded:       r.Degraded != 0,
		InferenceCalls: r.InferenceCalls,
		CostUSD:        r.CostUSD,
		Outcome:        models.Outcome(r.Outcome),
		Version:        r.Version,
		CreatedAt:      fromNanos(r.CreatedAt),
		UpdatedAt:      fromNanos(r.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(r.Features), &c.Features); err != nil {
		return nil, fmt.Errorf("unmarshal features of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Evidence), &c.Evidence); err != nil {
		return nil, fmt.Errorf("unmarshal evidence of %s: %w", r.ID, err)
	}
	if r.Recommendation != "" {
		c.Recommendation = &models.Recommendation{}
		if err := json.Unmarshal([]byte(r.Recommendation), c.Recommendation); err != nil {
			return nil, fmt.Errorf("unmarshal recommendation of %s: %w", r.ID, err)
		}
	}
	return c, nil
}

type trailRow struct {
	CaseID     string `db:"case_id"`
	Seq        int    `db:"seq"`
	Stage      string `db:"stage"`
	NextStage  string `db:"next_stage"`
	Actor      string `db:"actor"`
	Summary    string `db:"summary"`
	Routing    string `db:"routing"`
	Details    string `db:"details"`
	RecordedAt int64  `db:"recorded_at"`
}

func (r *trailRow) toModel() (models.DecisionEntry, error) {
	e := models.DecisionEntry{
		Seq:       r.Seq,
		Stage:     models.Stage(r.Stage),
		Next:      models.Stage(r.NextStage),
		Actor:     r.Actor,
		Summary:   r.Summary,
		Timestamp: fromNanos(r.RecordedAt),
	}
	if err := json.Unmarshal([]byte(r.Routing), &e.Routing); err != nil {
		return e, fmt.Errorf("unmarshal routing: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Details), &e.Details); err != nil {
		return e, fmt.Errorf("unmarshal details: %w", err)
	}
	return e, nil
}

func (s *sqlStore) CreateCase(ctx context.Context, c *models.Case) (bool, error) {
	row, err := newCaseRow(c)
	if err != nil {
		return false, err
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO cases (`+caseColumns+`)
		VALUES (:id, :tenant_id, :stage, :severity, :category, :features, :evidence, :confidence,
		        :recommendation, :degraded, :inference_calls, :cost_usd, :outcome, :version, :created_at, :updated_at)
		ON CONFLICT (id) DO NOTHING`, row)
	if err != nil {
		return false, fmt.Errorf("insert case %s: %w", c.ID, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) GetCase(ctx context.Context, id string) (*models.Case, error) {
	var row caseRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+caseColumns+` FROM cases WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get case %s: %w", id, err)
	}
	c, err := row.toModel()
	if err != nil {
		return nil, err
	}

	var trail []trailRow
	if err := s.db.SelectContext(ctx, &trail, s.db.Rebind(`
		SELECT case_id, seq, stage, next_stage, actor, summary, routing, details, recorded_at
		FROM case_trail WHERE case_id = ? ORDER BY seq ASC`), id); err != nil {
		return nil, fmt.Errorf("get trail %s: %w", id, err)
	}
	c.Trail = make([]models.DecisionEntry, 0, len(trail))
	for i := range trail {
		e, err := trail[i].toModel()
		if err != nil {
			return nil, fmt.Errorf("case %s trail %d: %w", id, trail[i].Seq, err)
		}
		c.Trail = append(c.Trail, e)
	}
	return c, nil
}

func (s *sqlStore) CommitTransition(ctx context.Context, c *models.Case, entry models.DecisionEntry, expectedVersion int64) error {
	row, err := newCaseRow(c)
	if err != nil {
		return err
	}
	routing := entry.Routing
	if routing == nil {
		routing = []models.RoutingDecision{}
	}
	routingJSON, err := json.Marshal(routing)
	if err != nil {
		return fmt.Errorf("marshal routing: %w", err)
	}
	detailsJSON, err := json.Marshal(nonNilMap(entry.Details))
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE cases SET stage = ?, category = ?, features = ?, evidence = ?, confidence = ?,
		       recommendation = ?, degraded = ?, inference_calls = ?, cost_usd = ?, outcome = ?,
		       version = ?, updated_at = ?
		WHERE id = ? AND version = ?`),
		row.Stage, row.Category, row.Features, row.Evidence, row.Confidence,
		row.Recommendation, row.Degraded, row.InferenceCalls, row.CostUSD, row.Outcome,
		expectedVersion+1, row.UpdatedAt,
		row.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update case %s: %w", c.ID, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("case %s at version %d: %w", c.ID, expectedVersion, ErrConflict)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO case_trail (case_id, seq, stage, next_stage, actor, summary, routing, details, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, entry.Seq, string(entry.Stage), string(entry.Next), entry.Actor, entry.Summary,
		string(routingJSON), string(detailsJSON), toNanos(entry.Timestamp)); err != nil {
		return fmt.Errorf("append trail %s/%d: %w", c.ID, entry.Seq, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition %s: %w", c.ID, err)
	}
	return nil
}

func (s *sqlStore) ListCases(ctx context.Context, f CaseFilter) ([]*models.Case, error) {
	var (
		where []string
		args  []any
	)
	if f.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, string(f.Stage))
	}
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.NonTerminal {
		where = append(where, "stage NOT IN (?, ?)")
		args = append(args, string(models.StageClosed), string(models.StageFailed))
	}
	query := `SELECT ` + caseColumns + ` FROM cases`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var rows []caseRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	out := make([]*models.Case, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ─── Leases ───────────────────────────────────────────────────────────────────

func (s *sqlStore) AcquireLease(ctx context.Context, caseID, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE cases SET lease_owner = ?, lease_expires = ?
		WHERE id = ? AND (lease_owner = '' OR lease_owner = ? OR lease_expires <= ?)`),
		owner, toNanos(now.Add(ttl)), caseID, owner, toNanos(now))
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", caseID, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) ReleaseLease(ctx context.Context, caseID, owner string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE cases SET lease_owner = '', lease_expires = 0 WHERE id = ? AND lease_owner = ?`),
		caseID, owner); err != nil {
		return fmt.Errorf("release lease %s: %w", caseID, err)
	}
	return nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
