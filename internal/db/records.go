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

// ─── Provider health ──────────────────────────────────────────────────────────

type providerHealthRow struct {
	Provider            string `db:"provider"`
	State               string `db:"state"`
	ConsecutiveFailures int    `db:"consecutive_failures"`
	FailureThreshold    int    `db:"failure_threshold"`
	CooldownMs          int64  `db:"cooldown_ms"`
	LastChange          int64  `db:"last_change"`
}

func (s *sqlStore) SaveProviderHealth(ctx context.Context, rec *models.ProviderHealth) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO provider_health (provider, state, consecutive_failures, failure_threshold, cooldown_ms, last_change)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider) DO UPDATE SET
			state = excluded.state,
			consecutive_failures = excluded.consecutive_failures,
			failure_threshold = excluded.failure_threshold,
			cooldown_ms = excluded.cooldown_ms,
			last_change = excluded.last_change`),
		rec.Provider, string(rec.State), rec.ConsecutiveFailures, rec.FailureThreshold,
		rec.Cooldown.Milliseconds(), toNanos(rec.LastChange))
	if err != nil {
		return fmt.Errorf("save provider health %s: %w", rec.Provider, err)
	}
	return nil
}

func (s *sqlStore) ListProviderHealth(ctx context.Context) ([]*models.ProviderHealth, error) {
	var rows []providerHealthRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT provider, state, consecutive_failures, failure_threshold, cooldown_ms, last_change
		FROM provider_health ORDER BY provider`); err != nil {
		return nil, fmt.Errorf("list provider health: %w", err)
	}
	out := make([]*models.ProviderHealth, 0, len(rows))
	for _, r := range rows {
		out = append(out, &models.ProviderHealth{
			Provider:            r.Provider,
			State:               models.BreakerState(r.State),
			ConsecutiveFailures: r.ConsecutiveFailures,
			FailureThreshold:    r.FailureThreshold,
			Cooldown:            time.Duration(r.CooldownMs) * time.Millisecond,
			LastChange:          fromNanos(r.LastChange),
		})
	}
	return out, nil
}

// ─── Approvals ────────────────────────────────────────────────────────────────

type approvalRow struct {
	CaseID         string `db:"case_id"`
	TenantID       string `db:"tenant_id"`
	ProposedAction string `db:"proposed_action"`
	Parameters     string `db:"parameters"`
	RequiredTier   string `db:"required_tier"`
	Reason         string `db:"reason"`
	Status         string `db:"status"`
	CreatedAt      int64  `db:"created_at"`
	Deadline       int64  `db:"deadline"`
	ResolvedBy     string `db:"resolved_by"`
	ResolvedAt     int64  `db:"resolved_at"`
}

const approvalColumns = `case_id, tenant_id, proposed_action, parameters, required_tier, reason,
status, created_at, deadline, resolved_by, resolved_at`

func (r *approvalRow) toModel() (*models.ApprovalRequest, error) {
	req := &models.ApprovalRequest{
		CaseID:         r.CaseID,
		TenantID:       r.TenantID,
		ProposedAction: r.ProposedAction,
		RequiredTier:   r.RequiredTier,
		Reason:         r.Reason,
		Status:         models.ApprovalStatus(r.Status),
		CreatedAt:      fromNanos(r.CreatedAt),
		Deadline:       fromNanos(r.Deadline),
		ResolvedBy:     r.ResolvedBy,
	}
	if r.ResolvedAt != 0 {
		t := fromNanos(r.ResolvedAt)
		req.ResolvedAt = &t
	}
	if err := json.Unmarshal([]byte(r.Parameters), &req.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal approval parameters %s: %w", r.CaseID, err)
	}
	return req, nil
}

func (s *sqlStore) CreateApproval(ctx context.Context, req *models.ApprovalRequest) error {
	params, err := json.Marshal(nonNilMap(req.Parameters))
	if err != nil {
		return fmt.Errorf("marshal approval parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO approval_requests (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0)
		ON CONFLICT (case_id) DO NOTHING`),
		req.CaseID, req.TenantID, req.ProposedAction, string(params), req.RequiredTier, req.Reason,
		string(req.Status), toNanos(req.CreatedAt), toNanos(req.Deadline))
	if err != nil {
		return fmt.Errorf("create approval %s: %w", req.CaseID, err)
	}
	return nil
}

func (s *sqlStore) GetApproval(ctx context.Context, caseID string) (*models.ApprovalRequest, error) {
	var row approvalRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+approvalColumns+` FROM approval_requests WHERE case_id = ?`), caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval %s: %w", caseID, err)
	}
	return row.toModel()
}

func (s *sqlStore) ResolveApproval(ctx context.Context, caseID string, status models.ApprovalStatus, actor string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE approval_requests SET status = ?, resolved_by = ?, resolved_at = ?
		WHERE case_id = ? AND status = ? AND deadline > ?`),
		string(status), actor, toNanos(at), caseID, string(models.ApprovalPending), toNanos(at))
	if err != nil {
		return false, fmt.Errorf("resolve approval %s: %w", caseID, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) ExpireApprovals(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error) {
	var rows []approvalRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE status = ? AND deadline <= ? ORDER BY deadline ASC`),
		string(models.ApprovalPending), toNanos(now)); err != nil {
		return nil, fmt.Errorf("select expired approvals: %w", err)
	}

	var expired []*models.ApprovalRequest
	for i := range rows {
		// Compare-and-set so a concurrent resolution or sweep wins at most once.
		res, err := s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE approval_requests SET status = ?, resolved_by = ?, resolved_at = ?
			WHERE case_id = ? AND status = ?`),
			string(models.ApprovalExpired), "system:sweeper", toNanos(now),
			rows[i].CaseID, string(models.ApprovalPending))
		if err != nil {
			return expired, fmt.Errorf("expire approval %s: %w", rows[i].CaseID, err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return expired, err
		}
		if n != 1 {
			continue
		}
		req, err := rows[i].toModel()
		if err != nil {
			return expired, err
		}
		req.Status = models.ApprovalExpired
		req.ResolvedBy = "system:sweeper"
		t := now.UTC()
		req.ResolvedAt = &t
		expired = append(expired, req)
	}
	return expired, nil
}

func (s *sqlStore) ListApprovals(ctx context.Context, status models.ApprovalStatus, limit int) ([]*models.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY deadline ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []approvalRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	out := make([]*models.ApprovalRequest, 0, len(rows))
	for i := range rows {
		req, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// ─── Intake log ───────────────────────────────────────────────────────────────

type intakeRow struct {
	Offset     int64  `db:"log_offset"`
	Partition  int    `db:"partition_id"`
	Key        string `db:"msg_key"`
	Payload    string `db:"payload"`
	AppendedAt int64  `db:"appended_at"`
}

// AppendIntake takes the next offset of partition and stores the record in
// one transaction. The counter row stays locked until commit, so offsets of
// a partition become visible in order.
func (s *sqlStore) AppendIntake(ctx context.Context, partition int, key string, payload []byte) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append intake p%d: %w", partition, err)
	}
	defer func() { _ = tx.Rollback() }()

	var offset int64
	if err := tx.QueryRowxContext(ctx, tx.Rebind(`
		INSERT INTO intake_partitions (partition_id, last_offset) VALUES (?, 1)
		ON CONFLICT (partition_id) DO UPDATE SET last_offset = intake_partitions.last_offset + 1
		RETURNING last_offset`), partition).Scan(&offset); err != nil {
		return 0, fmt.Errorf("next offset p%d: %w", partition, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO intake_log (partition_id, log_offset, msg_key, payload, appended_at)
		VALUES (?, ?, ?, ?, ?)`),
		partition, offset, key, string(payload), toNanos(s.now())); err != nil {
		return 0, fmt.Errorf("append intake p%d: %w", partition, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append intake p%d: %w", partition, err)
	}
	return offset, nil
}

func (s *sqlStore) ReadIntake(ctx context.Context, partition int, after int64, limit int) ([]IntakeRecord, error) {
	var rows []intakeRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT log_offset, partition_id, msg_key, payload, appended_at FROM intake_log
		WHERE partition_id = ? AND log_offset > ? ORDER BY log_offset ASC LIMIT ?`),
		partition, after, limit); err != nil {
		return nil, fmt.Errorf("read intake p%d: %w", partition, err)
	}
	out := make([]IntakeRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, IntakeRecord{
			Offset:     r.Offset,
			Partition:  r.Partition,
			Key:        r.Key,
			Payload:    []byte(r.Payload),
			AppendedAt: fromNanos(r.AppendedAt),
		})
	}
	return out, nil
}

func (s *sqlStore) CommitIntakeOffset(ctx context.Context, group string, partition int, offset int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO intake_offsets (consumer_group, partition_id, committed, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (consumer_group, partition_id) DO UPDATE SET
			committed = excluded.committed,
			updated_at = excluded.updated_at`),
		group, partition, offset, toNanos(s.now()))
	if err != nil {
		return fmt.Errorf("commit offset %s/p%d: %w", group, partition, err)
	}
	return nil
}

func (s *sqlStore) IntakeOffset(ctx context.Context, group string, partition int) (int64, error) {
	var committed int64
	err := s.db.GetContext(ctx, &committed, s.db.Rebind(`
		SELECT committed FROM intake_offsets WHERE consumer_group = ? AND partition_id = ?`),
		group, partition)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get offset %s/p%d: %w", group, partition, err)
	}
	return committed, nil
}

func (s *sqlStore) AppendDeadLetter(ctx context.Context, rec IntakeRecord, reason string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO intake_dead_letters (partition_id, log_offset, msg_key, payload, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		rec.Partition, rec.Offset, rec.Key, string(rec.Payload), reason, toNanos(s.now()))
	if err != nil {
		return fmt.Errorf("append dead letter p%d@%d: %w", rec.Partition, rec.Offset, err)
	}
	return nil
}

func (s *sqlStore) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []struct {
		ID         int64  `db:"id"`
		Partition  int    `db:"partition_id"`
		Offset     int64  `db:"log_offset"`
		Key        string `db:"msg_key"`
		Payload    string `db:"payload"`
		Reason     string `db:"reason"`
		RecordedAt int64  `db:"recorded_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, partition_id, log_offset, msg_key, payload, reason, recorded_at
		FROM intake_dead_letters ORDER BY id DESC LIMIT ?`), limit); err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]*DeadLetter, 0, len(rows))
	for _, r := range rows {
		out = append(out, &DeadLetter{
			ID:         r.ID,
			Partition:  r.Partition,
			Offset:     r.Offset,
			Key:        r.Key,
			Payload:    []byte(r.Payload),
			Reason:     r.Reason,
			RecordedAt: fromNanos(r.RecordedAt),
		})
	}
	return out, nil
}

// ─── Usage ────────────────────────────────────────────────────────────────────

func (s *sqlStore) AppendUsage(ctx context.Context, rec *UsageRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO inference_usage (case_id, tenant_id, provider, model, tier, input_tokens, output_tokens,
		                             cost_usd, latency_ms, ok, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.CaseID, rec.TenantID, rec.Provider, rec.Model, rec.Tier, rec.InputTokens, rec.OutputTokens,
		rec.CostUSD, rec.LatencyMs, boolInt(rec.OK), toNanos(rec.RecordedAt))
	if err != nil {
		return fmt.Errorf("append usage: %w", err)
	}
	return nil
}

func (s *sqlStore) TenantSpend(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.GetContext(ctx, &total, s.db.Rebind(`
		SELECT SUM(cost_usd) FROM inference_usage
		WHERE tenant_id = ? AND recorded_at >= ? AND recorded_at < ?`),
		tenantID, toNanos(from), toNanos(to))
	if err != nil {
		return 0, fmt.Errorf("tenant spend %s: %w", tenantID, err)
	}
	return total.Float64, nil
}

// ─── Audit ────────────────────────────────────────────────────────────────────

type auditRow struct {
	ID            int64  `db:"id"`
	CorrelationID string `db:"correlation_id"`
	EventType     string `db:"event_type"`
	TenantID      string `db:"tenant_id"`
	Actor         string `db:"actor"`
	Resource      string `db:"resource"`
	ResourceType  string `db:"resource_type"`
	Action        string `db:"action"`
	Description   string `db:"description"`
	Result        string `db:"result"`
	Error         string `db:"error"`
	Metadata      string `db:"metadata"`
	Timestamp     int64  `db:"ts"`
}

func (s *sqlStore) AppendAuditEvent(ctx context.Context, rec *AuditRecord) error {
	meta := rec.Metadata
	if meta == "" {
		meta = "{}"
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO audit_events (correlation_id, event_type, tenant_id, actor, resource, resource_type,
		                          action, description, result, error, metadata, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.CorrelationID, rec.EventType, rec.TenantID, rec.Actor, rec.Resource, rec.ResourceType,
		rec.Action, rec.Description, rec.Result, rec.Error, meta, toNanos(rec.Timestamp))
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *sqlStore) QueryAuditEvents(ctx context.Context, q AuditQuery) ([]*AuditRecord, error) {
	var (
		where []string
		args  []any
	)
	if q.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, q.CorrelationID)
	}
	if q.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, q.EventType)
	}
	query := `SELECT id, correlation_id, event_type, tenant_id, actor, resource, resource_type,
		action, description, result, error, metadata, ts FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	out := make([]*AuditRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, &AuditRecord{
			ID:            r.ID,
			CorrelationID: r.CorrelationID,
			EventType:     r.EventType,
			TenantID:      r.TenantID,
			Actor:         r.Actor,
			Resource:      r.Resource,
			ResourceType:  r.ResourceType,
			Action:        r.Action,
			Description:   r.Description,
			Result:        r.Result,
			Error:         r.Error,
			Metadata:      r.Metadata,
			Timestamp:     fromNanos(r.Timestamp),
		})
	}
	return out, nil
}
