package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// dialect captures the few DDL differences between SQLite and PostgreSQL.
type dialect struct {
	name   string
	serial string
}

var (
	sqliteDialect   = dialect{name: "sqlite", serial: "INTEGER PRIMARY KEY AUTOINCREMENT"}
	postgresDialect = dialect{name: "postgres", serial: "BIGSERIAL PRIMARY KEY"}
)

// migrations are applied in order and tracked in schema_versions.
// {{serial}} expands to the dialect's auto-increment primary key.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS cases (
    id              TEXT PRIMARY KEY,
    tenant_id       TEXT NOT NULL,
    stage           TEXT NOT NULL,
    severity        TEXT NOT NULL,
    category        TEXT NOT NULL DEFAULT '',
    features        TEXT NOT NULL DEFAULT '{}',
    evidence        TEXT NOT NULL DEFAULT '[]',
    confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
    recommendation  TEXT NOT NULL DEFAULT '',
    degraded        INTEGER NOT NULL DEFAULT 0,
    inference_calls INTEGER NOT NULL DEFAULT 0,
    cost_usd        DOUBLE PRECISION NOT NULL DEFAULT 0,
    outcome         TEXT NOT NULL DEFAULT '',
    version         BIGINT NOT NULL DEFAULT 0,
    lease_owner     TEXT NOT NULL DEFAULT '',
    lease_expires   BIGINT NOT NULL DEFAULT 0,
    created_at      BIGINT NOT NULL,
    updated_at      BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cases_tenant ON cases(tenant_id);
CREATE INDEX IF NOT EXISTS idx_cases_stage ON cases(stage, updated_at);

CREATE TABLE IF NOT EXISTS case_trail (
    case_id     TEXT NOT NULL REFERENCES cases(id),
    seq         INTEGER NOT NULL,
    stage       TEXT NOT NULL,
    next_stage  TEXT NOT NULL,
    actor       TEXT NOT NULL,
    summary     TEXT NOT NULL DEFAULT '',
    routing     TEXT NOT NULL DEFAULT '[]',
    details     TEXT NOT NULL DEFAULT '{}',
    recorded_at BIGINT NOT NULL,
    PRIMARY KEY (case_id, seq)
);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS provider_health (
    provider             TEXT PRIMARY KEY,
    state                TEXT NOT NULL,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    failure_threshold    INTEGER NOT NULL,
    cooldown_ms          BIGINT NOT NULL,
    last_change          BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS approval_requests (
    case_id         TEXT PRIMARY KEY REFERENCES cases(id),
    tenant_id       TEXT NOT NULL,
    proposed_action TEXT NOT NULL,
    parameters      TEXT NOT NULL DEFAULT '{}',
    required_tier   TEXT NOT NULL DEFAULT '',
    reason          TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    created_at      BIGINT NOT NULL,
    deadline        BIGINT NOT NULL,
    resolved_by     TEXT NOT NULL DEFAULT '',
    resolved_at     BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_approvals_pending ON approval_requests(status, deadline);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS intake_log (
    id           {{serial}},
    partition_id INTEGER NOT NULL,
    msg_key      TEXT NOT NULL,
    payload      TEXT NOT NULL,
    appended_at  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_intake_partition ON intake_log(partition_id, id);

CREATE TABLE IF NOT EXISTS intake_offsets (
    consumer_group TEXT NOT NULL,
    partition_id   INTEGER NOT NULL,
    committed      BIGINT NOT NULL,
    updated_at     BIGINT NOT NULL,
    PRIMARY KEY (consumer_group, partition_id)
);

CREATE TABLE IF NOT EXISTS intake_dead_letters (
    id           {{serial}},
    partition_id INTEGER NOT NULL,
    log_offset   BIGINT NOT NULL,
    msg_key      TEXT NOT NULL,
    payload      TEXT NOT NULL,
    reason       TEXT NOT NULL,
    recorded_at  BIGINT NOT NULL
);
`,
	},
	{
		version: 4,
		sql: `
CREATE TABLE IF NOT EXISTS inference_usage (
    id            {{serial}},
    case_id       TEXT NOT NULL DEFAULT '',
    tenant_id     TEXT NOT NULL DEFAULT '',
    provider      TEXT NOT NULL,
    model         TEXT NOT NULL DEFAULT '',
    tier          TEXT NOT NULL DEFAULT '',
    input_tokens  INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
    latency_ms    BIGINT NOT NULL DEFAULT 0,
    ok            INTEGER NOT NULL DEFAULT 1,
    recorded_at   BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_tenant ON inference_usage(tenant_id, recorded_at);

CREATE TABLE IF NOT EXISTS audit_events (
    id             {{serial}},
    correlation_id TEXT NOT NULL DEFAULT '',
    event_type     TEXT NOT NULL,
    tenant_id      TEXT NOT NULL DEFAULT '',
    actor          TEXT NOT NULL DEFAULT '',
    resource       TEXT NOT NULL DEFAULT '',
    resource_type  TEXT NOT NULL DEFAULT '',
    action         TEXT NOT NULL DEFAULT '',
    description    TEXT NOT NULL DEFAULT '',
    result         TEXT NOT NULL DEFAULT '',
    error          TEXT NOT NULL DEFAULT '',
    metadata       TEXT NOT NULL DEFAULT '{}',
    ts             BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_events(correlation_id, id);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);
`,
	},
	{
		// Per-partition offsets handed out under a row lock, so a reader
		// never sees offset n+1 before offset n is committed.
		version: 5,
		sql: `
CREATE TABLE IF NOT EXISTS intake_partitions (
    partition_id INTEGER PRIMARY KEY,
    last_offset  BIGINT NOT NULL
);
ALTER TABLE intake_log ADD COLUMN log_offset BIGINT NOT NULL DEFAULT 0;
UPDATE intake_log SET log_offset = id;
INSERT INTO intake_partitions (partition_id, last_offset)
    SELECT partition_id, MAX(id) FROM intake_log GROUP BY partition_id;
CREATE UNIQUE INDEX IF NOT EXISTS idx_intake_offset ON intake_log(partition_id, log_offset);
`,
	},
}

// sqlStore implements Store on top of sqlx for SQLite and PostgreSQL.
type sqlStore struct {
	db      *sqlx.DB
	dialect dialect
	now     func() time.Time
}

// Options configures Open.
type Options struct {
	Type        string // sqlite | postgres
	SQLitePath  string
	PostgresURL string
}

// Open connects to the configured database and applies migrations.
func Open(opts Options) (Store, error) {
	switch opts.Type {
	case "", "sqlite":
		return NewSQLiteStore(opts.SQLitePath)
	case "postgres":
		return NewPostgresStore(opts.PostgresURL)
	default:
		return nil, fmt.Errorf("unsupported database type %q", opts.Type)
	}
}

// NewSQLiteStore opens (or creates) a SQLite database at path.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection serializes writers and keeps ":memory:" databases intact.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &sqlStore{db: db, dialect: sqliteDialect, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewPostgresStore connects to PostgreSQL using a lib/pq connection string.
func NewPostgresStore(connectionString string) (Store, error) {
	db, err := sqlx.Connect("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &sqlStore{db: db, dialect: postgresDialect, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqlStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at BIGINT NOT NULL
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.Get(&count, s.db.Rebind(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		ddl := strings.ReplaceAll(m.sql, "{{serial}}", s.dialect.serial)
		for _, stmt := range splitStatements(ddl) {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("apply migration %d: %w", m.version, err)
			}
		}

		if _, err := s.db.Exec(s.db.Rebind(`INSERT INTO schema_versions(version, applied_at) VALUES(?, ?)`),
			m.version, toNanos(time.Now())); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func splitStatements(ddl string) []string {
	var out []string
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── helpers ──────────────────────────────────────────────────────────────────

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
