package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-orchestrator/internal/config"
	"github.com/kubilitics/kubilitics-orchestrator/internal/db"
	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
	"github.com/kubilitics/kubilitics-orchestrator/internal/scheduler"
)

// writeConfig writes a minimal config pointing at a fresh SQLite file.
func writeConfig(t *testing.T) (path, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "orchestrator.db")
	path = filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`database:
  type: sqlite
  sqlite_path: %s
audit:
  log_path: %s
grpc:
  enabled: false
`, dbPath, filepath.Join(dir, "audit.log"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path, dbPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCommandWithIO(&out, &errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seedCase(t *testing.T, dbPath, id string, path ...models.Stage) {
	t.Helper()
	store, err := db.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	c := &models.Case{
		ID:        id,
		TenantID:  "acme",
		Stage:     path[0],
		Severity:  models.SeverityHigh,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = store.CreateCase(ctx, c)
	require.NoError(t, err)
	for i := 1; i < len(path); i++ {
		c.Stage = path[i]
		entry := models.DecisionEntry{
			Seq:       i - 1,
			Stage:     path[i-1],
			Next:      path[i],
			Actor:     "engine",
			Summary:   "step",
			Timestamp: now,
		}
		require.NoError(t, store.CommitTransition(ctx, c, entry, int64(i-1)))
	}
}

func TestSchedulerConfigMapsNames(t *testing.T) {
	cfg := config.DefaultConfig()
	sc, err := schedulerConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, cfg.Scheduler.Workers, sc.Workers)
	assert.Equal(t, scheduler.LaneNormal, sc.SeverityLanes[models.SeverityMedium])
	assert.Equal(t, scheduler.LaneCritical, sc.SeverityLanes[models.SeverityCritical])
	assert.Equal(t, cfg.Scheduler.Lanes["low"].MaxBacklog, sc.Lanes[scheduler.LaneLow].MaxBacklog)

	cfg.Scheduler.SeverityLanes["medium"] = "bulk"
	_, err = schedulerConfig(cfg)
	assert.Error(t, err)
}

func TestGateAndEngineConfigParseSeverities(t *testing.T) {
	cfg := config.DefaultConfig()
	gc, err := gateConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, gc.Timeouts[models.SeverityCritical])
	assert.Equal(t, "senior", gc.RequiredTiers[models.SeverityHigh])

	ec, err := engineConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.Engine.AutoActionThreshold, ec.AutoActionThreshold)
	assert.Len(t, ec.ReasoningBudgets, len(cfg.Engine.ReasoningBudgets))

	cfg.Approval.Timeouts["urgent"] = time.Minute
	_, err = gateConfig(cfg)
	assert.Error(t, err)
}

func TestRoutingTableFromDefaults(t *testing.T) {
	table, err := routingTable(config.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, models.TierCheap, table.Kinds["triage"])
	assert.Equal(t, models.TierTop, table.Kinds["attribution"])
}

func TestMigrateCreatesDatabase(t *testing.T) {
	path, dbPath := writeConfig(t)
	out, err := execute(t, "--config", path, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "up to date")
	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	path, _ := writeConfig(t)
	out, err := execute(t, "--config", path, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration ok")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("server:\n  port: 0\n"), 0o644))
	_, err = execute(t, "--config", bad, "validate")
	assert.Error(t, err)
}

func TestCasesListsStoredCases(t *testing.T) {
	path, dbPath := writeConfig(t)
	seedCase(t, dbPath, "c-open", models.StageReceived, models.StageExtracting)
	seedCase(t, dbPath, "c-done", models.StageReceived, models.StageExtracting, models.StageClosed)

	out, err := execute(t, "--config", path, "cases", "--open")
	require.NoError(t, err)
	assert.Contains(t, out, "c-open")
	assert.NotContains(t, out, "c-done")

	out, err = execute(t, "--config", path, "cases", "-o", "json")
	require.NoError(t, err)
	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, 2, body.Count)

	_, err = execute(t, "--config", path, "cases", "--stage", "sleeping")
	assert.Error(t, err)
}

func TestTrailReportsConformance(t *testing.T) {
	path, dbPath := writeConfig(t)
	seedCase(t, dbPath, "good", models.StageReceived, models.StageExtracting, models.StageClosed)
	seedCase(t, dbPath, "bad", models.StageReceived, models.StageReasoning)

	out, err := execute(t, "--config", path, "trail", "good")
	require.NoError(t, err)
	assert.Contains(t, out, "received -> extracting -> closed")
	assert.Contains(t, out, "conforms")

	out, err = execute(t, "--config", path, "trail", "bad", "-o", "json")
	require.Error(t, err)
	var body struct {
		Conforms  bool   `json:"conforms"`
		Violation string `json:"violation"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.False(t, body.Conforms)
	assert.NotEmpty(t, body.Violation)

	_, err = execute(t, "--config", path, "trail", "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestBuildAndApplyReload(t *testing.T) {
	path, _ := writeConfig(t)
	a := &app{configPath: path, stdout: &bytes.Buffer{}, stderr: &bytes.Buffer{}}
	ctx := context.Background()
	_, cfg, err := a.loadConfig(ctx)
	require.NoError(t, err)

	rt, err := build(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer rt.close()
	assert.Nil(t, rt.grpc)

	next := *cfg
	next.Router.EscalationCapPerHour = 5
	assert.NoError(t, rt.apply(&next))

	broken := *cfg
	broken.Engine.ReasoningBudgets = map[string]time.Duration{"urgent": time.Second}
	assert.Error(t, rt.apply(&broken))

	missing := *cfg
	missing.Engine.PatternsFile = filepath.Join(t.TempDir(), "absent.yaml")
	assert.Error(t, rt.apply(&missing))
}

func TestReloadIsAudited(t *testing.T) {
	path, _ := writeConfig(t)
	a := &app{configPath: path, stdout: &bytes.Buffer{}, stderr: &bytes.Buffer{}}
	ctx := context.Background()
	_, cfg, err := a.loadConfig(ctx)
	require.NoError(t, err)

	rt, err := build(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer rt.close()

	require.NoError(t, rt.reload(ctx, cfg))
	broken := *cfg
	broken.Engine.ReasoningBudgets = map[string]time.Duration{"urgent": time.Second}
	require.Error(t, rt.reload(ctx, &broken))
	require.NoError(t, rt.audit.Sync())

	recs, err := rt.store.QueryAuditEvents(ctx, db.AuditQuery{EventType: "config.reload"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	results := []string{recs[0].Result, recs[1].Result}
	assert.ElementsMatch(t, []string{"success", "failure"}, results)
}

func TestProvidersWithoutHistory(t *testing.T) {
	path, _ := writeConfig(t)
	out, err := execute(t, "--config", path, "providers")
	require.NoError(t, err)
	assert.Contains(t, out, "No provider health recorded yet.")
}
