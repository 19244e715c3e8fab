package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Server defaults
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 9090, cfg.GRPC.Port)

	// Database defaults
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.NotEmpty(t, cfg.Database.SQLitePath)

	// Scheduler defaults
	assert.Len(t, cfg.Scheduler.Lanes, 4)
	assert.Equal(t, "normal", cfg.Scheduler.SeverityLanes["medium"])

	// Engine defaults
	assert.Equal(t, 0.85, cfg.Engine.AutoActionThreshold)
	assert.True(t, cfg.Engine.CapPartialEnrichment)

	// Router defaults
	assert.Equal(t, "anthropic", cfg.Router.Tiers["top"].Provider)
	assert.Equal(t, 0.6, cfg.Router.EscalationThreshold)

	// Approval defaults
	assert.Equal(t, time.Hour, cfg.Approval.Timeouts["critical"])

	assert.Empty(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		modifyFn  func(*Config)
		wantError bool
		errorMsg  string
	}{
		{
			name:      "valid default config",
			modifyFn:  func(cfg *Config) {},
			wantError: false,
		},
		{
			name:      "invalid port - too low",
			modifyFn:  func(cfg *Config) { cfg.Server.Port = 0 },
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name:      "grpc port collides with http port",
			modifyFn:  func(cfg *Config) { cfg.GRPC.Port = cfg.Server.Port },
			wantError: true,
			errorMsg:  "must differ from server.port",
		},
		{
			name:      "unknown database type",
			modifyFn:  func(cfg *Config) { cfg.Database.Type = "mysql" },
			wantError: true,
			errorMsg:  "must be 'sqlite' or 'postgres'",
		},
		{
			name:      "postgres without url",
			modifyFn:  func(cfg *Config) { cfg.Database.Type = "postgres" },
			wantError: true,
			errorMsg:  "postgres_url is required",
		},
		{
			name:      "threshold out of range",
			modifyFn:  func(cfg *Config) { cfg.Engine.AutoActionThreshold = 1.5 },
			wantError: true,
			errorMsg:  "auto_action_threshold",
		},
		{
			name: "unknown tier provider",
			modifyFn: func(cfg *Config) {
				tc := cfg.Router.Tiers["mid"]
				tc.Provider = "mystery"
				cfg.Router.Tiers["mid"] = tc
			},
			wantError: true,
			errorMsg:  "unknown provider",
		},
		{
			name:      "kind mapped to unknown tier",
			modifyFn:  func(cfg *Config) { cfg.Router.Kinds["triage"] = "premium" },
			wantError: true,
			errorMsg:  "unknown tier",
		},
		{
			name:      "reserved critical exceeds workers",
			modifyFn:  func(cfg *Config) { cfg.Scheduler.ReservedCritical = cfg.Scheduler.Workers },
			wantError: true,
			errorMsg:  "reserved_critical",
		},
		{
			name:      "webhook executor without url",
			modifyFn:  func(cfg *Config) { cfg.Executor.Type = "webhook" },
			wantError: true,
			errorMsg:  "webhook executor needs a valid URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)

			errs := cfg.Validate()
			if !tt.wantError {
				assert.Empty(t, errs)
				return
			}
			require.NotEmpty(t, errs)
			found := false
			for _, err := range errs {
				if strings.Contains(err.Error(), tt.errorMsg) {
					found = true
				}
			}
			assert.True(t, found, "expected an error containing %q, got %v", tt.errorMsg, errs)
		})
	}
}

func TestConfigManagerLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 7000

database:
  type: sqlite
  sqlite_path: /tmp/orchestrator-test.db

scheduler:
  workers: 4
  reserved_critical: 1
  lanes:
    low:
      concurrency: 1
      max_backlog: 10
      tenant_quota: 1

engine:
  auto_action_threshold: 0.9
  allowed_actions: [close_benign]

router:
  escalation_cap_per_hour: 3
  tiers:
    top:
      provider: openai
      model: gpt-4o

approval:
  timeouts:
    critical: 30m

logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	require.NotNil(t, cfg)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, LaneConfig{Concurrency: 1, MaxBacklog: 10, TenantQuota: 1}, cfg.Scheduler.Lanes["low"])
	// Untouched lanes keep their defaults.
	assert.Equal(t, DefaultConfig().Scheduler.Lanes["critical"], cfg.Scheduler.Lanes["critical"])
	assert.Equal(t, 0.9, cfg.Engine.AutoActionThreshold)
	assert.Equal(t, []string{"close_benign"}, cfg.Engine.AllowedActions)
	assert.Equal(t, 3, cfg.Router.EscalationCapPerHour)
	assert.Equal(t, "openai", cfg.Router.Tiers["top"].Provider)
	assert.Equal(t, "gpt-4o", cfg.Router.Tiers["top"].Model)
	assert.Equal(t, 4096, cfg.Router.Tiers["top"].MaxTokens)
	assert.Equal(t, 30*time.Minute, cfg.Approval.Timeouts["critical"])
	assert.Equal(t, 4*time.Hour, cfg.Approval.Timeouts["high"])
	assert.Equal(t, "debug", cfg.Logging.Level)

	require.NoError(t, mgr.Validate(ctx))
}

func TestConfigManagerEnvironmentOverrides(t *testing.T) {
	t.Setenv("ORCHESTRATOR_SERVER_PORT", "7070")
	t.Setenv("ANTHROPIC_API_KEY", "env-anthropic-key")
	t.Setenv("OLLAMA_BASE_URL", "http://ollama:11434/v1")

	mgr, err := NewConfigManager(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "env-anthropic-key", cfg.Providers.Anthropic.APIKey)
	assert.Equal(t, "http://ollama:11434/v1", cfg.Providers.Local.BaseURL)
}

func TestConfigManagerMissingFile(t *testing.T) {
	mgr, err := NewConfigManager("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)
	assert.Equal(t, DefaultConfig().Engine.AutoActionThreshold, cfg.Engine.AutoActionThreshold)
}

func TestConfigManagerValidation(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 99999\n"), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	err = mgr.Validate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}
