package config

import (
	"context"
	"time"
)

// Package config provides configuration management for the orchestrator.
//
// Responsibilities:
//   - Load configuration from YAML files, environment variables, and CLI flags
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support configuration reloading for thresholds and timeouts
//   - Manage sensitive data (provider API keys, database credentials)
//   - Establish reasonable defaults
//
// Configuration Sources (priority order, high to low):
//   1. CLI flags (highest priority)
//   2. Environment variables (ORCHESTRATOR_* prefix)
//   3. YAML config file (default: /etc/orchestrator/config.yaml)
//   4. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server / GRPC: HTTP API, WebSocket audit stream and gRPC health ports
//   2. Database: "sqlite" | "postgres"
//   3. Logging / Audit / Tracing: zap levels, rotation, OTLP endpoint
//   4. Scheduler: worker count, per-lane caps, backlog ceilings, tenant quotas
//   5. Engine: auto-action threshold, allow-list, enrichment budget, retries
//   6. Router: tier table, override thresholds, escalation cap
//   7. Providers: API keys and endpoints per inference backend
//   8. Health: breaker threshold and cool-down
//   9. Approval: per-severity timeouts, sweep interval, approver tiers
//  10. Intake: partitions and polling of the intake log
//  11. Executor: where action requests are sent
//  12. Budget: per-tenant monthly inference spend

// LaneNames lists the scheduler lanes in priority order.
var LaneNames = []string{"critical", "high", "normal", "low"}

// SeverityNames lists the case severities from most to least urgent.
var SeverityNames = []string{"critical", "high", "medium", "low"}

// TierNames lists the inference tiers from cheapest to most capable.
var TierNames = []string{"cheap", "mid", "top"}

// LaneConfig bounds one scheduler lane.
type LaneConfig struct {
	Concurrency int
	MaxBacklog  int
	TenantQuota int
}

// TierConfig binds a tier to its primary and fallback backends.
type TierConfig struct {
	Provider         string
	Model            string
	FallbackProvider string
	FallbackModel    string
	MaxTokens        int
	Latency          time.Duration
	Temperature      float64
	DeepReasoning    bool
}

// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Host string
		Port int
		// AllowedOrigins is the CORS allow-list. Use ["*"] for development only.
		AllowedOrigins     []string
		RateLimitPerMinute int
		ShutdownTimeout    time.Duration
	}

	// GRPC health service
	GRPC struct {
		Enabled bool
		Port    int
	}

	// Database configuration
	Database struct {
		Type        string
		SQLitePath  string
		PostgresURL string
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		FilePath   string
		MaxSize    int
		MaxBackups int
		MaxAge     int
		Compress   bool
	}

	// Audit log configuration
	Audit struct {
		LogPath    string
		MaxSize    int
		MaxBackups int
		MaxAge     int
		Compress   bool
	}

	// Tracing configuration
	Tracing struct {
		ServiceName  string
		Endpoint     string
		Protocol     string // grpc | http
		SamplingRate float64
	}

	// Scheduler configuration
	Scheduler struct {
		Workers          int
		ReservedCritical int
		Lanes            map[string]LaneConfig
		// SeverityLanes maps case severity to lane.
		SeverityLanes map[string]string
	}

	// Engine configuration
	Engine struct {
		AutoActionThreshold  float64
		AllowedActions       []string
		CapPartialEnrichment bool
		EnrichmentTimeout    time.Duration
		EnrichmentPoolSize   int
		ReasoningBudgets     map[string]time.Duration
		PersistRetries       int
		PersistBackoff       time.Duration
		DispatchRetries      int
		LeaseTTL             time.Duration
		MaxEscalations       int
		PatternsFile         string
		// CategoryKinds maps a case category to the router task kind.
		CategoryKinds map[string]string
		// MultiStepKinds lists task kinds that require multi-step reasoning.
		MultiStepKinds    []string
		ContextLookupURL  string
		CrossReferenceURL string
	}

	// Router configuration
	Router struct {
		TierTableFile        string
		Kinds                map[string]string
		Tiers                map[string]TierConfig
		TimeBudgetFloor      time.Duration
		InputCeilingTokens   int
		EscalationThreshold  float64
		EscalationCapPerHour int
	}

	// Inference provider credentials and endpoints
	Providers struct {
		Anthropic struct {
			APIKey  string
			BaseURL string
		}
		OpenAI struct {
			APIKey  string
			BaseURL string
		}
		Google struct {
			APIKey string
		}
		Local struct {
			BaseURL string
		}
	}

	// Health tracker configuration
	Health struct {
		FailureThreshold int
		Cooldown         time.Duration
	}

	// Approval gate configuration
	Approval struct {
		Timeouts      map[string]time.Duration
		RequiredTiers map[string]string
		SweepInterval time.Duration
	}

	// Intake configuration
	Intake struct {
		Partitions    int
		PollInterval  time.Duration
		BatchSize     int
		ConsumerGroup string
	}

	// Executor configuration
	Executor struct {
		Type       string
		WebhookURL string
		Timeout    time.Duration
	}

	// Budget configuration
	Budget struct {
		PerTenantMonthlyUSD float64
		WarnThreshold       float64
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/orchestrator/config.yaml")
}
