package config

import "time"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8090
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Server.RateLimitPerMinute = 120
	cfg.Server.ShutdownTimeout = 15 * time.Second

	// GRPC defaults
	cfg.GRPC.Enabled = true
	cfg.GRPC.Port = 9090

	// Database defaults
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "/var/lib/orchestrator/orchestrator.db"
	cfg.Database.PostgresURL = ""

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.FilePath = ""
	cfg.Logging.MaxSize = 100 // megabytes
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAge = 30 // days
	cfg.Logging.Compress = true

	// Audit defaults
	cfg.Audit.LogPath = "logs/audit.log"
	cfg.Audit.MaxSize = 100
	cfg.Audit.MaxBackups = 10
	cfg.Audit.MaxAge = 90
	cfg.Audit.Compress = true

	// Tracing defaults (disabled without an endpoint)
	cfg.Tracing.ServiceName = "orchestrator"
	cfg.Tracing.Endpoint = ""
	cfg.Tracing.Protocol = "grpc"
	cfg.Tracing.SamplingRate = 0.1

	// Scheduler defaults
	cfg.Scheduler.Workers = 16
	cfg.Scheduler.ReservedCritical = 2
	cfg.Scheduler.Lanes = map[string]LaneConfig{
		"critical": {Concurrency: 16, MaxBacklog: 1000, TenantQuota: 8},
		"high":     {Concurrency: 8, MaxBacklog: 1000, TenantQuota: 4},
		"normal":   {Concurrency: 6, MaxBacklog: 2000, TenantQuota: 3},
		"low":      {Concurrency: 4, MaxBacklog: 5000, TenantQuota: 2},
	}
	cfg.Scheduler.SeverityLanes = map[string]string{
		"critical": "critical",
		"high":     "high",
		"medium":   "normal",
		"low":      "low",
	}

	// Engine defaults
	cfg.Engine.AutoActionThreshold = 0.85
	cfg.Engine.AllowedActions = []string{"close_benign", "block_indicator", "quarantine_host", "reset_credentials"}
	cfg.Engine.CapPartialEnrichment = true
	cfg.Engine.EnrichmentTimeout = 10 * time.Second
	cfg.Engine.EnrichmentPoolSize = 32
	cfg.Engine.ReasoningBudgets = map[string]time.Duration{
		"critical": 45 * time.Second,
		"high":     60 * time.Second,
		"medium":   90 * time.Second,
		"low":      120 * time.Second,
	}
	cfg.Engine.PersistRetries = 5
	cfg.Engine.PersistBackoff = 100 * time.Millisecond
	cfg.Engine.DispatchRetries = 3
	cfg.Engine.LeaseTTL = 2 * time.Minute
	cfg.Engine.MaxEscalations = 2
	cfg.Engine.PatternsFile = ""
	cfg.Engine.CategoryKinds = map[string]string{
		"phishing":   "triage",
		"malware":    "analysis",
		"intrusion":  "correlation",
		"policy":     "summarize",
		"credential": "analysis",
	}
	cfg.Engine.MultiStepKinds = []string{"correlation", "analysis"}

	// Router defaults
	cfg.Router.TierTableFile = ""
	cfg.Router.Kinds = map[string]string{
		"summarize":   "cheap",
		"triage":      "cheap",
		"analysis":    "mid",
		"correlation": "mid",
		"attribution": "top",
	}
	cfg.Router.Tiers = map[string]TierConfig{
		"cheap": {
			Provider: "local", Model: "llama3",
			FallbackProvider: "openai", FallbackModel: "gpt-4o-mini",
			MaxTokens: 1024, Latency: 10 * time.Second, Temperature: 0.2,
		},
		"mid": {
			Provider: "google", Model: "gemini-2.0-flash",
			FallbackProvider: "openai", FallbackModel: "gpt-4o",
			MaxTokens: 2048, Latency: 30 * time.Second, Temperature: 0.2,
		},
		"top": {
			Provider: "anthropic", Model: "claude-sonnet-4-20250514",
			FallbackProvider: "openai", FallbackModel: "gpt-4o",
			MaxTokens: 4096, Latency: 60 * time.Second, Temperature: 0.0, DeepReasoning: true,
		},
	}
	cfg.Router.TimeBudgetFloor = 10 * time.Second
	cfg.Router.InputCeilingTokens = 8000
	cfg.Router.EscalationThreshold = 0.6
	cfg.Router.EscalationCapPerHour = 50

	// Health defaults
	cfg.Health.FailureThreshold = 5
	cfg.Health.Cooldown = 30 * time.Second

	// Approval defaults
	cfg.Approval.Timeouts = map[string]time.Duration{
		"critical": 1 * time.Hour,
		"high":     4 * time.Hour,
		"medium":   8 * time.Hour,
		"low":      24 * time.Hour,
	}
	cfg.Approval.RequiredTiers = map[string]string{
		"critical": "senior",
		"high":     "senior",
		"medium":   "analyst",
		"low":      "analyst",
	}
	cfg.Approval.SweepInterval = 30 * time.Second

	// Intake defaults
	cfg.Intake.Partitions = 8
	cfg.Intake.PollInterval = 500 * time.Millisecond
	cfg.Intake.BatchSize = 50
	cfg.Intake.ConsumerGroup = "orchestrator"

	// Executor defaults
	cfg.Executor.Type = "log"
	cfg.Executor.WebhookURL = ""
	cfg.Executor.Timeout = 10 * time.Second

	// Budget defaults
	cfg.Budget.PerTenantMonthlyUSD = 0.0 // 0 means no limit
	cfg.Budget.WarnThreshold = 0.8

	return cfg
}
