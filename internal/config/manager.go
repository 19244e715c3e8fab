package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	mu         sync.RWMutex
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
	watchOnce  sync.Once
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("ORCHESTRATOR")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// A missing config file is fine: defaults and environment still apply.
	if err := m.viper.ReadInConfig(); err != nil && !isNotFound(err) {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

func isNotFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf) || os.IsNotExist(err)
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches the config file and publishes each valid reload.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.watchOnce.Do(func() {
		m.viper.OnConfigChange(func(e fsnotify.Event) {
			if ctx.Err() != nil {
				return
			}
			if err := m.unmarshalConfig(); err != nil {
				return
			}
			m.applyEnvOverrides()
			cfg := *m.Get(ctx)
			if errs := cfg.Validate(); len(errs) > 0 {
				return
			}
			select {
			case m.watchChan <- cfg:
			default:
				// Channel full, the consumer will pick up the next change.
			}
		})
		m.viper.WatchConfig()
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil && !isNotFound(err) {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	d := DefaultConfig()
	v := m.viper

	// Server defaults
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.rate_limit_per_minute", d.Server.RateLimitPerMinute)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	// GRPC defaults
	v.SetDefault("grpc.enabled", d.GRPC.Enabled)
	v.SetDefault("grpc.port", d.GRPC.Port)

	// Database defaults
	v.SetDefault("database.type", d.Database.Type)
	v.SetDefault("database.sqlite_path", d.Database.SQLitePath)
	v.SetDefault("database.postgres_url", d.Database.PostgresURL)

	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file_path", d.Logging.FilePath)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)

	// Audit defaults
	v.SetDefault("audit.log_path", d.Audit.LogPath)
	v.SetDefault("audit.max_size", d.Audit.MaxSize)
	v.SetDefault("audit.max_backups", d.Audit.MaxBackups)
	v.SetDefault("audit.max_age", d.Audit.MaxAge)
	v.SetDefault("audit.compress", d.Audit.Compress)

	// Tracing defaults
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.protocol", d.Tracing.Protocol)
	v.SetDefault("tracing.sampling_rate", d.Tracing.SamplingRate)

	// Scheduler defaults
	v.SetDefault("scheduler.workers", d.Scheduler.Workers)
	v.SetDefault("scheduler.reserved_critical", d.Scheduler.ReservedCritical)
	for _, lane := range LaneNames {
		l := d.Scheduler.Lanes[lane]
		v.SetDefault("scheduler.lanes."+lane+".concurrency", l.Concurrency)
		v.SetDefault("scheduler.lanes."+lane+".max_backlog", l.MaxBacklog)
		v.SetDefault("scheduler.lanes."+lane+".tenant_quota", l.TenantQuota)
	}
	for _, sev := range SeverityNames {
		v.SetDefault("scheduler.severity_lanes."+sev, d.Scheduler.SeverityLanes[sev])
	}

	// Engine defaults
	v.SetDefault("engine.auto_action_threshold", d.Engine.AutoActionThreshold)
	v.SetDefault("engine.allowed_actions", d.Engine.AllowedActions)
	v.SetDefault("engine.cap_partial_enrichment", d.Engine.CapPartialEnrichment)
	v.SetDefault("engine.enrichment_timeout", d.Engine.EnrichmentTimeout)
	v.SetDefault("engine.enrichment_pool_size", d.Engine.EnrichmentPoolSize)
	for _, sev := range SeverityNames {
		v.SetDefault("engine.reasoning_budgets."+sev, d.Engine.ReasoningBudgets[sev])
	}
	v.SetDefault("engine.persist_retries", d.Engine.PersistRetries)
	v.SetDefault("engine.persist_backoff", d.Engine.PersistBackoff)
	v.SetDefault("engine.dispatch_retries", d.Engine.DispatchRetries)
	v.SetDefault("engine.lease_ttl", d.Engine.LeaseTTL)
	v.SetDefault("engine.max_escalations", d.Engine.MaxEscalations)
	v.SetDefault("engine.patterns_file", d.Engine.PatternsFile)
	v.SetDefault("engine.category_kinds", d.Engine.CategoryKinds)
	v.SetDefault("engine.multi_step_kinds", d.Engine.MultiStepKinds)
	v.SetDefault("engine.context_lookup_url", d.Engine.ContextLookupURL)
	v.SetDefault("engine.cross_reference_url", d.Engine.CrossReferenceURL)

	// Router defaults
	v.SetDefault("router.tier_table_file", d.Router.TierTableFile)
	v.SetDefault("router.kinds", d.Router.Kinds)
	for _, tier := range TierNames {
		tc := d.Router.Tiers[tier]
		prefix := "router.tiers." + tier + "."
		v.SetDefault(prefix+"provider", tc.Provider)
		v.SetDefault(prefix+"model", tc.Model)
		v.SetDefault(prefix+"fallback_provider", tc.FallbackProvider)
		v.SetDefault(prefix+"fallback_model", tc.FallbackModel)
		v.SetDefault(prefix+"max_tokens", tc.MaxTokens)
		v.SetDefault(prefix+"latency", tc.Latency)
		v.SetDefault(prefix+"temperature", tc.Temperature)
		v.SetDefault(prefix+"deep_reasoning", tc.DeepReasoning)
	}
	v.SetDefault("router.time_budget_floor", d.Router.TimeBudgetFloor)
	v.SetDefault("router.input_ceiling_tokens", d.Router.InputCeilingTokens)
	v.SetDefault("router.escalation_threshold", d.Router.EscalationThreshold)
	v.SetDefault("router.escalation_cap_per_hour", d.Router.EscalationCapPerHour)

	// Provider defaults
	v.SetDefault("providers.anthropic.api_key", "")
	v.SetDefault("providers.anthropic.base_url", "")
	v.SetDefault("providers.openai.api_key", "")
	v.SetDefault("providers.openai.base_url", "")
	v.SetDefault("providers.google.api_key", "")
	v.SetDefault("providers.local.base_url", "http://localhost:11434/v1")

	// Health defaults
	v.SetDefault("health.failure_threshold", d.Health.FailureThreshold)
	v.SetDefault("health.cooldown", d.Health.Cooldown)

	// Approval defaults
	for _, sev := range SeverityNames {
		v.SetDefault("approval.timeouts."+sev, d.Approval.Timeouts[sev])
		v.SetDefault("approval.required_tiers."+sev, d.Approval.RequiredTiers[sev])
	}
	v.SetDefault("approval.sweep_interval", d.Approval.SweepInterval)

	// Intake defaults
	v.SetDefault("intake.partitions", d.Intake.Partitions)
	v.SetDefault("intake.poll_interval", d.Intake.PollInterval)
	v.SetDefault("intake.batch_size", d.Intake.BatchSize)
	v.SetDefault("intake.consumer_group", d.Intake.ConsumerGroup)

	// Executor defaults
	v.SetDefault("executor.type", d.Executor.Type)
	v.SetDefault("executor.webhook_url", d.Executor.WebhookURL)
	v.SetDefault("executor.timeout", d.Executor.Timeout)

	// Budget defaults
	v.SetDefault("budget.per_tenant_monthly_usd", d.Budget.PerTenantMonthlyUSD)
	v.SetDefault("budget.warn_threshold", d.Budget.WarnThreshold)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}
	v := m.viper

	// Server
	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	cfg.Server.RateLimitPerMinute = v.GetInt("server.rate_limit_per_minute")
	cfg.Server.ShutdownTimeout = v.GetDuration("server.shutdown_timeout")

	// GRPC
	cfg.GRPC.Enabled = v.GetBool("grpc.enabled")
	cfg.GRPC.Port = v.GetInt("grpc.port")

	// Database
	cfg.Database.Type = v.GetString("database.type")
	cfg.Database.SQLitePath = v.GetString("database.sqlite_path")
	cfg.Database.PostgresURL = v.GetString("database.postgres_url")

	// Logging
	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Format = v.GetString("logging.format")
	cfg.Logging.FilePath = v.GetString("logging.file_path")
	cfg.Logging.MaxSize = v.GetInt("logging.max_size")
	cfg.Logging.MaxBackups = v.GetInt("logging.max_backups")
	cfg.Logging.MaxAge = v.GetInt("logging.max_age")
	cfg.Logging.Compress = v.GetBool("logging.compress")

	// Audit
	cfg.Audit.LogPath = v.GetString("audit.log_path")
	cfg.Audit.MaxSize = v.GetInt("audit.max_size")
	cfg.Audit.MaxBackups = v.GetInt("audit.max_backups")
	cfg.Audit.MaxAge = v.GetInt("audit.max_age")
	cfg.Audit.Compress = v.GetBool("audit.compress")

	// Tracing
	cfg.Tracing.ServiceName = v.GetString("tracing.service_name")
	cfg.Tracing.Endpoint = v.GetString("tracing.endpoint")
	cfg.Tracing.Protocol = v.GetString("tracing.protocol")
	cfg.Tracing.SamplingRate = v.GetFloat64("tracing.sampling_rate")

	// Scheduler
	cfg.Scheduler.Workers = v.GetInt("scheduler.workers")
	cfg.Scheduler.ReservedCritical = v.GetInt("scheduler.reserved_critical")
	cfg.Scheduler.Lanes = make(map[string]LaneConfig, len(LaneNames))
	for _, lane := range LaneNames {
		cfg.Scheduler.Lanes[lane] = LaneConfig{
			Concurrency: v.GetInt("scheduler.lanes." + lane + ".concurrency"),
			MaxBacklog:  v.GetInt("scheduler.lanes." + lane + ".max_backlog"),
			TenantQuota: v.GetInt("scheduler.lanes." + lane + ".tenant_quota"),
		}
	}
	cfg.Scheduler.SeverityLanes = make(map[string]string, len(SeverityNames))
	for _, sev := range SeverityNames {
		cfg.Scheduler.SeverityLanes[sev] = v.GetString("scheduler.severity_lanes." + sev)
	}

	// Engine
	cfg.Engine.AutoActionThreshold = v.GetFloat64("engine.auto_action_threshold")
	cfg.Engine.AllowedActions = v.GetStringSlice("engine.allowed_actions")
	cfg.Engine.CapPartialEnrichment = v.GetBool("engine.cap_partial_enrichment")
	cfg.Engine.EnrichmentTimeout = v.GetDuration("engine.enrichment_timeout")
	cfg.Engine.EnrichmentPoolSize = v.GetInt("engine.enrichment_pool_size")
	cfg.Engine.ReasoningBudgets = durationsBySeverity(v, "engine.reasoning_budgets.")
	cfg.Engine.PersistRetries = v.GetInt("engine.persist_retries")
	cfg.Engine.PersistBackoff = v.GetDuration("engine.persist_backoff")
	cfg.Engine.DispatchRetries = v.GetInt("engine.dispatch_retries")
	cfg.Engine.LeaseTTL = v.GetDuration("engine.lease_ttl")
	cfg.Engine.MaxEscalations = v.GetInt("engine.max_escalations")
	cfg.Engine.PatternsFile = v.GetString("engine.patterns_file")
	cfg.Engine.CategoryKinds = v.GetStringMapString("engine.category_kinds")
	cfg.Engine.MultiStepKinds = v.GetStringSlice("engine.multi_step_kinds")
	cfg.Engine.ContextLookupURL = v.GetString("engine.context_lookup_url")
	cfg.Engine.CrossReferenceURL = v.GetString("engine.cross_reference_url")

	// Router
	cfg.Router.TierTableFile = v.GetString("router.tier_table_file")
	cfg.Router.Kinds = v.GetStringMapString("router.kinds")
	cfg.Router.Tiers = make(map[string]TierConfig, len(TierNames))
	for _, tier := range TierNames {
		prefix := "router.tiers." + tier + "."
		cfg.Router.Tiers[tier] = TierConfig{
			Provider:         v.GetString(prefix + "provider"),
			Model:            v.GetString(prefix + "model"),
			FallbackProvider: v.GetString(prefix + "fallback_provider"),
			FallbackModel:    v.GetString(prefix + "fallback_model"),
			MaxTokens:        v.GetInt(prefix + "max_tokens"),
			Latency:          v.GetDuration(prefix + "latency"),
			Temperature:      v.GetFloat64(prefix + "temperature"),
			DeepReasoning:    v.GetBool(prefix + "deep_reasoning"),
		}
	}
	cfg.Router.TimeBudgetFloor = v.GetDuration("router.time_budget_floor")
	cfg.Router.InputCeilingTokens = v.GetInt("router.input_ceiling_tokens")
	cfg.Router.EscalationThreshold = v.GetFloat64("router.escalation_threshold")
	cfg.Router.EscalationCapPerHour = v.GetInt("router.escalation_cap_per_hour")

	// Providers
	cfg.Providers.Anthropic.APIKey = v.GetString("providers.anthropic.api_key")
	cfg.Providers.Anthropic.BaseURL = v.GetString("providers.anthropic.base_url")
	cfg.Providers.OpenAI.APIKey = v.GetString("providers.openai.api_key")
	cfg.Providers.OpenAI.BaseURL = v.GetString("providers.openai.base_url")
	cfg.Providers.Google.APIKey = v.GetString("providers.google.api_key")
	cfg.Providers.Local.BaseURL = v.GetString("providers.local.base_url")

	// Health
	cfg.Health.FailureThreshold = v.GetInt("health.failure_threshold")
	cfg.Health.Cooldown = v.GetDuration("health.cooldown")

	// Approval
	cfg.Approval.Timeouts = durationsBySeverity(v, "approval.timeouts.")
	cfg.Approval.RequiredTiers = make(map[string]string, len(SeverityNames))
	for _, sev := range SeverityNames {
		cfg.Approval.RequiredTiers[sev] = v.GetString("approval.required_tiers." + sev)
	}
	cfg.Approval.SweepInterval = v.GetDuration("approval.sweep_interval")

	// Intake
	cfg.Intake.Partitions = v.GetInt("intake.partitions")
	cfg.Intake.PollInterval = v.GetDuration("intake.poll_interval")
	cfg.Intake.BatchSize = v.GetInt("intake.batch_size")
	cfg.Intake.ConsumerGroup = v.GetString("intake.consumer_group")

	// Executor
	cfg.Executor.Type = v.GetString("executor.type")
	cfg.Executor.WebhookURL = v.GetString("executor.webhook_url")
	cfg.Executor.Timeout = v.GetDuration("executor.timeout")

	// Budget
	cfg.Budget.PerTenantMonthlyUSD = v.GetFloat64("budget.per_tenant_monthly_usd")
	cfg.Budget.WarnThreshold = v.GetFloat64("budget.warn_threshold")

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

func durationsBySeverity(v *viper.Viper, prefix string) map[string]time.Duration {
	out := make(map[string]time.Duration, len(SeverityNames))
	for _, sev := range SeverityNames {
		out[sev] = v.GetDuration(prefix + sev)
	}
	return out
}

// applyEnvOverrides applies environment variable overrides for sensitive data.
func (m *viperConfigManager) applyEnvOverrides() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" && m.config.Providers.Anthropic.APIKey == "" {
		m.config.Providers.Anthropic.APIKey = apiKey
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" && m.config.Providers.OpenAI.APIKey == "" {
		m.config.Providers.OpenAI.APIKey = apiKey
	}
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" && m.config.Providers.Google.APIKey == "" {
		m.config.Providers.Google.APIKey = apiKey
	}
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		m.config.Providers.Local.BaseURL = baseURL
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" && m.config.Database.PostgresURL == "" {
		m.config.Database.PostgresURL = dsn
	}
}
