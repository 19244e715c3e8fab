package config

import (
	"fmt"
	"net/url"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

var knownProviders = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"google":    true,
	"local":     true,
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimitPerMinute < 0 {
		add("server.rate_limit_per_minute", "must be >= 0, got %d", c.Server.RateLimitPerMinute)
	}
	if c.GRPC.Enabled && (c.GRPC.Port < 1 || c.GRPC.Port > 65535) {
		add("grpc.port", "port must be between 1 and 65535, got %d", c.GRPC.Port)
	}
	if c.GRPC.Enabled && c.GRPC.Port == c.Server.Port {
		add("grpc.port", "must differ from server.port (%d)", c.Server.Port)
	}

	// Database
	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			add("database.sqlite_path", "sqlite_path is required when type is sqlite")
		}
	case "postgres":
		if c.Database.PostgresURL == "" {
			add("database.postgres_url", "postgres_url is required when type is postgres")
		}
	default:
		add("database.type", "must be 'sqlite' or 'postgres', got %q", c.Database.Type)
	}

	// Logging
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		add("logging.format", "must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Tracing.Protocol != "grpc" && c.Tracing.Protocol != "http" {
		add("tracing.protocol", "must be grpc or http, got %q", c.Tracing.Protocol)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate", "must be within [0, 1], got %v", c.Tracing.SamplingRate)
	}

	// Scheduler
	if c.Scheduler.Workers < 1 {
		add("scheduler.workers", "must be >= 1, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.ReservedCritical < 0 || c.Scheduler.ReservedCritical >= c.Scheduler.Workers {
		add("scheduler.reserved_critical", "must be within [0, workers), got %d", c.Scheduler.ReservedCritical)
	}
	for _, lane := range LaneNames {
		l, ok := c.Scheduler.Lanes[lane]
		if !ok {
			add("scheduler.lanes."+lane, "lane is not configured")
			continue
		}
		if l.Concurrency < 1 {
			add("scheduler.lanes."+lane+".concurrency", "must be >= 1, got %d", l.Concurrency)
		}
		if l.MaxBacklog < 1 {
			add("scheduler.lanes."+lane+".max_backlog", "must be >= 1, got %d", l.MaxBacklog)
		}
		if l.TenantQuota < 1 {
			add("scheduler.lanes."+lane+".tenant_quota", "must be >= 1, got %d", l.TenantQuota)
		}
	}
	for _, sev := range SeverityNames {
		lane := c.Scheduler.SeverityLanes[sev]
		if _, ok := c.Scheduler.Lanes[lane]; !ok {
			add("scheduler.severity_lanes."+sev, "unknown lane %q", lane)
		}
	}

	// Engine
	if c.Engine.AutoActionThreshold <= 0 || c.Engine.AutoActionThreshold > 1 {
		add("engine.auto_action_threshold", "must be within (0, 1], got %v", c.Engine.AutoActionThreshold)
	}
	if c.Engine.EnrichmentTimeout <= 0 {
		add("engine.enrichment_timeout", "must be positive")
	}
	if c.Engine.EnrichmentPoolSize < 1 {
		add("engine.enrichment_pool_size", "must be >= 1, got %d", c.Engine.EnrichmentPoolSize)
	}
	if c.Engine.PersistRetries < 0 {
		add("engine.persist_retries", "must be >= 0, got %d", c.Engine.PersistRetries)
	}
	if c.Engine.LeaseTTL <= 0 {
		add("engine.lease_ttl", "must be positive")
	}
	for _, sev := range SeverityNames {
		if c.Engine.ReasoningBudgets[sev] <= 0 {
			add("engine.reasoning_budgets."+sev, "must be positive")
		}
	}
	for _, u := range []struct{ field, value string }{
		{"engine.context_lookup_url", c.Engine.ContextLookupURL},
		{"engine.cross_reference_url", c.Engine.CrossReferenceURL},
	} {
		if u.value == "" {
			continue
		}
		if _, err := url.ParseRequestURI(u.value); err != nil {
			add(u.field, "invalid URL: %v", err)
		}
	}

	// Router
	for _, tier := range TierNames {
		tc, ok := c.Router.Tiers[tier]
		if !ok || tc.Provider == "" {
			add("router.tiers."+tier+".provider", "tier has no primary provider")
			continue
		}
		if !knownProviders[tc.Provider] {
			add("router.tiers."+tier+".provider", "unknown provider %q", tc.Provider)
		}
		if tc.FallbackProvider != "" && !knownProviders[tc.FallbackProvider] {
			add("router.tiers."+tier+".fallback_provider", "unknown provider %q", tc.FallbackProvider)
		}
		if tc.MaxTokens < 1 {
			add("router.tiers."+tier+".max_tokens", "must be >= 1, got %d", tc.MaxTokens)
		}
		if tc.Latency <= 0 {
			add("router.tiers."+tier+".latency", "must be positive")
		}
	}
	for kind, tier := range c.Router.Kinds {
		if !isTier(tier) {
			add("router.kinds."+kind, "unknown tier %q", tier)
		}
	}
	if c.Router.EscalationThreshold < 0 || c.Router.EscalationThreshold > 1 {
		add("router.escalation_threshold", "must be within [0, 1], got %v", c.Router.EscalationThreshold)
	}
	if c.Router.EscalationCapPerHour < 0 {
		add("router.escalation_cap_per_hour", "must be >= 0, got %d", c.Router.EscalationCapPerHour)
	}

	// Health
	if c.Health.FailureThreshold < 1 {
		add("health.failure_threshold", "must be >= 1, got %d", c.Health.FailureThreshold)
	}
	if c.Health.Cooldown <= 0 {
		add("health.cooldown", "must be positive")
	}

	// Approval
	for _, sev := range SeverityNames {
		if c.Approval.Timeouts[sev] <= 0 {
			add("approval.timeouts."+sev, "must be positive")
		}
	}
	if c.Approval.SweepInterval <= 0 {
		add("approval.sweep_interval", "must be positive")
	}

	// Intake
	if c.Intake.Partitions < 1 {
		add("intake.partitions", "must be >= 1, got %d", c.Intake.Partitions)
	}
	if c.Intake.BatchSize < 1 {
		add("intake.batch_size", "must be >= 1, got %d", c.Intake.BatchSize)
	}

	// Executor
	switch c.Executor.Type {
	case "log":
	case "webhook":
		if _, err := url.ParseRequestURI(c.Executor.WebhookURL); err != nil {
			add("executor.webhook_url", "webhook executor needs a valid URL: %v", err)
		}
	default:
		add("executor.type", "must be 'log' or 'webhook', got %q", c.Executor.Type)
	}

	// Budget
	if c.Budget.PerTenantMonthlyUSD < 0 {
		add("budget.per_tenant_monthly_usd", "must be >= 0, got %v", c.Budget.PerTenantMonthlyUSD)
	}

	return errs
}

func isTier(s string) bool {
	for _, t := range TierNames {
		if t == s {
			return true
		}
	}
	return false
}
