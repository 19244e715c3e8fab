package cli

import (
	"fmt"
	"time"

	"github.com/kubilitics/kubilitics-orchestrator/internal/approval"
	"github.com/kubilitics/kubilitics-orchestrator/internal/config"
	"github.com/kubilitics/kubilitics-orchestrator/internal/extraction"
	"github.com/kubilitics/kubilitics-orchestrator/internal/investigation"
	"github.com/kubilitics/kubilitics-orchestrator/internal/llm/budget"
	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
	"github.com/kubilitics/kubilitics-orchestrator/internal/router"
	"github.com/kubilitics/kubilitics-orchestrator/internal/scheduler"
)

// The functions below translate the string-keyed configuration sections
// into the typed settings each component takes.

func routingTable(cfg *config.Config) (*router.Table, error) {
	if cfg.Router.TierTableFile != "" {
		t, err := router.LoadTable(cfg.Router.TierTableFile)
		if err != nil {
			return nil, fmt.Errorf("load tier table: %w", err)
		}
		return t, nil
	}
	t, err := router.TableFromConfig(cfg.Router.Kinds, cfg.Router.Tiers)
	if err != nil {
		return nil, fmt.Errorf("router config: %w", err)
	}
	return t, nil
}

func routerThresholds(cfg *config.Config) router.Thresholds {
	return router.Thresholds{
		TimeBudgetFloor:      cfg.Router.TimeBudgetFloor,
		InputCeilingTokens:   cfg.Router.InputCeilingTokens,
		EscalationThreshold:  cfg.Router.EscalationThreshold,
		EscalationCapPerHour: cfg.Router.EscalationCapPerHour,
	}
}

func schedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	out := scheduler.Config{
		Workers:          cfg.Scheduler.Workers,
		ReservedCritical: cfg.Scheduler.ReservedCritical,
		Lanes:            make(map[scheduler.Lane]scheduler.LaneConfig, len(cfg.Scheduler.Lanes)),
		SeverityLanes:    make(map[models.Severity]scheduler.Lane, len(cfg.Scheduler.SeverityLanes)),
	}
	for name, lc := range cfg.Scheduler.Lanes {
		lane, err := scheduler.ParseLane(name)
		if err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.lanes: %w", err)
		}
		out.Lanes[lane] = scheduler.LaneConfig{
			Concurrency: lc.Concurrency,
			MaxBacklog:  lc.MaxBacklog,
			TenantQuota: lc.TenantQuota,
		}
	}
	for sev, name := range cfg.Scheduler.SeverityLanes {
		s, err := models.ParseSeverity(sev)
		if err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.severity_lanes: %w", err)
		}
		lane, err := scheduler.ParseLane(name)
		if err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.severity_lanes: %w", err)
		}
		out.SeverityLanes[s] = lane
	}
	return out, nil
}

func gateConfig(cfg *config.Config) (approval.Config, error) {
	out := approval.Config{
		Timeouts:      make(map[models.Severity]time.Duration, len(cfg.Approval.Timeouts)),
		RequiredTiers: make(map[models.Severity]string, len(cfg.Approval.RequiredTiers)),
		SweepInterval: cfg.Approval.SweepInterval,
	}
	for sev, d := range cfg.Approval.Timeouts {
		s, err := models.ParseSeverity(sev)
		if err != nil {
			return approval.Config{}, fmt.Errorf("approval.timeouts: %w", err)
		}
		out.Timeouts[s] = d
	}
	for sev, tier := range cfg.Approval.RequiredTiers {
		s, err := models.ParseSeverity(sev)
		if err != nil {
			return approval.Config{}, fmt.Errorf("approval.required_tiers: %w", err)
		}
		out.RequiredTiers[s] = tier
	}
	return out, nil
}

func engineConfig(cfg *config.Config) (investigation.Config, error) {
	e := cfg.Engine
	out := investigation.Config{
		Workers:              cfg.Scheduler.Workers,
		AutoActionThreshold:  e.AutoActionThreshold,
		AllowedActions:       e.AllowedActions,
		CapPartialEnrichment: e.CapPartialEnrichment,
		ReasoningBudgets:     make(map[models.Severity]time.Duration, len(e.ReasoningBudgets)),
		PersistRetries:       e.PersistRetries,
		PersistBackoff:       e.PersistBackoff,
		DispatchRetries:      e.DispatchRetries,
		LeaseTTL:             e.LeaseTTL,
		MaxEscalations:       e.MaxEscalations,
		CategoryKinds:        e.CategoryKinds,
		MultiStepKinds:       e.MultiStepKinds,
	}
	for sev, d := range e.ReasoningBudgets {
		s, err := models.ParseSeverity(sev)
		if err != nil {
			return investigation.Config{}, fmt.Errorf("engine.reasoning_budgets: %w", err)
		}
		out.ReasoningBudgets[s] = d
	}
	return out, nil
}

func budgetConfig(cfg *config.Config) budget.Config {
	return budget.Config{
		MonthlyLimitUSD: cfg.Budget.PerTenantMonthlyUSD,
		WarnThreshold:   cfg.Budget.WarnThreshold,
	}
}

func loadPatterns(cfg *config.Config) ([]extraction.Pattern, error) {
	if cfg.Engine.PatternsFile == "" {
		return nil, nil
	}
	patterns, err := extraction.LoadPatterns(cfg.Engine.PatternsFile)
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	return patterns, nil
}
