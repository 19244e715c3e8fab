package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-orchestrator/internal/approval"
	"github.com/kubilitics/kubilitics-orchestrator/internal/audit"
	"github.com/kubilitics/kubilitics-orchestrator/internal/config"
	"github.com/kubilitics/kubilitics-orchestrator/internal/db"
	"github.com/kubilitics/kubilitics-orchestrator/internal/enrichment"
	"github.com/kubilitics/kubilitics-orchestrator/internal/eventlog"
	"github.com/kubilitics/kubilitics-orchestrator/internal/executor"
	"github.com/kubilitics/kubilitics-orchestrator/internal/extraction"
	"github.com/kubilitics/kubilitics-orchestrator/internal/health"
	"github.com/kubilitics/kubilitics-orchestrator/internal/intake"
	"github.com/kubilitics/kubilitics-orchestrator/internal/investigation"
	"github.com/kubilitics/kubilitics-orchestrator/internal/llm/budget"
	"github.com/kubilitics/kubilitics-orchestrator/internal/llm/provider"
	"github.com/kubilitics/kubilitics-orchestrator/internal/llm/tokens"
	"github.com/kubilitics/kubilitics-orchestrator/internal/logging"
	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
	"github.com/kubilitics/kubilitics-orchestrator/internal/router"
	"github.com/kubilitics/kubilitics-orchestrator/internal/scheduler"
	"github.com/kubilitics/kubilitics-orchestrator/internal/server"
	"github.com/kubilitics/kubilitics-orchestrator/internal/tracing"
)

// tokenEncoding is the tiktoken encoding used for prompt size estimates.
const tokenEncoding = "cl100k_base"

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run intake, the case engine and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  cfg.Tracing.ServiceName,
		Endpoint:     cfg.Tracing.Endpoint,
		Protocol:     cfg.Tracing.Protocol,
		SamplingRate: cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("Tracer shutdown failed", zap.Error(err))
		}
	}()

	rt, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	logger.Info("Starting orchestrator",
		zap.String("version", Version),
		zap.Int("port", cfg.Server.Port),
		zap.Strings("providers", rt.providers),
		zap.String("database", cfg.Database.Type))
	return rt.run(ctx, mgr.Watch(ctx))
}

// runtime holds every long-lived component of a serving process.
type runtime struct {
	cfg       *config.Config
	logger    *zap.Logger
	providers []string

	store   db.Store
	audit   audit.Logger
	health  *health.Tracker
	router  *router.Router
	budget  *budget.Tracker
	sched   *scheduler.Scheduler
	gate    *approval.Gate
	matcher *extraction.Matcher
	engine  *investigation.Engine
	intake  *intake.Consumer
	server  *server.Server
	grpc    *server.HealthService
}

// build wires the components from cfg. The caller owns close.
func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			rt.close()
		}
	}()

	var err error
	if rt.store, err = openStore(cfg); err != nil {
		return nil, err
	}
	rt.audit, err = audit.NewLogger(&audit.Config{
		AuditLogPath: cfg.Audit.LogPath,
		MaxSize:      cfg.Audit.MaxSize,
		MaxBackups:   cfg.Audit.MaxBackups,
		MaxAge:       cfg.Audit.MaxAge,
		Compress:     cfg.Audit.Compress,
	}, rt.store, logger)
	if err != nil {
		return nil, fmt.Errorf("init audit log: %w", err)
	}

	registry, err := provider.FromCredentials(ctx, provider.Credentials{
		AnthropicAPIKey:  cfg.Providers.Anthropic.APIKey,
		AnthropicBaseURL: cfg.Providers.Anthropic.BaseURL,
		OpenAIAPIKey:     cfg.Providers.OpenAI.APIKey,
		OpenAIBaseURL:    cfg.Providers.OpenAI.BaseURL,
		GoogleAPIKey:     cfg.Providers.Google.APIKey,
		LocalBaseURL:     cfg.Providers.Local.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("init providers: %w", err)
	}
	rt.providers = registry.Names()
	if len(rt.providers) == 0 {
		logger.Warn("No inference provider configured, every reasoned case will wait for approval")
	}

	rt.health = health.NewTracker(health.Config{
		FailureThreshold: cfg.Health.FailureThreshold,
		Cooldown:         cfg.Health.Cooldown,
	}, rt.providers, rt.store, logger)
	auditLog := rt.audit
	rt.health.OnChange(func(name string, from, to models.BreakerState) {
		if err := auditLog.LogHealthChange(context.Background(), name, from, to); err != nil {
			logger.Warn("Failed to audit breaker change", zap.String("provider", name), zap.Error(err))
		}
	})
	if err := rt.health.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore provider health: %w", err)
	}

	table, err := routingTable(cfg)
	if err != nil {
		return nil, err
	}
	rt.router = router.New(table, routerThresholds(cfg), rt.health, logger)
	rt.budget = budget.NewTracker(budgetConfig(cfg), rt.store, logger)
	dispatcher := router.NewDispatcher(rt.router, registry, rt.health, rt.budget, logger)

	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	rt.sched = scheduler.New(schedCfg, logger)

	gateCfg, err := gateConfig(cfg)
	if err != nil {
		return nil, err
	}
	rt.gate = approval.NewGate(gateCfg, rt.store, rt.audit, logger)

	exec, err := executor.New(executor.Config{
		Type:       cfg.Executor.Type,
		WebhookURL: cfg.Executor.WebhookURL,
		Timeout:    cfg.Executor.Timeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init executor: %w", err)
	}

	patterns, err := loadPatterns(cfg)
	if err != nil {
		return nil, err
	}
	if rt.matcher, err = extraction.NewMatcher(patterns); err != nil {
		return nil, fmt.Errorf("patterns: %w", err)
	}

	engCfg, err := engineConfig(cfg)
	if err != nil {
		return nil, err
	}
	rt.engine, err = investigation.New(engCfg, investigation.Deps{
		Store:     rt.store,
		Scheduler: rt.sched,
		Reasoner:  dispatcher,
		Gate:      rt.gate,
		Executor:  exec,
		Enricher:  enrichmentPool(cfg, logger),
		Patterns:  rt.matcher,
		Budget:    rt.budget,
		Tokens:    tokens.NewEstimator(tokenEncoding, logger),
		Audit:     rt.audit,
	}, logger)
	if err != nil {
		return nil, err
	}

	intakeLog := eventlog.New(rt.store, cfg.Intake.Partitions)
	rt.intake = intake.NewConsumer(intake.Config{
		Group:        cfg.Intake.ConsumerGroup,
		PollInterval: cfg.Intake.PollInterval,
		BatchSize:    cfg.Intake.BatchSize,
	}, intakeLog, rt.engine, rt.audit, logger)

	rt.server, err = server.New(server.Config{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		ShutdownTimeout:    cfg.Server.ShutdownTimeout,
	}, server.Deps{
		Store:     rt.store,
		Gate:      rt.gate,
		Scheduler: rt.sched,
		Health:    rt.health,
		Intake:    intakeLog,
		Audit:     rt.audit,
	}, logger)
	if err != nil {
		return nil, err
	}
	if cfg.GRPC.Enabled {
		rt.grpc = server.NewHealthService(cfg.GRPC.Port, rt.health, logger)
	}
	ok = true
	return rt, nil
}

func enrichmentPool(cfg *config.Config, logger *zap.Logger) *enrichment.Pool {
	enrichers := []enrichment.Enricher{enrichment.NewTaxonomyMapper(nil)}
	client := enrichment.NewHTTPClient(cfg.Engine.EnrichmentTimeout)
	if cfg.Engine.ContextLookupURL != "" {
		enrichers = append(enrichers, enrichment.NewHTTPEnricher("context_lookup", cfg.Engine.ContextLookupURL, client))
	}
	if cfg.Engine.CrossReferenceURL != "" {
		enrichers = append(enrichers, enrichment.NewHTTPEnricher("cross_reference", cfg.Engine.CrossReferenceURL, client))
	}
	return enrichment.NewPool(cfg.Engine.EnrichmentPoolSize, cfg.Engine.EnrichmentTimeout, logger, enrichers...)
}

// run starts every loop and blocks until ctx is done or one loop fails.
func (rt *runtime) run(ctx context.Context, updates <-chan config.Config) error {
	if err := rt.server.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	if rt.grpc != nil {
		if err := rt.grpc.Start(ctx); err != nil {
			return fmt.Errorf("start grpc health service: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { rt.health.Run(gctx); return nil })
	g.Go(func() error { rt.gate.Run(gctx); return nil })
	g.Go(func() error { rt.engine.Run(gctx); return nil })
	g.Go(func() error { return rt.intake.Run(gctx) })
	g.Go(func() error { rt.watch(gctx, updates); return nil })

	<-gctx.Done()
	rt.logger.Info("Shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := rt.server.Shutdown(sctx); err != nil {
		rt.logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	if rt.grpc != nil {
		rt.grpc.Stop()
	}
	rt.sched.Close()

	err := g.Wait()
	if ferr := rt.health.Flush(sctx); ferr != nil {
		rt.logger.Warn("Failed to persist provider health", zap.Error(ferr))
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	rt.logger.Info("Shutdown complete")
	return nil
}

// watch applies configuration reloads until ctx is done.
func (rt *runtime) watch(ctx context.Context, updates <-chan config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-updates:
			if !ok {
				return
			}
			_ = rt.reload(ctx, &next)
		}
	}
}

// reload applies cfg and records the outcome in the log and the audit trail.
func (rt *runtime) reload(ctx context.Context, cfg *config.Config) error {
	started := time.Now()
	err := rt.apply(cfg)
	if aerr := rt.audit.LogConfigReload(ctx, time.Since(started), err); aerr != nil {
		rt.logger.Warn("Failed to audit configuration reload", zap.Error(aerr))
	}
	if err != nil {
		rt.logger.Error("Configuration reload rejected, keeping previous settings", zap.Error(err))
		return err
	}
	rt.logger.Info("Configuration reloaded")
	return nil
}

// apply pushes the reloadable settings of cfg into the running components.
// Everything is converted before anything is swapped, so a bad reload
// leaves the process unchanged.
func (rt *runtime) apply(cfg *config.Config) error {
	table, err := routingTable(cfg)
	if err != nil {
		return err
	}
	gateCfg, err := gateConfig(cfg)
	if err != nil {
		return err
	}
	engCfg, err := engineConfig(cfg)
	if err != nil {
		return err
	}
	patterns, err := loadPatterns(cfg)
	if err != nil {
		return err
	}
	if err := rt.matcher.Set(patterns); err != nil {
		return fmt.Errorf("patterns: %w", err)
	}

	rt.router.SetTable(table)
	rt.router.SetThresholds(routerThresholds(cfg))
	rt.gate.SetConfig(gateCfg)
	rt.engine.SetConfig(engCfg)
	rt.budget.SetLimits(budgetConfig(cfg))
	rt.health.SetThresholds(cfg.Health.FailureThreshold, cfg.Health.Cooldown)
	return nil
}

func (rt *runtime) close() {
	if rt.audit != nil {
		if err := rt.audit.Close(); err != nil {
			rt.logger.Warn("Failed to close audit log", zap.Error(err))
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn("Failed to close database", zap.Error(err))
		}
	}
}
