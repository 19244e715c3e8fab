// Package cli builds the orchestrator command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-orchestrator/internal/config"
	"github.com/kubilitics/kubilitics-orchestrator/internal/db"
)

// Version is set at build time.
var Version = "dev"

type app struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

// NewRootCommand returns the root command writing to the process streams.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWithIO(os.Stdout, os.Stderr)
}

// NewRootCommandWithIO returns the root command writing to out and errOut.
func NewRootCommandWithIO(out, errOut io.Writer) *cobra.Command {
	a := &app{stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Security case orchestrator with tiered inference routing",
		Long:          "orchestrator takes security events from intake through enrichment, tiered reasoning and approval to a dispatched action or a closed case.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to the YAML configuration file")

	cmd.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newCasesCmd(a),
		newTrailCmd(a),
		newProvidersCmd(a),
		newValidateCmd(a),
	)
	return cmd
}

// loadConfig reads and validates the configuration named by --config,
// falling back to the default path.
func (a *app) loadConfig(ctx context.Context) (config.ConfigManager, *config.Config, error) {
	var (
		mgr config.ConfigManager
		err error
	)
	if a.configPath != "" {
		mgr, err = config.NewConfigManager(a.configPath)
	} else {
		mgr, err = config.NewConfigManagerWithDefaults()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("create config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, nil, err
	}
	return mgr, mgr.Get(ctx), nil
}

func openStore(cfg *config.Config) (db.Store, error) {
	store, err := db.Open(db.Options{
		Type:        cfg.Database.Type,
		SQLitePath:  cfg.Database.SQLitePath,
		PostgresURL: cfg.Database.PostgresURL,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and routing table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := a.loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := routingTable(cfg); err != nil {
				return err
			}
			if _, err := loadPatterns(cfg); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, "configuration ok")
			return nil
		},
	}
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := a.loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Fprintf(a.stdout, "database %s is up to date\n", cfg.Database.Type)
			return nil
		},
	}
}
