package cli

// inspect.go holds the read-only commands that look at persisted state
// without starting the engine.
//
//   orchestrator cases [--stage s] [--tenant t] [--open] [-o json]
//   orchestrator trail <case-id> [-o json]
//   orchestrator providers [-o json]

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-orchestrator/internal/db"
	"github.com/kubilitics/kubilitics-orchestrator/internal/investigation"
	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
)

func writeJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func newCasesCmd(a *app) *cobra.Command {
	var (
		stage  string
		tenant string
		open   bool
		limit  int
		output string
	)
	cmd := &cobra.Command{
		Use:   "cases",
		Short: "List cases",
		Example: `  orchestrator cases --open
  orchestrator cases --stage awaiting_approval -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := db.CaseFilter{TenantID: tenant, NonTerminal: open, Limit: limit}
			if stage != "" {
				f.Stage = models.Stage(stage)
				if !f.Stage.Valid() {
					return fmt.Errorf("unknown stage %q", stage)
				}
			}
			_, cfg, err := a.loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			cases, err := store.ListCases(cmd.Context(), f)
			if err != nil {
				return err
			}
			if output == "json" {
				return writeJSON(a.stdout, map[string]any{"count": len(cases), "cases": cases})
			}
			if len(cases) == 0 {
				fmt.Fprintln(a.stdout, "No cases found.")
				return nil
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTENANT\tSEVERITY\tSTAGE\tCONFIDENCE\tOUTCOME\tUPDATED")
			for _, c := range cases {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%s\t%s\n",
					c.ID, c.TenantID, c.Severity, c.Stage, c.Confidence, dash(string(c.Outcome)),
					c.UpdatedAt.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "only cases in this stage")
	cmd.Flags().StringVar(&tenant, "tenant", "", "only cases of this tenant")
	cmd.Flags().BoolVar(&open, "open", false, "only cases that have not reached a terminal stage")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of cases")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output format (json)")
	return cmd
}

func newTrailCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "trail <case-id>",
		Short: "Replay a case's decision trail and check it against the lifecycle",
		Long: `Replay loads the persisted decision trail of a case, walks it through the
lifecycle graph and reports the stages visited. A non-zero exit means the
trail does not describe a legal walk ending at the stored stage.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := a.loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			r, err := investigation.ReplayCase(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			if output == "json" {
				if err := writeJSON(a.stdout, map[string]any{
					"case_id":   r.Case.ID,
					"path":      r.Path,
					"trail":     r.Case.Trail,
					"conforms":  r.Violation == "",
					"violation": r.Violation,
				}); err != nil {
					return err
				}
			} else {
				printTrail(a.stdout, r)
			}
			if r.Violation != "" {
				return fmt.Errorf("trail of %s does not conform: %s", r.Case.ID, r.Violation)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output format (json)")
	return cmd
}

func printTrail(w io.Writer, r *investigation.Replay) {
	stages := make([]string, len(r.Path))
	for i, s := range r.Path {
		stages[i] = string(s)
	}
	fmt.Fprintf(w, "Case %s (%s, %s)\n", r.Case.ID, r.Case.Severity, r.Case.Stage)
	fmt.Fprintf(w, "Path: %s\n\n", strings.Join(stages, " -> "))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tSTAGE\tNEXT\tACTOR\tSUMMARY")
	for _, e := range r.Case.Trail {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, e.Timestamp.UTC().Format(time.RFC3339), e.Stage, dash(string(e.Next)), e.Actor, e.Summary)
		for _, d := range e.Routing {
			fmt.Fprintf(tw, "\t\t\t\t\t  routed %s -> %s/%s %s\n", d.Tier, dash(d.Provider), dash(d.Model), strings.Join(d.Rules, ","))
		}
	}
	_ = tw.Flush()
	if r.Violation == "" {
		fmt.Fprintln(w, "\nTrail conforms to the lifecycle.")
	}
}

func newProvidersCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Show persisted breaker state for each inference provider",
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

			recs, err := store.ListProviderHealth(cmd.Context())
			if err != nil {
				return err
			}
			if output == "json" {
				return writeJSON(a.stdout, map[string]any{"providers": recs})
			}
			if len(recs) == 0 {
				fmt.Fprintln(a.stdout, "No provider health recorded yet.")
				return nil
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tSTATE\tFAILURES\tLAST CHANGE")
			for _, p := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.Provider, p.State, p.ConsecutiveFailures,
					p.LastChange.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output format (json)")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
