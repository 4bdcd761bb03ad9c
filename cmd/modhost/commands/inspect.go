package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/modhost/pkg/core"
	"github.com/openfroyo/modhost/pkg/loader"
	"github.com/openfroyo/modhost/pkg/manager"
	"github.com/openfroyo/modhost/pkg/policy"
)

type inspection struct {
	Archive  string         `json:"archive"`
	Manifest *core.Manifest `json:"manifest,omitempty"`
	Error    string         `json:"error,omitempty"`
	Policy   *policy.Result `json:"policy,omitempty"`
}

func newInspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <archive>...",
		Short: "Validate module archives without loading them",
		Long: `Read and validate the manifest of each archive and evaluate the admission
policies against it. Nothing is loaded and no module code runs.`,
		Example: `  modhost inspect modules/economy.zip
  modhost inspect modules/* --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var engine *policy.Engine
			if cfg.Policy.Enabled {
				engine, err = manager.BuildPolicy(ctx, cfg, quietTelemetry())
				if err != nil {
					return err
				}
			}

			registry := loader.NewRegistry(nil, loader.Options{})
			var results []inspection
			failed := 0
			for _, path := range args {
				res := inspection{Archive: path}
				m, err := registry.Inspect(path)
				if err != nil {
					res.Error = err.Error()
					failed++
					results = append(results, res)
					continue
				}
				res.Manifest = m

				if engine != nil {
					pr, err := engine.Evaluate(ctx, m)
					if err != nil {
						return err
					}
					res.Policy = pr
					if !pr.Allowed {
						failed++
					}
				}
				results = append(results, res)
			}

			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			} else {
				printInspections(cmd, results)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d archives rejected", failed, len(args))
			}
			return nil
		},
	}
	return cmd
}

func printInspections(cmd *cobra.Command, results []inspection) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ARCHIVE\tMODULE\tTYPE\tDEPENDS\tSTATUS")
	for _, r := range results {
		if r.Manifest == nil {
			fmt.Fprintf(w, "%s\t-\t-\t-\t%s\n", r.Archive, r.Error)
			continue
		}

		status := "ok"
		if r.Policy != nil {
			switch {
			case !r.Policy.Allowed:
				status = "denied"
			case len(r.Policy.Warnings) > 0:
				status = fmt.Sprintf("ok (%d warnings)", len(r.Policy.Warnings))
			}
		}
		deps := strings.Join(r.Manifest.Dependencies, ",")
		if deps == "" {
			deps = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Archive, r.Manifest.FullName(), r.Manifest.Type, deps, status)
	}
	w.Flush()

	for _, r := range results {
		if r.Policy == nil {
			continue
		}
		for _, list := range [][]policy.Violation{r.Policy.Violations, r.Policy.Warnings} {
			for _, v := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: [%s] %s: %s\n", r.Archive, v.Severity, v.Policy, v.Message)
			}
		}
	}
}
