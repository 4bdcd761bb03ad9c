package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/modhost/pkg/manager"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Admission policy management",
		Long: `Inspect the Rego policies every module manifest is checked against before
it is loaded. Built-in policies are included unless policy.builtins is false;
more are read from policy.paths.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the configured admission policies",
		Example: `  modhost policy list
  modhost policy list -c host.cue --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			engine, err := manager.BuildPolicy(cmd.Context(), cfg, quietTelemetry())
			if err != nil {
				return err
			}
			policies := engine.ListPolicies()

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), policies)
			}

			if !cfg.Policy.Enabled {
				fmt.Fprintln(cmd.OutOrStdout(), "# admission is disabled in this configuration")
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tTAGS\tDESCRIPTION")
			for _, p := range policies {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, strings.Join(p.Tags, ","), p.Description)
			}
			return w.Flush()
		},
	}
}
