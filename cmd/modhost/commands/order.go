package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/modhost/pkg/archive"
	"github.com/openfroyo/modhost/pkg/core"
	"github.com/openfroyo/modhost/pkg/loader"
	"github.com/openfroyo/modhost/pkg/resolver"
)

type orderReport struct {
	Order   []string            `json:"order"`
	Pruned  map[string]string   `json:"pruned,omitempty"`
	Invalid map[string]string   `json:"invalid,omitempty"`
	Missing map[string][]string `json:"missingSoft,omitempty"`
	Cycle   string              `json:"cycle,omitempty"`
}

func newOrderCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order [modules-dir]",
		Short: "Show the enable order of a modules directory",
		Long: `Read every manifest in the modules directory and print the order in which
the modules would be enabled. Modules with missing hard dependencies are
listed as pruned, together with modules that only depend on pruned ones.
A dependency cycle is reported and makes the command fail.`,
		Example: `  modhost order ./modules
  modhost order -c host.cue --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir := cfg.ModulesDir
			if len(args) > 0 {
				dir = args[0]
			}

			entries, err := os.ReadDir(dir)
			if err != nil {
				return core.NewNotFoundError(fmt.Sprintf("modules directory %s", dir), err)
			}

			registry := loader.NewRegistry(nil, loader.Options{})
			report := orderReport{
				Pruned:  map[string]string{},
				Invalid: map[string]string{},
				Missing: map[string][]string{},
			}

			var manifests []*core.Manifest
			seen := map[string]string{}
			for _, entry := range entries {
				path := filepath.Join(dir, entry.Name())
				if !archive.IsCandidate(path) {
					continue
				}
				m, err := registry.Inspect(path)
				if err != nil {
					report.Invalid[path] = err.Error()
					continue
				}
				if first, dup := seen[m.ID]; dup {
					report.Invalid[path] = fmt.Sprintf("%s (already provided by %s)", core.MsgDuplicateID, first)
					continue
				}
				seen[m.ID] = path
				manifests = append(manifests, m)
			}

			// soft dependencies are checked against everything that loaded,
			// before pruning, the same way run does
			soft := resolver.New(resolver.StaticCatalog(manifests), quietTelemetry().Logger)
			for _, m := range manifests {
				if missing := soft.CheckSoft(m); len(missing) > 0 {
					report.Missing[m.ID] = missing
				}
			}

			survivors, pruned := resolver.Prune(manifests)
			for id, cause := range pruned {
				report.Pruned[id] = cause.Error()
			}

			sorted, orderErr := resolver.Order(survivors)
			if orderErr != nil {
				report.Cycle = orderErr.Error()
			}
			for _, m := range sorted {
				report.Order = append(report.Order, m.ID)
			}

			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				printOrder(cmd, report, sorted)
			}

			log.Debug().
				Int("ordered", len(report.Order)).
				Int("pruned", len(report.Pruned)).
				Int("invalid", len(report.Invalid)).
				Msg("Order computed")
			return orderErr
		},
	}
	return cmd
}

func printOrder(cmd *cobra.Command, report orderReport, sorted []*core.Manifest) {
	out := cmd.OutOrStdout()
	if len(sorted) > 0 {
		fmt.Fprintln(out, resolver.FormatOrder(sorted))
	}
	for _, section := range []struct {
		title string
		items map[string]string
	}{
		{"pruned", report.Pruned},
		{"invalid", report.Invalid},
	} {
		for _, k := range sortedKeys(section.items) {
			fmt.Fprintf(out, "%s: %s: %s\n", section.title, k, section.items[k])
		}
	}
	for _, id := range sortedKeys(report.Missing) {
		fmt.Fprintf(out, "soft dependencies not found for %s: %v\n", id, report.Missing[id])
	}
	if report.Cycle != "" {
		fmt.Fprintf(out, "cycle: %s\n", report.Cycle)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
