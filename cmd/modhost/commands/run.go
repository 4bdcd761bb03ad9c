package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/modhost/pkg/core"
	"github.com/openfroyo/modhost/pkg/manager"
	"github.com/openfroyo/modhost/pkg/telemetry"
)

func newRunCommand(version string) *cobra.Command {
	var (
		once            bool
		shutdownTimeout time.Duration
		eventTypes      []string
		eventModule     string
	)

	cmd := &cobra.Command{
		Use:   "run [modules-dir]",
		Short: "Load, enable and host the modules of a directory",
		Long: `Load every module archive in the modules directory, drop modules whose
hard dependencies are missing, enable the rest in dependency order and keep
them running until interrupted. On shutdown every module is disabled and
unloaded in reverse order.

The directory defaults to modules_dir from the configuration.`,
		Example: `  # Host the modules configured in host.cue
  modhost run -c host.cue

  # Load and enable once, then shut down (useful in CI)
  modhost run ./modules --once

  # Print failures and illegal accesses of one module while hosting
  modhost run --events module.load_failed,module.illegal_access --events-module shop`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir := cfg.ModulesDir
			if len(args) > 0 {
				dir = args[0]
			}

			tel, err := newTelemetry(cfg, version)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := tel.Shutdown(sctx); err != nil {
					log.Warn().Err(err).Msg("Telemetry shutdown failed")
				}
			}()

			if srv := tel.Metrics.StartMetricsServer(tel.Logger); srv != nil {
				log.Info().Str("address", cfg.Metrics.ListenAddress).Str("path", cfg.Metrics.Path).Msg("Serving metrics")
				defer srv.Close()
			}

			if len(eventTypes) > 0 || eventModule != "" {
				watchEvents(cmd, tel, eventTypes, eventModule)
			}

			ctx = tel.WithContext(ctx)
			m, err := manager.Build(ctx, cfg, nil, nil)
			if err != nil {
				return err
			}

			loaded, loadErr := m.LoadAll(ctx, dir)
			if loadErr != nil && !core.IsCycle(loadErr) {
				_ = m.Shutdown(ctx)
				return loadErr
			}
			if loadErr == nil {
				if err := m.EnableAll(ctx); err != nil {
					_ = m.Shutdown(ctx)
					return err
				}
			}

			log.Info().
				Int("loaded", len(loaded)).
				Int("enabled", m.EnabledCount()).
				Int("failed", m.FailedCount()).
				Strs("types", m.Registry().Types()).
				Msg("Modules started")
			if verbose {
				fmt.Fprint(cmd.OutOrStdout(), m.Describe())
			}

			if !once && loadErr == nil {
				<-ctx.Done()
			}

			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := m.Shutdown(sctx); err != nil {
				log.Error().Err(err).Msg("Errors during shutdown")
			}
			return loadErr
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "shut down right after enabling")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for disabling and unloading modules")
	cmd.Flags().StringSliceVar(&eventTypes, "events", nil, "print lifecycle events of these types (\"all\" for every type)")
	cmd.Flags().StringVar(&eventModule, "events-module", "", "print only lifecycle events of this module")

	return cmd
}

// watchEvents prints matching lifecycle events to the command output, one
// line per event or one JSON object per line with --json.
func watchEvents(cmd *cobra.Command, tel *telemetry.Telemetry, types []string, module string) {
	var filters []telemetry.EventFilter
	if len(types) > 0 && !(len(types) == 1 && types[0] == "all") {
		filters = append(filters, telemetry.FilterByType(types...))
	}
	if module != "" {
		filters = append(filters, telemetry.FilterByModule(module))
	}

	var mu sync.Mutex
	out := cmd.OutOrStdout()
	tel.Events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		if jsonOutput {
			_ = json.NewEncoder(out).Encode(e)
			return
		}
		id := e.Module
		if id == "" {
			id = "-"
		}
		fmt.Fprintf(out, "%s %-7s %-22s %s %s\n", e.Timestamp.Format(time.RFC3339), e.Level, e.Type, id, e.Message)
	}, telemetry.AllOf(filters...))
}
