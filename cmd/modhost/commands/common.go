package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/modhost/pkg/config"
	"github.com/openfroyo/modhost/pkg/telemetry"
)

// loadConfig reads the --config sources, or the defaults when none are given.
func loadConfig() (*config.HostConfig, error) {
	if len(configPaths) == 0 {
		log.Debug().Msg("No configuration given, using defaults")
		return config.Default(), nil
	}

	cfg, err := config.Load(configPaths...)
	if err != nil {
		return nil, err
	}
	log.Debug().Strs("sources", configPaths).Msg("Configuration loaded")
	return cfg, nil
}

// newTelemetry builds telemetry from the configuration. --verbose forces
// debug logging.
func newTelemetry(cfg *config.HostConfig, version string) (*telemetry.Telemetry, error) {
	tcfg := cfg.Telemetry(version)
	if verbose {
		tcfg.Logging.Level = "debug"
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return tel, nil
}

// quietTelemetry is used by read-only commands that only print results.
func quietTelemetry() *telemetry.Telemetry {
	tel := telemetry.NewNop()
	if verbose {
		tel.Logger = telemetry.NewLoggerFrom(log.Logger)
	}
	return tel
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
