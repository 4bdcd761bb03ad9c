// Package telemetry provides observability instrumentation for the module host.
//
// The package combines structured logging (zerolog), tracing
// (OpenTelemetry), metrics (Prometheus) and lifecycle event publishing.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("manager")
//	logger.WithModule("economy").Info("enabled")
//
// # Module loggers
//
// Each loaded module receives a logger carrying its display prefix, so a
// module with prefix "Eco" logs lines such as "[Eco] balance table ready".
//
// # Metrics
//
// Metrics live in a private registry exposed through Metrics.Handler:
//
//   - modhost_modules_loaded / modhost_modules_enabled
//   - modhost_module_load_failures_total{kind}
//   - modhost_module_enable_failures_total{module}
//   - modhost_modules_pruned_total
//   - modhost_module_load_duration_seconds{type}
//   - modhost_transform_failures_total{module}
//   - modhost_illegal_access_warnings_total{consumer,provider}
//   - modhost_symbol_resolutions_total{source}
package telemetry
