package manager

import (
	"context"
	"fmt"
	"os"

	"github.com/openfroyo/modhost/pkg/config"
	"github.com/openfroyo/modhost/pkg/core"
	"github.com/openfroyo/modhost/pkg/host"
	"github.com/openfroyo/modhost/pkg/loader"
	"github.com/openfroyo/modhost/pkg/policy"
	"github.com/openfroyo/modhost/pkg/telemetry"
	"github.com/openfroyo/modhost/pkg/transform"
)

// Build creates a manager from a host configuration: the transform hook,
// the admission policy engine and the enabled loader strategies. factories
// bind main entries to constructors for the standard loader. A nil tel falls
// back to the telemetry carried by ctx, then to telemetry.NewNop().
func Build(ctx context.Context, cfg *config.HostConfig, tel *telemetry.Telemetry, factories map[string]loader.Factory) (*Manager, error) {
	if cfg == nil {
		return nil, core.NewConfigurationError("host configuration is required", nil)
	}
	if tel == nil {
		tel = telemetry.FromTelemetryContext(ctx)
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}

	hook, err := BuildHook(cfg.Transform)
	if err != nil {
		return nil, err
	}

	opts := Options{Telemetry: tel, Hook: hook}

	if cfg.Policy.Enabled {
		engine, err := BuildPolicy(ctx, cfg, tel)
		if err != nil {
			return nil, err
		}
		opts.Admission = engine
	}

	m := New(opts)

	if cfg.Loaders.Standard {
		std := loader.NewStandardLoader()
		for main, f := range factories {
			std.RegisterFactory(main, f)
		}
		if err := m.RegisterType(func() (loader.Strategy, error) { return std, nil }); err != nil {
			return nil, err
		}
	}

	if cfg.Loaders.WASM.Enabled {
		timeout, err := cfg.Loaders.WASM.TimeoutDuration()
		if err != nil {
			return nil, core.NewConfigurationError("invalid wasm loader configuration", err)
		}
		env, err := host.NewWASMEnvironment(ctx, &host.WASMConfig{
			MemoryLimitPages: cfg.Loaders.WASM.MemoryLimitPages,
			EnableWASI:       cfg.Loaders.WASM.EnableWASI,
		})
		if err != nil {
			return nil, err
		}
		m.AddShutdownHook(env.Close)

		if err := m.RegisterType(func() (loader.Strategy, error) {
			return loader.NewWASMLoader(env, timeout), nil
		}); err != nil {
			_ = env.Close(ctx)
			return nil, err
		}
	}

	m.logger.
		WithField("types", m.Registry().Types()).
		WithField("policy", cfg.Policy.Enabled).
		Debug("Module host configured")
	return m, nil
}

// BuildHook chains the configured renames and Starlark scripts. It returns
// nil when nothing is configured.
func BuildHook(cfg config.TransformConfig) (transform.Hook, error) {
	var chain transform.Chain

	if len(cfg.Renames) > 0 {
		rw, err := transform.NewReferenceRewriter(cfg.Renames)
		if err != nil {
			return nil, core.NewConfigurationError("invalid transform renames", err)
		}
		chain = append(chain, rw)
	}

	for _, sc := range cfg.Scripts {
		src, err := os.ReadFile(sc.Path)
		if err != nil {
			return nil, core.NewNotFoundError(fmt.Sprintf("transform script %s", sc.Path), err)
		}
		timeout, err := sc.TimeoutDuration()
		if err != nil {
			return nil, core.NewConfigurationError("invalid transform script", err)
		}

		opts := []transform.ScriptOption{transform.WithScriptTimeout(timeout)}
		if sc.MaxSteps > 0 {
			opts = append(opts, transform.WithMaxSteps(sc.MaxSteps))
		}
		hook, err := transform.NewScriptHook(sc.Name, string(src), opts...)
		if err != nil {
			return nil, err
		}
		chain = append(chain, hook)
	}

	switch len(chain) {
	case 0:
		return nil, nil
	case 1:
		return chain[0], nil
	}
	return chain, nil
}

// BuildPolicy creates the admission engine and loads the configured policy
// files.
func BuildPolicy(ctx context.Context, cfg *config.HostConfig, tel *telemetry.Telemetry) (*policy.Engine, error) {
	opts := []policy.Option{policy.WithEnvironment(cfg.Environment)}
	if !cfg.Policy.Builtins {
		opts = append(opts, policy.WithoutBuiltins())
	}

	engine, err := policy.NewEngine(tel.Logger.Zerolog(), opts...)
	if err != nil {
		return nil, err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := engine.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	return engine, nil
}
