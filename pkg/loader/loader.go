// Package loader dispatches module archives to loader strategies.
//
// A Registry holds one Strategy per type name. LoadModule opens an archive,
// reads and validates its manifest, asks the admission policy, and hands the
// archive to the strategy named by the manifest's type.
package loader

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/modhost/pkg/archive"
	"github.com/openfroyo/modhost/pkg/core"
	"github.com/openfroyo/modhost/pkg/host"
	"github.com/openfroyo/modhost/pkg/namespace"
	"github.com/openfroyo/modhost/pkg/telemetry"
	"github.com/openfroyo/modhost/pkg/transform"
)

// Strategy turns an opened archive into an initialized module.
type Strategy interface {
	// TypeName is the manifest type this strategy loads.
	TypeName() string

	// Load builds the module. On error the strategy must release anything it
	// created; the registry closes the archive.
	Load(ctx context.Context, req *Request) (core.Module, error)
}

// Constructor creates a strategy. It is called exactly once per registration.
type Constructor func() (Strategy, error)

// Admission decides whether a validated manifest may be loaded.
type Admission interface {
	Admit(ctx context.Context, m *core.Manifest) error
}

// Services are the shared collaborators handed to every strategy.
type Services struct {
	Table       *namespace.SymbolTable
	Environment host.Environment
	Guard       *transform.Guard
	Access      namespace.AccessPolicy
	Host        core.Host

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics

	// OnIllegalAccess is passed to every namespace.
	OnIllegalAccess func(consumer, provider, symbol string)
}

// Request is a single load handed to a strategy.
type Request struct {
	Path     string
	Archive  archive.Archive
	Manifest *core.Manifest
	Services *Services
}

// NamespaceConfig returns the namespace configuration for the request.
func (r *Request) NamespaceConfig() namespace.Config {
	return namespace.Config{
		Manifest:        r.Manifest,
		Archive:         r.Archive,
		Table:           r.Services.Table,
		Environment:     r.Services.Environment,
		Guard:           r.Services.Guard,
		Access:          r.Services.Access,
		Logger:          r.Services.Logger,
		Metrics:         r.Services.Metrics,
		OnIllegalAccess: r.Services.OnIllegalAccess,
	}
}

// Options configure a Registry.
type Options struct {
	// Admission is consulted after validation. Nil admits everything.
	Admission Admission

	// Tracer wraps every load in a span. Nil disables tracing.
	Tracer *telemetry.Tracer
}

// Registry maps type names to strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy

	services  *Services
	admission Admission
	tracer    *telemetry.Tracer
	logger    *telemetry.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(services *Services, opts Options) *Registry {
	if services == nil {
		services = &Services{}
	}
	if services.Logger == nil {
		services.Logger = telemetry.NewNopLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNopTracer()
	}

	return &Registry{
		strategies: make(map[string]Strategy),
		services:   services,
		admission:  opts.Admission,
		tracer:     tracer,
		logger:     services.Logger.NewComponentLogger("loader-registry"),
	}
}

// Services returns the collaborators shared with strategies.
func (r *Registry) Services() *Services {
	return r.services
}

// RegisterType constructs a strategy and registers it under its type name.
// A failing or panicking constructor leaves the registry unchanged. A
// duplicate type name replaces the earlier strategy.
func (r *Registry) RegisterType(constructor Constructor) (err error) {
	if constructor == nil {
		return core.NewConfigurationError("loader constructor is nil", nil)
	}

	strategy, err := construct(constructor)
	if err != nil {
		return err
	}

	name := strategy.TypeName()
	if name == "" {
		return core.NewConfigurationError("loader reported an empty type name", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, exists := r.strategies[name]; exists {
		r.logger.
			WithField("type", name).
			Warnf("Loader type %s registered twice, replacing %T with %T", name, prev, strategy)
	}
	r.strategies[name] = strategy
	r.logger.WithField("type", name).Debug("Loader type registered")
	return nil
}

func construct(constructor Constructor) (strategy Strategy, err error) {
	defer func() {
		if p := recover(); p != nil {
			strategy = nil
			err = core.NewConfigurationError("failed to construct loader",
				fmt.Errorf("panic: %v", p))
		}
	}()

	strategy, err = constructor()
	if err != nil {
		return nil, core.NewConfigurationError("failed to construct loader", err)
	}
	if strategy == nil {
		return nil, core.NewConfigurationError("loader constructor returned nil", nil)
	}
	return strategy, nil
}

// Types lists the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Strategy returns the strategy registered for typeName.
func (r *Registry) Strategy(typeName string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[typeName]
	return s, ok
}

// Inspect opens the archive at path and returns its validated manifest
// without loading anything.
func (r *Registry) Inspect(path string) (*core.Manifest, error) {
	a, err := archive.Open(path)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	m, err := archive.ReadManifest(a)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadModule loads the archive at path with the strategy its manifest names.
func (r *Registry) LoadModule(ctx context.Context, path string) (mod core.Module, err error) {
	ctx, span := r.tracer.StartSpan(ctx, "module.load",
		telemetry.AttrArchive.String(path))
	defer func() { telemetry.EndSpan(span, err) }()

	timer := telemetry.NewTimer()

	a, err := archive.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	m, err := archive.ReadManifest(a)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest in %s: %w", path, err)
	}
	span.SetAttributes(telemetry.AttrModuleID.String(m.ID))

	if m.Type == "" {
		return nil, core.NewConfigurationError(core.MsgTypeNotSet, nil).WithModule(m.ID)
	}
	span.SetAttributes(telemetry.AttrModuleType.String(m.Type))

	if r.admission != nil {
		if err := r.admission.Admit(ctx, m); err != nil {
			return nil, err
		}
	}

	strategy, ok := r.Strategy(m.Type)
	if !ok {
		return nil, core.NewUnknownLoaderTypeError(m.Type).WithModule(m.ID)
	}

	mod, err = strategy.Load(ctx, &Request{
		Path:     path,
		Archive:  a,
		Manifest: m,
		Services: r.services,
	})
	if err != nil {
		return nil, err
	}
	if mod == nil {
		return nil, core.NewConfigurationError("loader returned no module", nil).WithModule(m.ID)
	}

	r.services.Metrics.RecordLoad(m.Type, timer.Duration())
	r.logger.WithModule(m.ID).
		WithField("type", m.Type).
		Debugf("Loaded %s from %s", m.FullName(), path)
	return mod, nil
}
