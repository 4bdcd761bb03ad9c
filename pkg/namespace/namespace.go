// Package namespace implements the isolated per-module symbol namespace.
//
// A namespace resolves a dotted symbol in this order:
//
//  1. its own resolution cache
//  2. the shared SymbolTable's published entries
//  3. its own archive (a.b.C is read from a/b/C.unit)
//  4. the archives of the other registered namespaces
//  5. the execution environment's host symbols
//
// Every answer is cached for the namespace's lifetime. Using a symbol owned
// by a module that is not a hard dependency of this one is allowed, but is
// reported once per providing module.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/modhost/pkg/archive"
	"github.com/openfroyo/modhost/pkg/core"
	"github.com/openfroyo/modhost/pkg/host"
	"github.com/openfroyo/modhost/pkg/telemetry"
	"github.com/openfroyo/modhost/pkg/transform"
)

// AccessPolicy decides whether m may use symbols owned by provider without a warning.
type AccessPolicy interface {
	IsTransitiveDependency(m, provider *core.Manifest) bool
}

// Config holds the collaborators of a namespace.
type Config struct {
	Manifest    *core.Manifest
	Archive     archive.Archive
	Table       *SymbolTable
	Environment host.Environment

	// Guard applies the shared code transform. Nil means no transform.
	Guard *transform.Guard

	// Access decides cross-module legality. Nil allows everything.
	Access AccessPolicy

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics

	// OnIllegalAccess is called after each de-duplicated warning.
	OnIllegalAccess func(consumer, provider, symbol string)
}

// Namespace is the isolated namespace of one module.
type Namespace struct {
	manifest  *core.Manifest
	archive   archive.Archive
	table     *SymbolTable
	env       host.Environment
	guard     *transform.Guard
	access    AccessPolicy
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	onIllegal func(consumer, provider, symbol string)

	cache  sync.Map // symbol -> *core.Unit, everything this namespace answered
	own    sync.Map // symbol -> *core.Unit, units defined from the own archive
	warned sync.Map // provider id -> struct{}

	resolveGroup singleflight.Group
	defineGroup  singleflight.Group

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// New creates a namespace and registers it with the table.
func New(cfg Config) (*Namespace, error) {
	if cfg.Manifest == nil {
		return nil, core.NewConfigurationError("namespace requires a manifest", nil)
	}
	if cfg.Archive == nil {
		return nil, core.NewConfigurationError("namespace requires an archive", nil).WithModule(cfg.Manifest.ID)
	}
	if cfg.Table == nil {
		return nil, core.NewConfigurationError("namespace requires a symbol table", nil).WithModule(cfg.Manifest.ID)
	}
	if cfg.Environment == nil {
		return nil, core.NewConfigurationError("namespace requires an environment", nil).WithModule(cfg.Manifest.ID)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	guard := cfg.Guard
	if guard == nil {
		guard = transform.NewGuard(nil, logger, cfg.Metrics)
	}

	n := &Namespace{
		manifest:  cfg.Manifest,
		archive:   cfg.Archive,
		table:     cfg.Table,
		env:       cfg.Environment,
		guard:     guard,
		access:    cfg.Access,
		logger:    logger.WithModule(cfg.Manifest.ID).WithPrefix(cfg.Manifest.LogPrefix()),
		metrics:   cfg.Metrics,
		onIllegal: cfg.OnIllegalAccess,
	}
	cfg.Table.Register(n)
	return n, nil
}

// Manifest returns the manifest of the owning module.
func (n *Namespace) Manifest() *core.Manifest {
	return n.manifest
}

// Resolve returns the unit for symbol. Concurrent first-time callers for the
// same symbol share one resolution.
func (n *Namespace) Resolve(ctx context.Context, symbol string) (*core.Unit, error) {
	if v, ok := n.cache.Load(symbol); ok {
		n.metrics.RecordResolution(telemetry.ResolutionCache)
		return v.(*core.Unit), nil
	}
	if n.closed.Load() {
		return nil, core.NewLifecycleError(n.manifest.ID, "namespace closed", nil).WithSymbol(symbol)
	}

	v, err, _ := n.resolveGroup.Do(symbol, func() (interface{}, error) {
		return n.resolve(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return v.(*core.Unit), nil
}

func (n *Namespace) resolve(ctx context.Context, symbol string) (*core.Unit, error) {
	if v, ok := n.cache.Load(symbol); ok {
		return v.(*core.Unit), nil
	}

	if entry, ok := n.table.Lookup(symbol); ok {
		n.checkAccess(symbol, entry.Owner)
		n.metrics.RecordResolution(telemetry.ResolutionShared)
		return n.remember(symbol, entry.Unit), nil
	}

	unit, ok, err := n.ResolveLocal(ctx, symbol)
	if err != nil {
		n.metrics.RecordResolution(telemetry.ResolutionMiss)
		return nil, core.NewSymbolNotFoundError(n.manifest.ID, symbol, err)
	}
	if ok {
		n.metrics.RecordResolution(telemetry.ResolutionArchive)
		return n.remember(symbol, unit), nil
	}

	if entry, ok := n.table.Probe(ctx, symbol, n); ok {
		n.checkAccess(symbol, entry.Owner)
		n.metrics.RecordResolution(telemetry.ResolutionShared)
		return n.remember(symbol, entry.Unit), nil
	}

	unit, err = n.env.Resolve(ctx, symbol)
	if err != nil {
		n.metrics.RecordResolution(telemetry.ResolutionMiss)
		return nil, core.NewSymbolNotFoundError(n.manifest.ID, symbol, err)
	}
	n.metrics.RecordResolution(telemetry.ResolutionFallback)
	return n.remember(symbol, unit), nil
}

func (n *Namespace) remember(symbol string, unit *core.Unit) *core.Unit {
	v, _ := n.cache.LoadOrStore(symbol, unit)
	return v.(*core.Unit)
}

// ResolveLocal defines symbol from the namespace's own archive. It reports
// false without error when the archive has no such unit.
func (n *Namespace) ResolveLocal(ctx context.Context, symbol string) (*core.Unit, bool, error) {
	if v, ok := n.own.Load(symbol); ok {
		return v.(*core.Unit), true, nil
	}
	if n.closed.Load() {
		return nil, false, nil
	}

	path := archive.UnitPath(symbol)
	if !n.archive.Exists(path) {
		return nil, false, nil
	}

	v, err, _ := n.defineGroup.Do(symbol, func() (interface{}, error) {
		if v, ok := n.own.Load(symbol); ok {
			return v, nil
		}

		raw, err := n.archive.ReadEntry(path)
		if err != nil {
			return nil, err
		}

		code := n.guard.Apply(n.manifest, path, raw)

		handle, err := n.env.Define(ctx, n.manifest.ID, symbol, code)
		if err != nil {
			return nil, fmt.Errorf("failed to define %s: %w", symbol, err)
		}

		unit := &core.Unit{
			Symbol: symbol,
			Path:   path,
			Owner:  n.manifest.ID,
			Code:   code,
			Handle: handle,
		}
		actual, _ := n.own.LoadOrStore(symbol, unit)
		n.table.Publish(symbol, n.manifest, actual.(*core.Unit))
		return actual, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*core.Unit), true, nil
}

func (n *Namespace) checkAccess(symbol string, provider *core.Manifest) {
	if provider == nil || provider.ID == n.manifest.ID || n.access == nil {
		return
	}
	if n.access.IsTransitiveDependency(n.manifest, provider) {
		return
	}
	if _, seen := n.warned.LoadOrStore(provider.ID, struct{}{}); seen {
		return
	}

	n.metrics.RecordIllegalAccess(n.manifest.ID, provider.ID)
	n.logger.
		WithField("symbol", symbol).
		WithField("provider", provider.ID).
		Warnf("Loaded %s from %s which is not a dependency of this module", symbol, provider.FullName())
	if n.onIllegal != nil {
		n.onIllegal(n.manifest.ID, provider.ID, symbol)
	}
}

// Symbols lists every symbol this namespace has answered, sorted.
func (n *Namespace) Symbols() []string {
	var out []string
	n.cache.Range(func(key, _ interface{}) bool {
		out = append(out, key.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// Close unregisters the namespace, forgets its published symbols, releases
// its definitions in the environment and closes its archive. Calling it again
// returns the first result.
func (n *Namespace) Close() error {
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		n.table.Unregister(n)
		n.table.Forget(n.manifest.ID)
		n.closeErr = errors.Join(
			n.env.Release(context.Background(), n.manifest.ID),
			n.archive.Close(),
		)
	})
	return n.closeErr
}

// Discard unregisters the namespace and closes its archive but leaves the
// owner's published symbols and definitions in place. It is used when a
// second module claims an id that is already loaded and shares its owner key.
func (n *Namespace) Discard() error {
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		n.table.Unregister(n)
		n.closeErr = n.archive.Close()
	})
	return n.closeErr
}
