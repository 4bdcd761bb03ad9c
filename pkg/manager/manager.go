// Package manager orchestrates the module lifecycle: load every archive of a
// directory, drop modules with missing hard dependencies, order the rest so
// dependencies come first, then enable, disable and unload them.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/openfroyo/modhost/pkg/archive"
	"github.com/openfroyo/modhost/pkg/core"
	"github.com/openfroyo/modhost/pkg/host"
	"github.com/openfroyo/modhost/pkg/loader"
	"github.com/openfroyo/modhost/pkg/namespace"
	"github.com/openfroyo/modhost/pkg/resolver"
	"github.com/openfroyo/modhost/pkg/telemetry"
	"github.com/openfroyo/modhost/pkg/transform"
)

// Options configure a Manager.
type Options struct {
	// Telemetry defaults to telemetry.NewNop().
	Telemetry *telemetry.Telemetry

	// Environment defines code units. Defaults to a MemoryEnvironment.
	Environment host.Environment

	// Hook is the shared code transform. Nil means no transform.
	Hook transform.Hook

	// Admission is consulted for every validated manifest.
	Admission loader.Admission
}

// Manager owns the loader registry, the shared symbol table and every
// loaded module.
type Manager struct {
	// batch serializes lifecycle operations. Module callbacks run while it
	// is held, so they must not call lifecycle operations themselves.
	batch sync.Mutex

	// mu guards the fields below. It is never held while module code runs.
	mu      sync.RWMutex
	modules map[string]core.Module
	order   []core.Module
	cycle   error
	failed  int

	registry *loader.Registry
	table    *namespace.SymbolTable
	env      host.Environment
	resolver *resolver.Resolver
	policy   loader.Admission
	closers  []func(context.Context) error

	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// New creates a manager with an empty registry.
func New(opts Options) *Manager {
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.NewNop()
	}
	env := opts.Environment
	if env == nil {
		env = host.NewMemoryEnvironment()
	}

	m := &Manager{
		modules: make(map[string]core.Module),
		table:   namespace.NewSymbolTable(),
		env:     env,
		policy:  opts.Admission,
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("manager"),
	}
	m.resolver = resolver.New(m, tel.Logger)
	m.registry = loader.NewRegistry(&loader.Services{
		Table:           m.table,
		Environment:     env,
		Guard:           transform.NewGuard(opts.Hook, tel.Logger, tel.Metrics),
		Access:          m.resolver,
		Host:            m,
		Logger:          tel.Logger,
		Metrics:         tel.Metrics,
		OnIllegalAccess: m.onIllegalAccess,
	}, loader.Options{
		Admission: m,
		Tracer:    tel.Tracer,
	})
	return m
}

// Registry returns the loader registry.
func (m *Manager) Registry() *loader.Registry {
	return m.registry
}

// RegisterType registers a loader strategy.
func (m *Manager) RegisterType(constructor loader.Constructor) error {
	return m.registry.RegisterType(constructor)
}

// Table returns the shared symbol table.
func (m *Manager) Table() *namespace.SymbolTable {
	return m.table
}

// Resolver returns the dependency resolver over the loaded modules.
func (m *Manager) Resolver() *resolver.Resolver {
	return m.resolver
}

// AddShutdownHook registers fn to run at the end of Shutdown.
func (m *Manager) AddShutdownHook(fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, fn)
}

// Admit rejects ids that are already loaded, then applies the configured
// admission policy.
func (m *Manager) Admit(ctx context.Context, mf *core.Manifest) error {
	m.mu.RLock()
	_, exists := m.modules[mf.ID]
	m.mu.RUnlock()
	if exists {
		return core.NewConfigurationError(core.MsgDuplicateID, nil).WithModule(mf.ID)
	}
	if m.policy != nil {
		return m.policy.Admit(ctx, mf)
	}
	return nil
}

// LoadAll loads every archive in dir, then prunes and orders the loaded
// set. Failures of single archives are logged and counted, never returned.
// A dependency cycle is returned as a CycleError and blocks EnableAll until
// a later LoadAll or Unload resolves it.
func (m *Manager) LoadAll(ctx context.Context, dir string) (loaded []core.Module, err error) {
	m.batch.Lock()
	defer m.batch.Unlock()

	ctx, span := m.tel.Tracer.StartSpan(ctx, "modules.load_all", telemetry.AttrArchive.String(dir))
	defer func() { telemetry.EndSpan(span, err) }()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, core.NewNotFoundError(fmt.Sprintf("modules directory %s", dir), err)
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if !archive.IsCandidate(path) {
			continue
		}

		mod, err := m.load(ctx, path)
		if err != nil {
			m.recordFailure(dir, path, err)
			continue
		}
		loaded = append(loaded, mod)
	}

	for _, mod := range loaded {
		m.resolver.CheckSoft(mod.Manifest())
	}

	m.prune(ctx)
	loaded = stillLoaded(loaded)

	err = m.reorder()
	m.updateCounts()

	m.logger.
		WithField("loaded", len(loaded)).
		WithField("failed", m.FailedCount()).
		Infof("Loaded %d modules from %s", len(loaded), dir)
	return loaded, err
}

func (m *Manager) load(ctx context.Context, path string) (mod core.Module, err error) {
	defer func() {
		if p := recover(); p != nil {
			mod = nil
			err = core.NewLifecycleError("", fmt.Sprintf("panic while loading %s", path), fmt.Errorf("%v", p))
		}
	}()

	mod, err = m.registry.LoadModule(ctx, path)
	if err != nil {
		return nil, err
	}
	id := mod.ID()

	m.mu.Lock()
	if _, exists := m.modules[id]; exists {
		m.mu.Unlock()
		discard(mod)
		return nil, core.NewConfigurationError(core.MsgDuplicateID, nil).WithModule(id)
	}
	mod.SetState(core.StateLoaded)
	m.modules[id] = mod
	m.order = append(m.order, mod)
	m.mu.Unlock()

	if err := safeCall(func() error { return mod.OnLoad(ctx) }); err != nil {
		mod.Logger().WithError(err).Errorf("Error occurred while loading %s", mod.Manifest().FullName())
	}

	m.publish(telemetry.EventTypeModuleLoaded, telemetry.EventLevelInfo, id,
		fmt.Sprintf("loaded %s", mod.Manifest().FullName()),
		map[string]interface{}{"archive": path})
	return mod, nil
}

func (m *Manager) recordFailure(dir, path string, err error) {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()

	kind := string(core.KindOf(err))
	m.tel.Metrics.RecordLoadFailure(kind)
	m.logger.
		WithError(err).
		WithField("archive", path).
		Errorf("Could not load '%s' in folder '%s'", path, dir)
	m.publish(telemetry.EventTypeModuleLoadFailed, telemetry.EventLevelError, moduleOf(err),
		err.Error(), map[string]interface{}{"archive": path, "kind": kind})
}

// prune unloads every module whose hard dependencies are not loaded,
// including modules that only depended on pruned ones.
func (m *Manager) prune(ctx context.Context) {
	mods := m.Modules()
	manifests := make([]*core.Manifest, len(mods))
	for i, mod := range mods {
		manifests[i] = mod.Manifest()
	}

	_, pruned := resolver.Prune(manifests)
	for _, mod := range mods {
		cause, ok := pruned[mod.ID()]
		if !ok {
			continue
		}

		m.logger.WithModule(mod.ID()).WithError(cause).
			Errorf("Could not load '%s': %v", mod.Manifest().FullName(), cause)
		if err := m.unload(ctx, mod); err != nil {
			m.logger.WithModule(mod.ID()).WithError(err).Warn("Error while discarding pruned module")
		}

		m.mu.Lock()
		m.failed++
		m.mu.Unlock()
		m.tel.Metrics.RecordPruned()
		m.tel.Metrics.RecordLoadFailure(string(core.ErrorKindMissingDependency))
		m.publish(telemetry.EventTypeModulePruned, telemetry.EventLevelError, mod.ID(), cause.Error(), nil)
	}
}

// reorder sorts the loaded modules into enable order.
func (m *Manager) reorder() error {
	mods := m.Modules()
	manifests := make([]*core.Manifest, len(mods))
	byID := make(map[string]core.Module, len(mods))
	for i, mod := range mods {
		manifests[i] = mod.Manifest()
		byID[mod.ID()] = mod
	}

	sorted, err := resolver.Order(manifests)
	if err != nil {
		m.mu.Lock()
		m.cycle = err
		m.mu.Unlock()

		m.logger.WithError(err).Error("Cannot order modules, enabling is blocked")
		if core.IsCycle(err) {
			m.publish(telemetry.EventTypeCycleDetected, telemetry.EventLevelError, "", err.Error(), nil)
		}
		return err
	}

	order := make([]core.Module, len(sorted))
	for i, mf := range sorted {
		order[i] = byID[mf.ID]
	}

	m.mu.Lock()
	m.order = order
	m.cycle = nil
	m.mu.Unlock()

	if len(sorted) > 0 {
		m.logger.Debugf("Enable order: %s", resolver.FormatOrder(sorted))
	}
	return nil
}

// EnableAll enables every loaded or disabled module in dependency order.
// A module whose OnEnable fails is logged and stays in its state; the rest
// continue.
func (m *Manager) EnableAll(ctx context.Context) (err error) {
	m.batch.Lock()
	defer m.batch.Unlock()

	m.mu.RLock()
	cycle := m.cycle
	m.mu.RUnlock()
	if cycle != nil {
		return cycle
	}

	ctx, span := m.tel.Tracer.StartSpan(ctx, "modules.enable_all")
	defer func() { telemetry.EndSpan(span, err) }()

	for _, mod := range m.Modules() {
		switch mod.State() {
		case core.StateLoaded, core.StateDisabled:
			_ = m.enable(ctx, mod)
		}
	}
	m.updateCounts()
	return nil
}

// Enable enables a single module.
func (m *Manager) Enable(ctx context.Context, id string) error {
	m.batch.Lock()
	defer m.batch.Unlock()

	mod, ok := m.Get(id)
	if !ok {
		return core.NewNotFoundError(fmt.Sprintf("module %s is not loaded", id), nil).WithModule(id)
	}
	if mod.Enabled() {
		return nil
	}
	err := m.enable(ctx, mod)
	m.updateCounts()
	return err
}

func (m *Manager) enable(ctx context.Context, mod core.Module) (err error) {
	id := mod.ID()
	ctx, span := m.tel.Tracer.StartModuleSpan(ctx, "enable", id)
	defer func() { telemetry.EndSpan(span, err) }()

	if err = m.resolver.CheckHard(mod.Manifest()); err != nil {
		m.tel.Metrics.RecordEnableFailure(id)
		mod.Logger().WithError(err).
			Errorf("Cannot enable %s: %v", mod.Manifest().FullName(), err)
		m.publish(telemetry.EventTypeModuleEnabled, telemetry.EventLevelError, id, err.Error(), nil)
		return err
	}

	mod.Logger().Infof("Enabling %s", mod.Manifest().FullName())

	if cbErr := safeCall(func() error { return mod.OnEnable(ctx) }); cbErr != nil {
		err = core.NewLifecycleError(id, "failed to enable module", cbErr)
		m.tel.Metrics.RecordEnableFailure(id)
		mod.Logger().WithError(cbErr).
			Errorf("Error occurred while enabling %s (Is it up to date?)", mod.Manifest().FullName())
		m.publish(telemetry.EventTypeModuleEnabled, telemetry.EventLevelError, id, err.Error(), nil)
		return err
	}

	mod.SetState(core.StateEnabled)
	m.publish(telemetry.EventTypeModuleEnabled, telemetry.EventLevelInfo, id,
		fmt.Sprintf("enabled %s", mod.Manifest().FullName()), nil)
	return nil
}

// Disable disables a single module. An OnDisable failure is returned but
// the module is disabled regardless.
func (m *Manager) Disable(ctx context.Context, id string) error {
	m.batch.Lock()
	defer m.batch.Unlock()

	mod, ok := m.Get(id)
	if !ok {
		return core.NewNotFoundError(fmt.Sprintf("module %s is not loaded", id), nil).WithModule(id)
	}
	err := m.disable(ctx, mod)
	m.updateCounts()
	return err
}

// DisableAll disables every enabled module in reverse enable order.
func (m *Manager) DisableAll(ctx context.Context) error {
	m.batch.Lock()
	defer m.batch.Unlock()

	mods := m.Modules()
	var errs []error
	for i := len(mods) - 1; i >= 0; i-- {
		if err := m.disable(ctx, mods[i]); err != nil {
			errs = append(errs, err)
		}
	}
	m.updateCounts()
	return errors.Join(errs...)
}

func (m *Manager) disable(ctx context.Context, mod core.Module) (err error) {
	if mod.State() != core.StateEnabled {
		return nil
	}

	id := mod.ID()
	ctx, span := m.tel.Tracer.StartModuleSpan(ctx, "disable", id)
	defer func() { telemetry.EndSpan(span, err) }()

	mod.Logger().Infof("Disabling %s", mod.Manifest().FullName())

	cbErr := safeCall(func() error { return mod.OnDisable(ctx) })
	mod.SetState(core.StateDisabled)
	if cbErr != nil {
		err = core.NewLifecycleError(id, "failed to disable module", cbErr)
		mod.Logger().WithError(cbErr).
			Errorf("Error occurred while disabling %s (Is it up to date?)", mod.Manifest().FullName())
	}

	m.publish(telemetry.EventTypeModuleDisabled, telemetry.EventLevelInfo, id,
		fmt.Sprintf("disabled %s", mod.Manifest().FullName()), nil)
	return err
}

// Unload disables the module if needed, calls OnUnload, closes its namespace
// and removes it. Enabled modules that hard-depend on it, directly or
// through other dependents, are disabled first and stay loaded.
func (m *Manager) Unload(ctx context.Context, id string) error {
	m.batch.Lock()
	defer m.batch.Unlock()

	mod, ok := m.Get(id)
	if !ok {
		return core.NewNotFoundError(fmt.Sprintf("module %s is not loaded", id), nil).WithModule(id)
	}

	var errs []error
	dependents := m.dependents(mod)
	for i := len(dependents) - 1; i >= 0; i-- {
		other := dependents[i]
		m.logger.WithModule(other.ID()).
			Warnf("Module '%s' depends on '%s' which is being unloaded", other.ID(), id)
		if err := m.disable(ctx, other); err != nil {
			errs = append(errs, err)
		}
	}

	errs = append(errs, m.unload(ctx, mod))
	if m.Blocked() != nil {
		_ = m.reorder()
	}
	m.updateCounts()
	return errors.Join(errs...)
}

// dependents returns, in enable order, the modules whose hard dependencies
// can no longer be met once mod is gone.
func (m *Manager) dependents(mod core.Module) []core.Module {
	mods := m.Modules()
	gone := map[string]bool{mod.ID(): true}

	broken := func(dep string) bool {
		answered := false
		for _, other := range mods {
			if !other.Manifest().Answers(dep) {
				continue
			}
			if !gone[other.ID()] {
				return false
			}
			answered = true
		}
		return answered
	}

	for changed := true; changed; {
		changed = false
		for _, other := range mods {
			if gone[other.ID()] {
				continue
			}
			for _, dep := range other.Manifest().Dependencies {
				if broken(dep) {
					gone[other.ID()] = true
					changed = true
					break
				}
			}
		}
	}

	var out []core.Module
	for _, other := range mods {
		if other != mod && gone[other.ID()] {
			out = append(out, other)
		}
	}
	return out
}

func (m *Manager) unload(ctx context.Context, mod core.Module) error {
	id := mod.ID()
	var errs []error

	if err := m.disable(ctx, mod); err != nil {
		errs = append(errs, err)
	}

	if err := safeCall(func() error { return mod.OnUnload(ctx) }); err != nil {
		mod.Logger().WithError(err).Errorf("Error occurred while unloading %s", mod.Manifest().FullName())
		errs = append(errs, core.NewLifecycleError(id, "failed to unload module", err))
	}

	m.mu.Lock()
	delete(m.modules, id)
	for i, other := range m.order {
		if other == mod {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if ns := mod.Namespace(); ns != nil {
		if err := ns.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close namespace of %s: %w", id, err))
		}
	}
	mod.SetState(core.StateUnloaded)

	m.publish(telemetry.EventTypeModuleUnloaded, telemetry.EventLevelInfo, id,
		fmt.Sprintf("unloaded %s", mod.Manifest().FullName()), nil)
	return errors.Join(errs...)
}

// Shutdown unloads every module in reverse enable order, clears the symbol
// table, closes the environment and runs the shutdown hooks.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.batch.Lock()
	defer m.batch.Unlock()

	var errs []error
	mods := m.Modules()
	for i := len(mods) - 1; i >= 0; i-- {
		if err := m.unload(ctx, mods[i]); err != nil {
			errs = append(errs, err)
		}
	}

	m.table.Clear()
	if err := m.env.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close environment: %w", err))
	}

	m.mu.Lock()
	m.cycle = nil
	closers := m.closers
	m.closers = nil
	m.mu.Unlock()

	for _, fn := range closers {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	m.updateCounts()
	m.logger.Info("Module host shut down")
	return errors.Join(errs...)
}

// Get returns a loaded module by id.
func (m *Manager) Get(id string) (core.Module, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mod, ok := m.modules[id]
	return mod, ok
}

// Module implements core.Host.
func (m *Manager) Module(id string) (core.Module, bool) {
	return m.Get(id)
}

// Lookup implements resolver.Catalog over the loaded modules. Direct ids win
// over provides aliases.
func (m *Manager) Lookup(id string) (*core.Manifest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if mod, ok := m.modules[id]; ok {
		return mod.Manifest(), true
	}
	for _, mod := range m.order {
		if mod.Manifest().Answers(id) {
			return mod.Manifest(), true
		}
	}
	return nil, false
}

// Modules returns the loaded modules in enable order. Before the first
// successful ordering, and while a cycle blocks ordering, load order is used.
func (m *Manager) Modules() []core.Module {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]core.Module(nil), m.order...)
}

// Dependencies returns the hard dependency ids of a loaded module.
func (m *Manager) Dependencies(id string) ([]string, bool) {
	mod, ok := m.Get(id)
	if !ok {
		return nil, false
	}
	return append([]string(nil), mod.Manifest().Dependencies...), true
}

// IsEnabled reports whether the module is loaded and enabled.
func (m *Manager) IsEnabled(id string) bool {
	mod, ok := m.Get(id)
	return ok && mod.Enabled()
}

// Blocked returns the error that currently blocks EnableAll, if any.
func (m *Manager) Blocked() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cycle
}

// LoadedCount is the number of modules currently held, in any state.
func (m *Manager) LoadedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.modules)
}

// EnabledCount is the number of enabled modules.
func (m *Manager) EnabledCount() int {
	return m.countState(core.StateEnabled)
}

// DisabledCount is the number of disabled modules.
func (m *Manager) DisabledCount() int {
	return m.countState(core.StateDisabled)
}

// FailedCount is the number of archives that failed to load or were pruned.
func (m *Manager) FailedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failed
}

func (m *Manager) countState(s core.State) int {
	n := 0
	for _, mod := range m.Modules() {
		if mod.State() == s {
			n++
		}
	}
	return n
}

func (m *Manager) updateCounts() {
	m.tel.Metrics.SetModuleCounts(m.LoadedCount(), m.EnabledCount())
}

func (m *Manager) onIllegalAccess(consumer, provider, symbol string) {
	m.publish(telemetry.EventTypeIllegalAccess, telemetry.EventLevelWarning, consumer,
		fmt.Sprintf("%s used %s from %s without depending on it", consumer, symbol, provider),
		map[string]interface{}{"provider": provider, "symbol": symbol})
}

func (m *Manager) publish(eventType, level, moduleID, message string, data map[string]interface{}) {
	if err := m.tel.Events.PublishModuleEvent(eventType, level, moduleID, message, data); err != nil {
		m.logger.WithError(err).Debug("Event dropped")
	}
}

// safeCall runs a module callback, turning a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}

// discard releases the archive of a module that lost a duplicate id race.
// Symbols and definitions are keyed by id and belong to the loaded module,
// so they are left alone.
func discard(mod core.Module) {
	ns, ok := mod.Namespace().(interface{ Discard() error })
	if !ok {
		return
	}
	if err := ns.Discard(); err != nil {
		mod.Logger().WithError(err).Warn("Error while discarding duplicate module")
	}
	mod.SetState(core.StateUnloaded)
}

func stillLoaded(mods []core.Module) []core.Module {
	out := mods[:0:0]
	for _, mod := range mods {
		if mod.State() != core.StateUnloaded {
			out = append(out, mod)
		}
	}
	return out
}

func moduleOf(err error) string {
	var merr *core.ModuleError
	if errors.As(err, &merr) {
		return merr.Module
	}
	return ""
}

// Describe renders the loaded modules as "id (state)" lines.
func (m *Manager) Describe() string {
	var sb strings.Builder
	for _, mod := range m.Modules() {
		fmt.Fprintf(&sb, "%s (%s)\n", mod.Manifest().FullName(), mod.State())
	}
	return sb.String()
}
