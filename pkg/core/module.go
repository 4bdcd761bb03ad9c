package core

import (
	"context"
	"sync"

	"github.com/openfroyo/modhost/pkg/telemetry"
)

// State is the lifecycle state of a module.
type State int

const (
	// StateUnloaded is the state before OnLoad and after OnUnload.
	StateUnloaded State = iota
	// StateLoaded means the module was constructed and OnLoad ran.
	StateLoaded
	// StateEnabled means OnEnable completed.
	StateEnabled
	// StateDisabled means OnDisable ran after the module was enabled.
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Unit is a resolved code unit. Resolving the same symbol through the same
// namespace always yields the same *Unit.
type Unit struct {
	// Symbol is the dotted name, e.g. "com.example.Economy".
	Symbol string

	// Path is the archive entry the unit was read from. Empty for fallback units.
	Path string

	// Owner is the id of the defining module. Empty for fallback units.
	Owner string

	// Code holds the bytes after transformation.
	Code []byte

	// Handle is the execution environment's representation of the unit.
	Handle interface{}
}

// Namespace resolves symbols for one module.
type Namespace interface {
	Resolve(ctx context.Context, symbol string) (*Unit, error)
	Symbols() []string
	Close() error
}

// Host gives modules read access to their peers.
type Host interface {
	Module(id string) (Module, bool)
}

// Context is handed to a module by its loader strategy.
type Context struct {
	Manifest    *Manifest
	Namespace   Namespace
	LoaderType  string
	Host        Host
	Logger      *telemetry.Logger
	ArchivePath string
	DataFolder  string
}

// Module is the contract every hosted module implements. Embed Base to get
// the bookkeeping for free and override the callbacks you need.
type Module interface {
	Initialize(ctx context.Context, mc Context) error

	Manifest() *Manifest
	ID() string
	State() State
	SetState(State)
	Enabled() bool
	Namespace() Namespace
	Logger() *telemetry.Logger

	OnLoad(ctx context.Context) error
	OnEnable(ctx context.Context) error
	OnDisable(ctx context.Context) error
	OnUnload(ctx context.Context) error
}

// Base carries the shared state of a module.
type Base struct {
	mu          sync.RWMutex
	mc          Context
	logger      *telemetry.Logger
	state       State
	initialized bool
}

// Initialize stores the module context. It may only be called once.
func (b *Base) Initialize(_ context.Context, mc Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		id := ""
		if mc.Manifest != nil {
			id = mc.Manifest.ID
		}
		return NewLifecycleError(id, "module already initialized", nil)
	}
	if mc.Manifest == nil {
		return NewLifecycleError("", "initialize without manifest", nil)
	}

	logger := mc.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	b.mc = mc
	b.logger = logger.WithModule(mc.Manifest.ID).WithPrefix(mc.Manifest.LogPrefix())
	b.initialized = true
	return nil
}

// Manifest returns the validated manifest.
func (b *Base) Manifest() *Manifest {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mc.Manifest
}

// ID returns the normalized module id.
func (b *Base) ID() string {
	m := b.Manifest()
	if m == nil {
		return ""
	}
	return m.ID
}

func (b *Base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Base) SetState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *Base) Enabled() bool {
	return b.State() == StateEnabled
}

func (b *Base) Namespace() Namespace {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mc.Namespace
}

// Logger returns the module logger. Messages carry the module's display prefix.
func (b *Base) Logger() *telemetry.Logger {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.logger == nil {
		return telemetry.NewNopLogger()
	}
	return b.logger
}

// Host returns the host the module runs in.
func (b *Base) Host() Host {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mc.Host
}

// LoaderType returns the name of the strategy that loaded the module.
func (b *Base) LoaderType() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mc.LoaderType
}

// DataFolder returns the directory reserved for the module's files.
// It is not created automatically.
func (b *Base) DataFolder() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mc.DataFolder
}

// ArchivePath returns the path of the archive the module came from.
func (b *Base) ArchivePath() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mc.ArchivePath
}

func (b *Base) OnLoad(context.Context) error    { return nil }
func (b *Base) OnEnable(context.Context) error  { return nil }
func (b *Base) OnDisable(context.Context) error { return nil }
func (b *Base) OnUnload(context.Context) error  { return nil }
