package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/modhost/pkg/core"
)

// WASMConfig contains configuration for the WASM environment.
type WASMConfig struct {
	// MemoryLimitPages is the maximum memory per instance in pages (64KB each).
	// Default is 256 pages (16MB).
	MemoryLimitPages uint32

	// EnableWASI instantiates wasi_snapshot_preview1 so units may import it.
	EnableWASI bool
}

// WASMEnvironment compiles code units as WebAssembly modules with wazero.
// Handles returned by Define are wazero.CompiledModule values.
type WASMEnvironment struct {
	runtime wazero.Runtime

	mu       sync.RWMutex
	compiled map[defKey]wazero.CompiledModule
	builtins map[string]*core.Unit
	closed   bool
}

// NewWASMEnvironment creates a wazero runtime with the given limits.
func NewWASMEnvironment(ctx context.Context, cfg *WASMConfig) (*WASMEnvironment, error) {
	if cfg == nil {
		cfg = &WASMConfig{EnableWASI: true}
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if cfg.EnableWASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
			runtime.Close(ctx)
			return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
		}
	}

	return &WASMEnvironment{
		runtime:  runtime,
		compiled: make(map[defKey]wazero.CompiledModule),
		builtins: make(map[string]*core.Unit),
	}, nil
}

// ProvideModule compiles code and serves it from Resolve under symbol.
func (e *WASMEnvironment) ProvideModule(ctx context.Context, symbol string, code []byte) error {
	compiled, err := e.runtime.CompileModule(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to compile host unit %s: %w", symbol, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.builtins[symbol] = &core.Unit{Symbol: symbol, Code: code, Handle: compiled}
	return nil
}

func (e *WASMEnvironment) Define(ctx context.Context, owner, symbol string, code []byte) (interface{}, error) {
	key := defKey{owner: owner, symbol: symbol}

	e.mu.RLock()
	_, exists := e.compiled[key]
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("environment closed")
	}
	if exists {
		return nil, fmt.Errorf("%s already defined by %s", symbol, owner)
	}

	compiled, err := e.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", symbol, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.compiled[key]; exists {
		compiled.Close(ctx)
		return nil, fmt.Errorf("%s already defined by %s", symbol, owner)
	}
	e.compiled[key] = compiled
	return compiled, nil
}

func (e *WASMEnvironment) IsDefined(owner, symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.compiled[defKey{owner: owner, symbol: symbol}]
	return ok
}

func (e *WASMEnvironment) Resolve(_ context.Context, symbol string) (*core.Unit, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if u, ok := e.builtins[symbol]; ok {
		return u, nil
	}
	return nil, core.NewNotFoundError(fmt.Sprintf("host does not provide %s", symbol), nil)
}

// Release closes the compiled modules owned by owner. Instances created from
// them keep running until they are closed.
func (e *WASMEnvironment) Release(ctx context.Context, owner string) error {
	e.mu.Lock()
	var released []wazero.CompiledModule
	for k, compiled := range e.compiled {
		if k.owner == owner {
			released = append(released, compiled)
			delete(e.compiled, k)
		}
	}
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil
	}

	var errs []error
	for _, compiled := range released {
		if err := compiled.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Instantiate creates an anonymous instance of a resolved unit. Reactor
// modules get their _initialize export run; _start is never called.
func (e *WASMEnvironment) Instantiate(ctx context.Context, unit *core.Unit) (api.Module, error) {
	compiled, ok := unit.Handle.(wazero.CompiledModule)
	if !ok {
		return nil, fmt.Errorf("unit %s was not compiled by a WASM environment", unit.Symbol)
	}
	mod, err := e.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize").
		WithStdout(os.Stderr).
		WithStderr(os.Stderr))
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate %s: %w", unit.Symbol, err)
	}
	return mod, nil
}

// Close closes the runtime and every compiled module. It is idempotent.
func (e *WASMEnvironment) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.compiled = make(map[defKey]wazero.CompiledModule)
	return e.runtime.Close(ctx)
}
