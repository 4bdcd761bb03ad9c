package loader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/openfroyo/modhost/pkg/core"
	"github.com/openfroyo/modhost/pkg/host"
	"github.com/openfroyo/modhost/pkg/namespace"
)

// WASMType is the type name of the WASMLoader.
const WASMType = "wasm"

// Lifecycle functions a WASM module may export. Each takes no arguments and
// returns an i32 status where 0 means success.
const (
	ExportEnable  = "module_enable"
	ExportDisable = "module_disable"
)

// WASMLoader loads modules whose main unit is a WebAssembly binary. Units
// are compiled in a dedicated WASM environment instead of the shared one.
type WASMLoader struct {
	env     *host.WASMEnvironment
	timeout time.Duration
}

// NewWASMLoader creates a loader backed by env. A zero timeout means 30s.
func NewWASMLoader(env *host.WASMEnvironment, timeout time.Duration) *WASMLoader {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &WASMLoader{env: env, timeout: timeout}
}

func (l *WASMLoader) TypeName() string {
	return WASMType
}

// Load compiles the main unit. The module is instantiated on enable.
func (l *WASMLoader) Load(ctx context.Context, req *Request) (core.Module, error) {
	m := req.Manifest

	dataFolder, err := DataFolder(req.Path, m.ID)
	if err != nil {
		return nil, err
	}

	cfg := req.NamespaceConfig()
	cfg.Environment = l.env
	ns, err := namespace.New(cfg)
	if err != nil {
		return nil, err
	}

	unit, err := ns.Resolve(ctx, m.Main)
	if err != nil {
		ns.Close()
		return nil, core.NewConfigurationError(
			fmt.Sprintf("cannot find main entry '%s'", m.Main), err).WithModule(m.ID)
	}

	mod := &WASMModule{env: l.env, main: unit, timeout: l.timeout}
	err = mod.Initialize(ctx, core.Context{
		Manifest:    m,
		Namespace:   ns,
		LoaderType:  WASMType,
		Host:        req.Services.Host,
		Logger:      req.Services.Logger,
		ArchivePath: req.Path,
		DataFolder:  dataFolder,
	})
	if err != nil {
		ns.Close()
		return nil, err
	}
	return mod, nil
}

// WASMModule is a module whose behavior lives in a WebAssembly instance.
type WASMModule struct {
	core.Base

	env     *host.WASMEnvironment
	main    *core.Unit
	timeout time.Duration

	mu       sync.Mutex
	instance api.Module
}

// Instance returns the running instance, or nil when the module is not enabled.
func (w *WASMModule) Instance() api.Module {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.instance
}

func (w *WASMModule) OnEnable(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.instance != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	instance, err := w.env.Instantiate(ctx, w.main)
	if err != nil {
		return err
	}
	if err := callExport(ctx, instance, ExportEnable); err != nil {
		instance.Close(context.Background())
		return err
	}
	w.instance = instance
	return nil
}

func (w *WASMModule) OnDisable(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.instance == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	callErr := callExport(ctx, w.instance, ExportDisable)
	closeErr := w.instance.Close(context.Background())
	w.instance = nil
	if callErr != nil {
		return callErr
	}
	return closeErr
}

func (w *WASMModule) OnUnload(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.instance == nil {
		return nil
	}
	err := w.instance.Close(ctx)
	w.instance = nil
	return err
}

// callExport calls an optional lifecycle export. A missing export is not an error.
func callExport(ctx context.Context, instance api.Module, name string) error {
	fn := instance.ExportedFunction(name)
	if fn == nil {
		return nil
	}

	results, err := fn.Call(ctx)
	if err != nil {
		return fmt.Errorf("%s failed: %w", name, err)
	}
	if len(results) > 0 && api.DecodeI32(results[0]) != 0 {
		return fmt.Errorf("%s returned status %d", name, api.DecodeI32(results[0]))
	}
	return nil
}
