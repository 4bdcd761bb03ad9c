package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/openfroyo/modhost/pkg/core"
	"github.com/openfroyo/modhost/pkg/namespace"
)

// StandardType is the type name of the StandardLoader.
const StandardType = "standard"

// Factory creates the module instance for an entry-point reference.
type Factory func() core.Module

// StandardLoader builds modules from factories registered per main entry.
type StandardLoader struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewStandardLoader creates a loader with no factories.
func NewStandardLoader() *StandardLoader {
	return &StandardLoader{factories: make(map[string]Factory)}
}

// RegisterFactory binds the main entry reference to a factory.
func (l *StandardLoader) RegisterFactory(main string, f Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[main] = f
}

// Mains lists the registered entry references.
func (l *StandardLoader) Mains() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.factories))
	for main := range l.factories {
		out = append(out, main)
	}
	sort.Strings(out)
	return out
}

func (l *StandardLoader) TypeName() string {
	return StandardType
}

// Load resolves the main unit through a fresh namespace, then creates and
// initializes the module from its factory.
func (l *StandardLoader) Load(ctx context.Context, req *Request) (core.Module, error) {
	m := req.Manifest

	l.mu.RLock()
	factory, ok := l.factories[m.Main]
	l.mu.RUnlock()
	if !ok {
		return nil, core.NewConfigurationError(
			fmt.Sprintf("no entry point registered for main '%s'", m.Main), nil).WithModule(m.ID)
	}

	dataFolder, err := DataFolder(req.Path, m.ID)
	if err != nil {
		return nil, err
	}

	ns, err := namespace.New(req.NamespaceConfig())
	if err != nil {
		return nil, err
	}

	mod, err := l.build(ctx, req, ns, factory, dataFolder)
	if err != nil {
		ns.Close()
		return nil, err
	}
	return mod, nil
}

func (l *StandardLoader) build(ctx context.Context, req *Request, ns *namespace.Namespace, factory Factory, dataFolder string) (core.Module, error) {
	m := req.Manifest

	if _, err := ns.Resolve(ctx, m.Main); err != nil {
		return nil, core.NewConfigurationError(
			fmt.Sprintf("cannot find main entry '%s'", m.Main), err).WithModule(m.ID)
	}

	mod, err := callFactory(m.ID, factory)
	if err != nil {
		return nil, err
	}

	err = mod.Initialize(ctx, core.Context{
		Manifest:    m,
		Namespace:   ns,
		LoaderType:  StandardType,
		Host:        req.Services.Host,
		Logger:      req.Services.Logger,
		ArchivePath: req.Path,
		DataFolder:  dataFolder,
	})
	if err != nil {
		return nil, core.NewConfigurationError("failed to initialize module", err).WithModule(m.ID)
	}
	return mod, nil
}

func callFactory(id string, factory Factory) (mod core.Module, err error) {
	defer func() {
		if p := recover(); p != nil {
			mod = nil
			err = core.NewConfigurationError("module factory panicked", fmt.Errorf("panic: %v", p)).WithModule(id)
		}
	}()

	mod = factory()
	if mod == nil {
		return nil, core.NewConfigurationError("module factory returned nil", nil).WithModule(id)
	}
	return mod, nil
}

// DataFolder returns <archive dir>/<id>. It fails if that path exists and
// is not a directory. The folder itself is not created.
func DataFolder(archivePath, id string) (string, error) {
	dir := filepath.Join(filepath.Dir(archivePath), id)
	info, err := os.Stat(dir)
	if err == nil && !info.IsDir() {
		return "", core.NewConfigurationError(
			fmt.Sprintf("data folder '%s' exists and is not a directory", dir), nil).WithModule(id)
	}
	return dir, nil
}
