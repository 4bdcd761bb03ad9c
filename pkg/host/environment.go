// Package host provides execution environments in which module code units
// are defined. The environment is shared by every namespace of a manager;
// definitions are keyed by owning module so two modules may define the same
// symbol independently.
package host

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/modhost/pkg/core"
)

// Environment defines code units and resolves symbols the host itself provides.
type Environment interface {
	// Define turns transformed bytes into a runnable handle for owner.
	// Defining the same (owner, symbol) twice is an error.
	Define(ctx context.Context, owner, symbol string, code []byte) (interface{}, error)

	// IsDefined reports whether owner already defined symbol.
	IsDefined(owner, symbol string) bool

	// Resolve looks up a symbol provided by the host. It is the last resort
	// of namespace resolution and returns a NotFound error on a miss.
	Resolve(ctx context.Context, symbol string) (*core.Unit, error)

	// Release drops every definition owned by owner so the module can be
	// defined again after an unload.
	Release(ctx context.Context, owner string) error

	// Close releases everything defined in the environment.
	Close(ctx context.Context) error
}

type defKey struct {
	owner  string
	symbol string
}

// MemoryEnvironment keeps defined units as byte slices. Useful for tests and
// for hosts whose units are data rather than executable code.
type MemoryEnvironment struct {
	mu       sync.RWMutex
	defined  map[defKey][]byte
	builtins map[string]*core.Unit
}

// NewMemoryEnvironment creates an empty environment.
func NewMemoryEnvironment() *MemoryEnvironment {
	return &MemoryEnvironment{
		defined:  make(map[defKey][]byte),
		builtins: make(map[string]*core.Unit),
	}
}

// Provide registers a host symbol returned by Resolve.
func (e *MemoryEnvironment) Provide(symbol string, handle interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.builtins[symbol] = &core.Unit{Symbol: symbol, Handle: handle}
}

func (e *MemoryEnvironment) Define(_ context.Context, owner, symbol string, code []byte) (interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := defKey{owner: owner, symbol: symbol}
	if _, exists := e.defined[key]; exists {
		return nil, fmt.Errorf("%s already defined by %s", symbol, owner)
	}
	handle := append([]byte(nil), code...)
	e.defined[key] = handle
	return handle, nil
}

func (e *MemoryEnvironment) IsDefined(owner, symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.defined[defKey{owner: owner, symbol: symbol}]
	return ok
}

func (e *MemoryEnvironment) Resolve(_ context.Context, symbol string) (*core.Unit, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if u, ok := e.builtins[symbol]; ok {
		return u, nil
	}
	return nil, core.NewNotFoundError(fmt.Sprintf("host does not provide %s", symbol), nil)
}

func (e *MemoryEnvironment) Release(_ context.Context, owner string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.defined {
		if k.owner == owner {
			delete(e.defined, k)
		}
	}
	return nil
}

// Definitions lists the symbols defined by owner, sorted.
func (e *MemoryEnvironment) Definitions(owner string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for k := range e.defined {
		if k.owner == owner {
			out = append(out, k.symbol)
		}
	}
	sort.Strings(out)
	return out
}

func (e *MemoryEnvironment) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defined = make(map[defKey][]byte)
	return nil
}
