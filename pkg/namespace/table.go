package namespace

import (
	"context"
	"sort"
	"sync"

	"github.com/openfroyo/modhost/pkg/core"
)

// Provider is a namespace that can be probed for symbols it defines itself.
type Provider interface {
	Manifest() *core.Manifest
	ResolveLocal(ctx context.Context, symbol string) (*core.Unit, bool, error)
}

// Entry is a published symbol and the module that defined it.
type Entry struct {
	Unit  *core.Unit
	Owner *core.Manifest
}

// SymbolTable is the registry shared by every namespace of one manager.
// A symbol is published once; later definitions by other modules stay
// private to their own namespace.
type SymbolTable struct {
	entries sync.Map // symbol -> *Entry

	mu        sync.RWMutex
	providers []Provider
}

// NewSymbolTable creates an empty table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{}
}

// Lookup returns the published entry for symbol.
func (t *SymbolTable) Lookup(symbol string) (*Entry, bool) {
	v, ok := t.entries.Load(symbol)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// Publish records unit as the table's answer for symbol unless one is
// already recorded. It returns the entry that is in the table afterwards.
func (t *SymbolTable) Publish(symbol string, owner *core.Manifest, unit *core.Unit) *Entry {
	v, _ := t.entries.LoadOrStore(symbol, &Entry{Unit: unit, Owner: owner})
	return v.(*Entry)
}

// Forget removes every entry defined by owner and returns how many were removed.
func (t *SymbolTable) Forget(owner string) int {
	removed := 0
	t.entries.Range(func(key, value interface{}) bool {
		if e := value.(*Entry); e.Owner != nil && e.Owner.ID == owner {
			t.entries.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Symbols lists every published symbol, sorted.
func (t *SymbolTable) Symbols() []string {
	var out []string
	t.entries.Range(func(key, _ interface{}) bool {
		out = append(out, key.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// Len returns the number of published symbols.
func (t *SymbolTable) Len() int {
	n := 0
	t.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Register adds p to the providers probed by Probe.
func (t *SymbolTable) Register(p Provider) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.providers = append(t.providers, p)
}

// Unregister removes p from the probed providers.
func (t *SymbolTable) Unregister(p Provider) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, q := range t.providers {
		if q == p {
			t.providers = append(t.providers[:i:i], t.providers[i+1:]...)
			return
		}
	}
}

// Probe asks every registered provider except skip, in registration order,
// whether it defines symbol. Provider errors are treated as a miss.
func (t *SymbolTable) Probe(ctx context.Context, symbol string, skip Provider) (*Entry, bool) {
	t.mu.RLock()
	providers := append([]Provider(nil), t.providers...)
	t.mu.RUnlock()

	for _, p := range providers {
		if p == skip {
			continue
		}
		unit, ok, err := p.ResolveLocal(ctx, symbol)
		if err != nil || !ok {
			continue
		}
		return &Entry{Unit: unit, Owner: p.Manifest()}, true
	}
	return nil, false
}

// Clear drops all entries and providers.
func (t *SymbolTable) Clear() {
	t.entries.Range(func(key, _ interface{}) bool {
		t.entries.Delete(key)
		return true
	})
	t.mu.Lock()
	t.providers = nil
	t.mu.Unlock()
}
