// Package resolver answers dependency questions about a set of module
// manifests: which declared dependencies are missing, whether one module
// reaches another through hard dependencies, and in which order a set of
// modules must be enabled.
//
// Edges are never cached. Every call walks the manifests as they are now.
package resolver

import (
	"sort"
	"strings"

	"github.com/openfroyo/modhost/pkg/core"
	"github.com/openfroyo/modhost/pkg/telemetry"
)

// Catalog finds the loaded module that answers an id, either directly or
// through its provides list.
type Catalog interface {
	Lookup(id string) (*core.Manifest, bool)
}

// StaticCatalog is a Catalog over a fixed slice. Direct ids win over aliases;
// among aliases the earliest manifest wins.
type StaticCatalog []*core.Manifest

func (c StaticCatalog) Lookup(id string) (*core.Manifest, bool) {
	for _, m := range c {
		if m.ID == id {
			return m, true
		}
	}
	for _, m := range c {
		if m.Answers(id) {
			return m, true
		}
	}
	return nil, false
}

// Resolver checks dependencies against a Catalog.
type Resolver struct {
	catalog Catalog
	logger  *telemetry.Logger
}

// New creates a resolver.
func New(catalog Catalog, logger *telemetry.Logger) *Resolver {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Resolver{
		catalog: catalog,
		logger:  logger.NewComponentLogger("resolver"),
	}
}

// CheckSoft returns the soft dependencies of m that are not loaded and logs
// them as a single warning.
func (r *Resolver) CheckSoft(m *core.Manifest) []string {
	missing := r.missing(m.SoftDependencies)
	if len(missing) > 0 {
		r.logger.WithModule(m.ID).
			WithField("missing", missing).
			Warnf("module '%s' may have limited functionality because it soft-depends on modules that do not exist: [%s]",
				m.ID, strings.Join(missing, ", "))
	}
	return missing
}

// CheckHard returns a MissingDependency error naming every hard dependency
// of m that is not loaded.
func (r *Resolver) CheckHard(m *core.Manifest) error {
	missing := r.missing(m.Dependencies)
	if len(missing) > 0 {
		return core.NewMissingDependencyError(m.ID, missing)
	}
	return nil
}

func (r *Resolver) missing(ids []string) []string {
	var out []string
	for _, id := range ids {
		if _, ok := r.catalog.Lookup(id); !ok {
			out = append(out, id)
		}
	}
	return out
}

// IsTransitiveDependency reports whether depend is reachable from m over
// hard dependency edges. A module also counts as reached when one of its
// provides aliases appears on the path.
func (r *Resolver) IsTransitiveDependency(m, depend *core.Manifest) bool {
	if m == nil || depend == nil {
		return false
	}

	visited := map[string]bool{m.ID: true}
	queue := append([]string(nil), m.Dependencies...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if depend.Answers(id) {
			return true
		}

		next, ok := r.catalog.Lookup(id)
		if !ok || visited[next.ID] {
			continue
		}
		visited[next.ID] = true

		if next.ID == depend.ID {
			return true
		}
		queue = append(queue, next.Dependencies...)
	}
	return false
}

// Order sorts modules so that every module's hard dependencies inside the
// set come first. Dependencies outside the set are ignored. Modules with no
// constraint between them keep their input order. A cycle aborts the sort
// with a CycleError naming the modules on it.
func Order(modules []*core.Manifest) ([]*core.Manifest, error) {
	g, err := newGraph(modules)
	if err != nil {
		return nil, err
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, core.NewCycleError(cycle)
	}

	return g.sort(), nil
}

// graph holds the dependency edges of one Order call.
type graph struct {
	nodes []*core.Manifest
	index map[string]int

	// dependents[i] lists the nodes that depend on node i
	dependents [][]int

	// inDegree[i] is the number of in-set dependencies of node i
	inDegree []int
}

func newGraph(modules []*core.Manifest) (*graph, error) {
	g := &graph{
		nodes:      modules,
		index:      make(map[string]int, len(modules)),
		dependents: make([][]int, len(modules)),
		inDegree:   make([]int, len(modules)),
	}

	for i, m := range modules {
		if _, exists := g.index[m.ID]; exists {
			return nil, core.NewConfigurationError(core.MsgDuplicateID, nil).WithModule(m.ID)
		}
		g.index[m.ID] = i
	}

	catalog := StaticCatalog(modules)
	for i, m := range modules {
		seen := make(map[int]bool)
		for _, dep := range m.Dependencies {
			target, ok := catalog.Lookup(dep)
			if !ok {
				continue
			}
			j := g.index[target.ID]
			if seen[j] {
				continue
			}
			seen[j] = true
			g.dependents[j] = append(g.dependents[j], i)
			g.inDegree[i]++
		}
	}

	return g, nil
}

// sort runs Kahn's algorithm, always taking the ready node with the lowest
// input index.
func (g *graph) sort() []*core.Manifest {
	inDegree := append([]int(nil), g.inDegree...)

	var ready []int
	for i, d := range inDegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]*core.Manifest, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Ints(ready)
		n := ready[0]
		ready = ready[1:]
		out = append(out, g.nodes[n])

		for _, dependent := range g.dependents[n] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return out
}

// findCycle returns the first cycle found by depth-first search, as a path
// that starts and ends with the same id, or nil.
func (g *graph) findCycle() []string {
	visited := make([]bool, len(g.nodes))
	onStack := make([]bool, len(g.nodes))
	var path []int

	var visit func(n int) []string
	visit = func(n int) []string {
		visited[n] = true
		onStack[n] = true
		path = append(path, n)

		for _, next := range g.dependents[n] {
			if !visited[next] {
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			} else if onStack[next] {
				start := 0
				for k, id := range path {
					if id == next {
						start = k
						break
					}
				}
				cycle := make([]string, 0, len(path)-start+1)
				for _, id := range path[start:] {
					cycle = append(cycle, g.nodes[id].ID)
				}
				return append(cycle, g.nodes[next].ID)
			}
		}

		onStack[n] = false
		path = path[:len(path)-1]
		return nil
	}

	for i := range g.nodes {
		if !visited[i] {
			if cycle := visit(i); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// FormatOrder renders an order as "a -> b -> c".
func FormatOrder(modules []*core.Manifest) string {
	ids := make([]string, len(modules))
	for i, m := range modules {
		ids[i] = m.ID
	}
	return strings.Join(ids, " -> ")
}

// Prune removes modules whose hard dependencies are not satisfied by the
// rest of the set, repeating until no more are removed. It returns the
// survivors in input order and the MissingDependency error of every pruned
// module.
func Prune(modules []*core.Manifest) ([]*core.Manifest, map[string]error) {
	survivors := append([]*core.Manifest(nil), modules...)
	pruned := make(map[string]error)

	for {
		r := &Resolver{catalog: StaticCatalog(survivors), logger: telemetry.NewNopLogger()}
		next := survivors[:0:0]
		for _, m := range survivors {
			if err := r.CheckHard(m); err != nil {
				pruned[m.ID] = err
				continue
			}
			next = append(next, m)
		}
		if len(next) == len(survivors) {
			return next, pruned
		}
		survivors = next
	}
}
