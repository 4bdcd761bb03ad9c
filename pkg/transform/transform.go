// Package transform rewrites code units between reading them from an archive
// and defining them in the execution environment.
//
// Hooks are shared by every namespace and must be safe for concurrent use.
// Namespaces never call a Hook directly; they go through a Guard, which turns
// any failure into "use the original bytes".
package transform

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/modhost/pkg/core"
	"github.com/openfroyo/modhost/pkg/telemetry"
)

// Hook transforms the raw bytes of one code unit.
type Hook interface {
	Transform(m *core.Manifest, path string, raw []byte) ([]byte, error)
}

// HookFunc adapts a function to Hook.
type HookFunc func(m *core.Manifest, path string, raw []byte) ([]byte, error)

func (f HookFunc) Transform(m *core.Manifest, path string, raw []byte) ([]byte, error) {
	return f(m, path, raw)
}

// Identity returns its input unchanged.
type Identity struct{}

func (Identity) Transform(_ *core.Manifest, _ string, raw []byte) ([]byte, error) {
	return raw, nil
}

// Chain applies hooks in order, feeding each the previous output.
type Chain []Hook

func (c Chain) Transform(m *core.Manifest, path string, raw []byte) ([]byte, error) {
	out := raw
	for i, h := range c {
		next, err := h.Transform(m, path, out)
		if err != nil {
			return nil, fmt.Errorf("hook %d: %w", i, err)
		}
		out = next
	}
	return out, nil
}

// ReferenceRewriter replaces symbol references according to a rename table.
// The input is scanned once and the longest rule matching at each position
// wins, so a.b.C is not clobbered by a rule for a.b and replaced text is
// never rewritten again. Units with no matching reference pass through
// untouched.
type ReferenceRewriter struct {
	replacer *strings.Replacer
	froms    []string
}

// NewReferenceRewriter builds a rewriter from old-name to new-name pairs.
func NewReferenceRewriter(renames map[string]string) (*ReferenceRewriter, error) {
	froms := make([]string, 0, len(renames))
	for from := range renames {
		if from == "" {
			return nil, fmt.Errorf("rename rule with empty source name")
		}
		froms = append(froms, from)
	}
	// strings.Replacer prefers earlier pairs at the same position
	sort.Slice(froms, func(i, j int) bool {
		if len(froms[i]) != len(froms[j]) {
			return len(froms[i]) > len(froms[j])
		}
		return froms[i] < froms[j]
	})

	pairs := make([]string, 0, 2*len(froms))
	for _, from := range froms {
		pairs = append(pairs, from, renames[from])
	}
	return &ReferenceRewriter{replacer: strings.NewReplacer(pairs...), froms: froms}, nil
}

func (r *ReferenceRewriter) Transform(_ *core.Manifest, _ string, raw []byte) ([]byte, error) {
	matched := false
	for _, from := range r.froms {
		if bytes.Contains(raw, []byte(from)) {
			matched = true
			break
		}
	}
	if !matched {
		return raw, nil
	}
	return []byte(r.replacer.Replace(string(raw))), nil
}

// Guard applies a Hook without ever failing.
type Guard struct {
	hook    Hook
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewGuard wraps hook. A nil hook behaves as Identity.
func NewGuard(hook Hook, logger *telemetry.Logger, metrics *telemetry.Metrics) *Guard {
	if hook == nil {
		hook = Identity{}
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Guard{
		hook:    hook,
		logger:  logger.NewComponentLogger("transform"),
		metrics: metrics,
	}
}

// Apply returns the transformed bytes, or raw if the hook errors, panics or
// returns nil.
func (g *Guard) Apply(m *core.Manifest, path string, raw []byte) (out []byte) {
	moduleID := ""
	if m != nil {
		moduleID = m.ID
	}

	defer func() {
		if r := recover(); r != nil {
			g.fail(moduleID, path, fmt.Errorf("panic: %v", r))
			out = raw
		}
	}()

	transformed, err := g.hook.Transform(m, path, raw)
	if err != nil {
		g.fail(moduleID, path, err)
		return raw
	}
	if transformed == nil {
		return raw
	}
	return transformed
}

func (g *Guard) fail(moduleID, path string, err error) {
	g.metrics.RecordTransformFailure(moduleID)
	g.logger.
		WithModule(moduleID).
		WithField("path", path).
		WithError(core.NewTransformError(moduleID, path, err)).
		Error("failed to transform unit, using original bytes")
}
