package transform

import (
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/modhost/pkg/core"
)

const defaultScriptTimeout = 5 * time.Second

// ScriptHook runs a Starlark program for every unit. The program sees
// module (a struct with id, version, main and type), path and unit (bytes)
// and must assign the new bytes or string to result. Leaving result unset
// keeps the unit as is.
type ScriptHook struct {
	name     string
	program  *starlark.Program
	timeout  time.Duration
	maxSteps uint64
}

// ScriptOption configures a ScriptHook.
type ScriptOption func(*ScriptHook)

// WithScriptTimeout bounds the wall time of one run.
func WithScriptTimeout(d time.Duration) ScriptOption {
	return func(h *ScriptHook) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithMaxSteps bounds the number of Starlark computation steps of one run.
func WithMaxSteps(n uint64) ScriptOption {
	return func(h *ScriptHook) {
		h.maxSteps = n
	}
}

var scriptPredeclared = map[string]bool{
	"module": true,
	"path":   true,
	"unit":   true,
	"struct": true,
}

// NewScriptHook compiles src. Syntax and resolution errors are reported here
// rather than on first use.
func NewScriptHook(name, src string, opts ...ScriptOption) (*ScriptHook, error) {
	_, prog, err := starlark.SourceProgram(name, src, func(id string) bool {
		return scriptPredeclared[id]
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compile transform script %s: %w", name, err)
	}

	h := &ScriptHook{
		name:    name,
		program: prog,
		timeout: defaultScriptTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *ScriptHook) Transform(m *core.Manifest, path string, raw []byte) ([]byte, error) {
	thread := &starlark.Thread{
		Name:  "transform:" + h.name,
		Print: func(_ *starlark.Thread, _ string) {},
	}
	if h.maxSteps > 0 {
		thread.SetMaxExecutionSteps(h.maxSteps)
	}

	timer := time.AfterFunc(h.timeout, func() {
		thread.Cancel(fmt.Sprintf("timeout after %v", h.timeout))
	})
	defer timer.Stop()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"module": manifestStruct(m),
		"path":   starlark.String(path),
		"unit":   starlark.Bytes(raw),
	}

	globals, err := h.program.Init(thread, predeclared)
	if err != nil {
		return nil, fmt.Errorf("transform script %s failed: %w", h.name, err)
	}

	result, ok := globals["result"]
	if !ok {
		return raw, nil
	}
	switch v := result.(type) {
	case starlark.Bytes:
		return []byte(v), nil
	case starlark.String:
		return []byte(v), nil
	case starlark.NoneType:
		return raw, nil
	default:
		return nil, fmt.Errorf("transform script %s: result must be bytes or string, got %s", h.name, result.Type())
	}
}

func manifestStruct(m *core.Manifest) starlark.Value {
	if m == nil {
		return starlark.None
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"id":      starlark.String(m.ID),
		"version": starlark.String(m.Version),
		"main":    starlark.String(m.Main),
		"type":    starlark.String(m.Type),
	})
}
