package transform

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/modhost/pkg/core"
	"github.com/openfroyo/modhost/pkg/telemetry"
)

var testManifest = &core.Manifest{ID: "economy", Version: "1.0", Main: "com.example.Economy", Type: "standard"}

func TestChain(t *testing.T) {
	upper := HookFunc(func(_ *core.Manifest, _ string, raw []byte) ([]byte, error) {
		return bytes.ToUpper(raw), nil
	})
	suffix := HookFunc(func(_ *core.Manifest, _ string, raw []byte) ([]byte, error) {
		return append(append([]byte{}, raw...), '!'), nil
	})

	out, err := Chain{Identity{}, upper, suffix}.Transform(testManifest, "a/B.unit", []byte("abc"))
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if string(out) != "ABC!" {
		t.Errorf("Transform() = %q", out)
	}

	failing := HookFunc(func(*core.Manifest, string, []byte) ([]byte, error) {
		return nil, errors.New("nope")
	})
	if _, err := (Chain{upper, failing}).Transform(testManifest, "a/B.unit", []byte("x")); err == nil {
		t.Error("expected chain to propagate error")
	}
}

func TestReferenceRewriter(t *testing.T) {
	rw, err := NewReferenceRewriter(map[string]string{
		"org.legacy.api":         "org.host.api",
		"org.legacy.api.Economy": "org.host.economy.Service",
	})
	if err != nil {
		t.Fatalf("NewReferenceRewriter() error = %v", err)
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "longest rule wins", in: "call org.legacy.api.Economy.deposit", want: "call org.host.economy.Service.deposit"},
		{name: "short rule", in: "use org.legacy.api.Chat", want: "use org.host.api.Chat"},
		{name: "no match", in: "nothing to see", want: "nothing to see"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := rw.Transform(testManifest, "a/B.unit", []byte(tt.in))
			if err != nil {
				t.Fatalf("Transform() error = %v", err)
			}
			if string(out) != tt.want {
				t.Errorf("Transform() = %q, want %q", out, tt.want)
			}
		})
	}

	// replaced text is not fed to shorter rules again
	overlap, err := NewReferenceRewriter(map[string]string{"a.b.C": "a.b.D", "a.b": "z"})
	if err != nil {
		t.Fatal(err)
	}
	for in, want := range map[string]string{
		"call a.b.C":          "call a.b.D",
		"call a.b.E":          "call z.E",
		"a.b.C and a.b.Other": "a.b.D and z.Other",
	} {
		out, err := overlap.Transform(testManifest, "a/B.unit", []byte(in))
		if err != nil {
			t.Fatalf("Transform(%q) error = %v", in, err)
		}
		if string(out) != want {
			t.Errorf("Transform(%q) = %q, want %q", in, out, want)
		}
	}

	if _, err := NewReferenceRewriter(map[string]string{"": "x"}); err == nil {
		t.Error("expected error for empty rule")
	}
}

func TestGuard_FailsOpen(t *testing.T) {
	var buf bytes.Buffer
	logger := telemetry.NewLoggerFrom(zerolog.New(&buf))
	metrics, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		hook Hook
		want string
		logs bool
	}{
		{
			name: "error",
			hook: HookFunc(func(*core.Manifest, string, []byte) ([]byte, error) { return nil, errors.New("bad unit") }),
			want: "raw",
			logs: true,
		},
		{
			name: "panic",
			hook: HookFunc(func(*core.Manifest, string, []byte) ([]byte, error) { panic("boom") }),
			want: "raw",
			logs: true,
		},
		{
			name: "nil output",
			hook: HookFunc(func(*core.Manifest, string, []byte) ([]byte, error) { return nil, nil }),
			want: "raw",
		},
		{
			name: "success",
			hook: HookFunc(func(*core.Manifest, string, []byte) ([]byte, error) { return []byte("new"), nil }),
			want: "new",
		},
		{name: "nil hook", hook: nil, want: "raw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			g := NewGuard(tt.hook, logger, metrics)
			out := g.Apply(testManifest, "com/example/Economy.unit", []byte("raw"))
			if string(out) != tt.want {
				t.Errorf("Apply() = %q, want %q", out, tt.want)
			}
			logged := strings.Contains(buf.String(), "failed to transform unit")
			if logged != tt.logs {
				t.Errorf("logged = %v, want %v (%s)", logged, tt.logs, buf.String())
			}
			if tt.logs && !strings.Contains(buf.String(), `"level":"error"`) {
				t.Errorf("expected error level, got %s", buf.String())
			}
		})
	}
}

func TestScriptHook(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		want    string
		wantErr bool
	}{
		{name: "passthrough without result", src: "x = 1\n", want: "raw"},
		{name: "bytes result", src: "result = unit\n", want: "raw"},
		{name: "string result", src: `result = "patched:" + module.id + ":" + path` + "\n", want: "patched:economy:a/B.unit"},
		{
			name: "helper function",
			src: `
def tag(m):
    return m.main + "@" + m.version

result = tag(module)
`,
			want: "com.example.Economy@1.0",
		},
		{name: "fail builtin", src: `fail("rejected")` + "\n", wantErr: true},
		{name: "wrong result type", src: "result = 42\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := NewScriptHook("test.star", tt.src)
			if err != nil {
				t.Fatalf("NewScriptHook() error = %v", err)
			}
			out, err := h.Transform(testManifest, "a/B.unit", []byte("raw"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Transform() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && string(out) != tt.want {
				t.Errorf("Transform() = %q, want %q", out, tt.want)
			}
		})
	}
}

func TestScriptHook_CompileError(t *testing.T) {
	if _, err := NewScriptHook("bad.star", "result = = 1"); err == nil {
		t.Error("expected syntax error")
	}
	if _, err := NewScriptHook("bad.star", "result = undefined_name"); err == nil {
		t.Error("expected resolve error")
	}
}

func TestScriptHook_StepLimit(t *testing.T) {
	src := `
def spin():
    n = 0
    for i in range(1000000):
        n += i
    return str(n)

result = spin()
`
	h, err := NewScriptHook("spin.star", src, WithMaxSteps(1000), WithScriptTimeout(time.Second))
	if err != nil {
		t.Fatalf("NewScriptHook() error = %v", err)
	}
	if _, err := h.Transform(testManifest, "a/B.unit", nil); err == nil {
		t.Error("expected step limit error")
	}
}
