package loader

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/openfroyo/modhost/pkg/archive"
	"github.com/openfroyo/modhost/pkg/core"
	"github.com/openfroyo/modhost/pkg/host"
	"github.com/openfroyo/modhost/pkg/namespace"
	"github.com/openfroyo/modhost/pkg/transform"
)

// emptyWASM is the smallest valid WebAssembly binary.
var emptyWASM = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

type testModule struct {
	core.Base
}

type stubStrategy struct {
	name string
}

func (s *stubStrategy) TypeName() string { return s.name }

func (s *stubStrategy) Load(context.Context, *Request) (core.Module, error) {
	return nil, errors.New("stub")
}

// writeModule writes a directory archive under root and returns its path.
func writeModule(t *testing.T, root string, manifest map[string]interface{}, units map[string][]byte) string {
	t.Helper()

	id, _ := manifest["id"].(string)
	dir := filepath.Join(root, id+"-archive")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, archive.ManifestJSON), data, 0o644); err != nil {
		t.Fatal(err)
	}

	for symbol, body := range units {
		p := filepath.Join(dir, filepath.FromSlash(archive.UnitPath(symbol)))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, body, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func newServices() *Services {
	return &Services{
		Table:       namespace.NewSymbolTable(),
		Environment: host.NewMemoryEnvironment(),
		Guard:       transform.NewGuard(nil, nil, nil),
	}
}

func newStandardRegistry(t *testing.T, opts Options) (*Registry, *StandardLoader) {
	t.Helper()
	std := NewStandardLoader()
	std.RegisterFactory("economy.Main", func() core.Module { return &testModule{} })

	r := NewRegistry(newServices(), opts)
	if err := r.RegisterType(func() (Strategy, error) { return std, nil }); err != nil {
		t.Fatalf("RegisterType() error = %v", err)
	}
	return r, std
}

func TestRegisterType(t *testing.T) {
	tests := []struct {
		name        string
		constructor Constructor
	}{
		{name: "nil constructor", constructor: nil},
		{name: "error", constructor: func() (Strategy, error) { return nil, errors.New("boom") }},
		{name: "panic", constructor: func() (Strategy, error) { panic("boom") }},
		{name: "nil strategy", constructor: func() (Strategy, error) { return nil, nil }},
		{name: "empty type", constructor: func() (Strategy, error) { return &stubStrategy{}, nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(nil, Options{})
			err := r.RegisterType(tt.constructor)
			if !core.IsConfiguration(err) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			if len(r.Types()) != 0 {
				t.Errorf("registry should be unchanged, got %v", r.Types())
			}
		})
	}
}

func TestRegisterType_CalledOnceAndLastWins(t *testing.T) {
	r := NewRegistry(nil, Options{})

	calls := 0
	first := &stubStrategy{name: "x"}
	second := &stubStrategy{name: "x"}
	if err := r.RegisterType(func() (Strategy, error) { calls++; return first, nil }); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterType(func() (Strategy, error) { return second, nil }); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterType(func() (Strategy, error) { return &stubStrategy{name: "y"}, nil }); err != nil {
		t.Fatal(err)
	}

	if calls != 1 {
		t.Errorf("constructor called %d times", calls)
	}
	if got, _ := r.Strategy("x"); got != second {
		t.Error("last registration should win")
	}
	if !reflect.DeepEqual(r.Types(), []string{"x", "y"}) {
		t.Errorf("Types() = %v", r.Types())
	}
}

func TestLoadModule_Failures(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name     string
		path     func() string
		wantKind core.ErrorKind
		wantMsg  string
	}{
		{
			name:     "missing archive",
			path:     func() string { return filepath.Join(root, "nope.zip") },
			wantKind: core.ErrorKindNotFound,
		},
		{
			name: "missing manifest",
			path: func() string {
				dir := filepath.Join(root, "empty")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					t.Fatal(err)
				}
				return dir
			},
			wantKind: core.ErrorKindConfiguration,
		},
		{
			name: "bad id",
			path: func() string {
				return writeModule(t, root, map[string]interface{}{"id": "bad/id", "main": "x.Main", "type": "standard"}, nil)
			},
			wantKind: core.ErrorKindConfiguration,
			wantMsg:  core.MsgBadID,
		},
		{
			name: "main not defined",
			path: func() string {
				return writeModule(t, root, map[string]interface{}{"id": "nomain", "type": "standard"}, nil)
			},
			wantKind: core.ErrorKindConfiguration,
			wantMsg:  core.MsgMainNotDefined,
		},
		{
			name: "type not set",
			path: func() string {
				return writeModule(t, root, map[string]interface{}{"id": "notype", "main": "x.Main"}, nil)
			},
			wantKind: core.ErrorKindConfiguration,
			wantMsg:  core.MsgTypeNotSet,
		},
		{
			name: "unknown type",
			path: func() string {
				return writeModule(t, root, map[string]interface{}{"id": "odd", "main": "x.Main", "type": "groovy"}, nil)
			},
			wantKind: core.ErrorKindUnknownLoaderType,
		},
		{
			name: "no factory",
			path: func() string {
				return writeModule(t, root, map[string]interface{}{"id": "other", "main": "other.Main", "type": "standard"},
					map[string][]byte{"other.Main": []byte("x")})
			},
			wantKind: core.ErrorKindConfiguration,
		},
		{
			name: "main unit missing",
			path: func() string {
				return writeModule(t, root, map[string]interface{}{"id": "economy", "main": "economy.Main", "type": "standard"}, nil)
			},
			wantKind: core.ErrorKindConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newStandardRegistry(t, Options{})
			mod, err := r.LoadModule(context.Background(), tt.path())
			if mod != nil {
				t.Error("no module should be returned on failure")
			}
			if got := core.KindOf(err); got != tt.wantKind {
				t.Fatalf("kind = %q, want %q (err %v)", got, tt.wantKind, err)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoadModule_Standard(t *testing.T) {
	root := t.TempDir()
	path := writeModule(t, root, map[string]interface{}{
		"id":     "economy",
		"main":   "economy.Main",
		"type":   "standard",
		"prefix": "Eco",
	}, map[string][]byte{"economy.Main": []byte("main")})

	r, _ := newStandardRegistry(t, Options{})
	mod, err := r.LoadModule(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadModule() error = %v", err)
	}
	defer mod.Namespace().Close()

	tm, ok := mod.(*testModule)
	if !ok {
		t.Fatalf("unexpected module type %T", mod)
	}
	if tm.ID() != "economy" || tm.LoaderType() != StandardType {
		t.Errorf("unexpected module %s/%s", tm.ID(), tm.LoaderType())
	}
	if tm.DataFolder() != filepath.Join(root, "economy") {
		t.Errorf("DataFolder() = %q", tm.DataFolder())
	}
	if !reflect.DeepEqual(mod.Namespace().Symbols(), []string{"economy.Main"}) {
		t.Errorf("main should have been resolved, got %v", mod.Namespace().Symbols())
	}
}

func TestLoadModule_DataFolderIsFile(t *testing.T) {
	root := t.TempDir()
	path := writeModule(t, root, map[string]interface{}{"id": "economy", "main": "economy.Main", "type": "standard"},
		map[string][]byte{"economy.Main": []byte("main")})
	if err := os.WriteFile(filepath.Join(root, "economy"), []byte("file"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, _ := newStandardRegistry(t, Options{})
	if _, err := r.LoadModule(context.Background(), path); !core.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLoadModule_FactoryPanicReleasesSymbols(t *testing.T) {
	root := t.TempDir()
	path := writeModule(t, root, map[string]interface{}{"id": "boom", "main": "boom.Main", "type": "standard"},
		map[string][]byte{"boom.Main": []byte("main")})

	r, std := newStandardRegistry(t, Options{})
	std.RegisterFactory("boom.Main", func() core.Module { panic("constructor exploded") })

	if _, err := r.LoadModule(context.Background(), path); !core.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, ok := r.Services().Table.Lookup("boom.Main"); ok {
		t.Error("symbols of a failed load should be forgotten")
	}
}

type denyAll struct{ calls int }

func (d *denyAll) Admit(_ context.Context, m *core.Manifest) error {
	d.calls++
	return core.NewConfigurationError("denied by policy", nil).WithModule(m.ID)
}

func TestLoadModule_Admission(t *testing.T) {
	root := t.TempDir()
	path := writeModule(t, root, map[string]interface{}{"id": "economy", "main": "economy.Main", "type": "standard"},
		map[string][]byte{"economy.Main": []byte("main")})

	deny := &denyAll{}
	r, _ := newStandardRegistry(t, Options{Admission: deny})
	if _, err := r.LoadModule(context.Background(), path); !core.IsConfiguration(err) {
		t.Fatalf("expected denial, got %v", err)
	}
	if deny.calls != 1 {
		t.Errorf("admission called %d times", deny.calls)
	}

	notype := writeModule(t, root, map[string]interface{}{"id": "notype", "main": "x.Main"}, nil)
	if _, err := r.LoadModule(context.Background(), notype); err == nil {
		t.Fatal("expected error")
	}
	if deny.calls != 1 {
		t.Error("admission must run after type validation")
	}
}

func TestInspect(t *testing.T) {
	root := t.TempDir()
	path := writeModule(t, root, map[string]interface{}{"id": "my mod", "main": "m.Main", "version": "2"}, nil)

	m, err := NewRegistry(nil, Options{}).Inspect(path)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if m.ID != "my_mod" || m.FullName() != "my_mod v2" {
		t.Errorf("unexpected manifest %+v", m)
	}
}

func TestLoadModule_WASM(t *testing.T) {
	ctx := context.Background()
	env, err := host.NewWASMEnvironment(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { env.Close(ctx) })

	r := NewRegistry(newServices(), Options{})
	if err := r.RegisterType(func() (Strategy, error) { return NewWASMLoader(env, 0), nil }); err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	path := writeModule(t, root, map[string]interface{}{"id": "wasmy", "main": "wasmy.Main", "type": WASMType},
		map[string][]byte{"wasmy.Main": emptyWASM})

	mod, err := r.LoadModule(ctx, path)
	if err != nil {
		t.Fatalf("LoadModule() error = %v", err)
	}
	defer mod.Namespace().Close()

	wm := mod.(*WASMModule)
	if !env.IsDefined("wasmy", "wasmy.Main") {
		t.Error("main unit should be compiled in the WASM environment")
	}

	if err := wm.OnEnable(ctx); err != nil {
		t.Fatalf("OnEnable() error = %v", err)
	}
	if wm.Instance() == nil {
		t.Fatal("expected a running instance")
	}
	if err := wm.OnDisable(ctx); err != nil {
		t.Fatalf("OnDisable() error = %v", err)
	}
	if wm.Instance() != nil {
		t.Error("instance should be closed after disable")
	}
	if err := wm.OnUnload(ctx); err != nil {
		t.Errorf("OnUnload() error = %v", err)
	}
}

func TestLoadModule_WASMRejectsInvalidCode(t *testing.T) {
	ctx := context.Background()
	env, err := host.NewWASMEnvironment(ctx, &host.WASMConfig{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { env.Close(ctx) })

	r := NewRegistry(newServices(), Options{})
	if err := r.RegisterType(func() (Strategy, error) { return NewWASMLoader(env, 0), nil }); err != nil {
		t.Fatal(err)
	}

	path := writeModule(t, t.TempDir(), map[string]interface{}{"id": "broken", "main": "broken.Main", "type": WASMType},
		map[string][]byte{"broken.Main": []byte("not wasm")})

	if _, err := r.LoadModule(ctx, path); !core.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
