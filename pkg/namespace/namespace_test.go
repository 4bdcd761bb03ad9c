package namespace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"

	"github.com/openfroyo/modhost/pkg/archive"
	"github.com/openfroyo/modhost/pkg/core"
	"github.com/openfroyo/modhost/pkg/host"
	"github.com/openfroyo/modhost/pkg/resolver"
	"github.com/openfroyo/modhost/pkg/telemetry"
	"github.com/openfroyo/modhost/pkg/transform"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	t       *testing.T
	table   *SymbolTable
	env     *host.MemoryEnvironment
	guard   *transform.Guard
	metrics *telemetry.Metrics

	mu        sync.Mutex
	manifests []*core.Manifest

	illegal sync.Map // consumer -> *int32
}

func newFixture(t *testing.T, hook transform.Hook) *fixture {
	t.Helper()
	metrics, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		t:       t,
		table:   NewSymbolTable(),
		env:     host.NewMemoryEnvironment(),
		guard:   transform.NewGuard(hook, nil, metrics),
		metrics: metrics,
	}
}

func (f *fixture) Lookup(id string) (*core.Manifest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return resolver.StaticCatalog(f.manifests).Lookup(id)
}

// module writes a directory archive with the given units and opens a namespace for it.
func (f *fixture) module(id string, deps []string, units map[string]string) *Namespace {
	f.t.Helper()

	dir := filepath.Join(f.t.TempDir(), id)
	for symbol, body := range units {
		p := filepath.Join(dir, filepath.FromSlash(archive.UnitPath(symbol)))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			f.t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			f.t.Fatal(err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		f.t.Fatal(err)
	}

	a, err := archive.Open(dir)
	if err != nil {
		f.t.Fatalf("open archive: %v", err)
	}

	m := &core.Manifest{ID: id, Version: "1.0", Main: id + ".Main", Dependencies: deps}
	f.mu.Lock()
	f.manifests = append(f.manifests, m)
	f.mu.Unlock()

	ns, err := New(Config{
		Manifest:    m,
		Archive:     a,
		Table:       f.table,
		Environment: f.env,
		Guard:       f.guard,
		Access:      resolver.New(f, nil),
		Metrics:     f.metrics,
		OnIllegalAccess: func(consumer, _, _ string) {
			v, _ := f.illegal.LoadOrStore(consumer, new(int32))
			atomic.AddInt32(v.(*int32), 1)
		},
	})
	if err != nil {
		f.t.Fatalf("New() error = %v", err)
	}
	f.t.Cleanup(func() { ns.Close() })
	return ns
}

func (f *fixture) warnings(consumer string) int32 {
	v, ok := f.illegal.Load(consumer)
	if !ok {
		return 0
	}
	return atomic.LoadInt32(v.(*int32))
}

func countingHook(counter *int32) transform.Hook {
	return transform.HookFunc(func(_ *core.Manifest, _ string, raw []byte) ([]byte, error) {
		atomic.AddInt32(counter, 1)
		return append([]byte("t:"), raw...), nil
	})
}

func TestResolve_OwnSymbolCachedAndTransformedOnce(t *testing.T) {
	var transforms int32
	f := newFixture(t, countingHook(&transforms))
	ns := f.module("economy", nil, map[string]string{"economy.Main": "main"})
	ctx := context.Background()

	first, err := ns.Resolve(ctx, "economy.Main")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	second, err := ns.Resolve(ctx, "economy.Main")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if first != second {
		t.Error("expected the identical unit on repeated resolution")
	}
	if got := atomic.LoadInt32(&transforms); got != 1 {
		t.Errorf("expected 1 transform, got %d", got)
	}
	if string(first.Code) != "t:main" || first.Owner != "economy" || first.Path != "economy/Main.unit" {
		t.Errorf("unexpected unit %+v", first)
	}
	if !reflect.DeepEqual(ns.Symbols(), []string{"economy.Main"}) {
		t.Errorf("Symbols() = %v", ns.Symbols())
	}
	if entry, ok := f.table.Lookup("economy.Main"); !ok || entry.Unit != first {
		t.Error("own definition should be published")
	}
}

func TestResolve_ConcurrentFirstResolution(t *testing.T) {
	var transforms int32
	f := newFixture(t, countingHook(&transforms))
	ns := f.module("economy", nil, map[string]string{"economy.Main": "main"})

	var wg sync.WaitGroup
	units := make([]*core.Unit, 32)
	for i := range units {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := ns.Resolve(context.Background(), "economy.Main")
			if err != nil {
				t.Errorf("Resolve() error = %v", err)
				return
			}
			units[i] = u
		}(i)
	}
	wg.Wait()

	for _, u := range units {
		if u != units[0] {
			t.Fatal("concurrent resolvers got different units")
		}
	}
	if got := atomic.LoadInt32(&transforms); got != 1 {
		t.Errorf("expected 1 transform, got %d", got)
	}
}

func TestResolve_IllegalAccessWarnsOncePerConsumer(t *testing.T) {
	f := newFixture(t, nil)
	f.module("provider", nil, map[string]string{"lib.Gold": "gold", "lib.Silver": "silver"})
	c1 := f.module("consumer1", nil, nil)
	c2 := f.module("consumer2", nil, nil)

	var wg sync.WaitGroup
	for _, ns := range []*Namespace{c1, c2} {
		for i := 0; i < 16; i++ {
			for _, symbol := range []string{"lib.Gold", "lib.Silver"} {
				wg.Add(1)
				go func(ns *Namespace, symbol string) {
					defer wg.Done()
					u, err := ns.Resolve(context.Background(), symbol)
					if err != nil {
						t.Errorf("Resolve(%s) error = %v", symbol, err)
						return
					}
					if u.Owner != "provider" {
						t.Errorf("expected provider-owned unit, got %s", u.Owner)
					}
				}(ns, symbol)
			}
		}
	}
	wg.Wait()

	for _, consumer := range []string{"consumer1", "consumer2"} {
		if got := f.warnings(consumer); got != 1 {
			t.Errorf("%s: expected exactly 1 warning, got %d", consumer, got)
		}
	}
}

func TestResolve_DependencyAccessIsLegal(t *testing.T) {
	f := newFixture(t, nil)
	f.module("base", nil, map[string]string{"base.Api": "api"})
	mid := f.module("mid", []string{"base"}, nil)
	top := f.module("top", []string{"mid"}, nil)

	for _, ns := range []*Namespace{mid, top} {
		if _, err := ns.Resolve(context.Background(), "base.Api"); err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got := f.warnings(ns.Manifest().ID); got != 0 {
			t.Errorf("%s: expected no warning, got %d", ns.Manifest().ID, got)
		}
	}
}

func TestResolve_OwnArchiveBeforeOtherArchives(t *testing.T) {
	f := newFixture(t, nil)
	f.module("first", nil, map[string]string{"shared.Util": "first"})
	second := f.module("second", nil, map[string]string{"shared.Util": "second"})

	u, err := second.Resolve(context.Background(), "shared.Util")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if string(u.Code) != "second" {
		t.Errorf("expected own definition, got %q", u.Code)
	}
	if f.warnings("second") != 0 {
		t.Error("own definition should not warn")
	}
}

func TestResolve_TransformFailureIsIsolated(t *testing.T) {
	hook := transform.HookFunc(func(_ *core.Manifest, path string, raw []byte) ([]byte, error) {
		if strings.HasSuffix(path, "Bad.unit") {
			return nil, errors.New("cannot rewrite")
		}
		return append([]byte("t:"), raw...), nil
	})
	f := newFixture(t, hook)
	ns := f.module("m", nil, map[string]string{"m.Bad": "bad", "m.Good": "good"})

	bad, err := ns.Resolve(context.Background(), "m.Bad")
	if err != nil {
		t.Fatalf("Resolve(m.Bad) error = %v", err)
	}
	if string(bad.Code) != "bad" {
		t.Errorf("failed transform should keep raw bytes, got %q", bad.Code)
	}

	good, err := ns.Resolve(context.Background(), "m.Good")
	if err != nil {
		t.Fatalf("Resolve(m.Good) error = %v", err)
	}
	if string(good.Code) != "t:good" {
		t.Errorf("expected transformed bytes, got %q", good.Code)
	}
}

func TestResolve_FallbackAndMiss(t *testing.T) {
	f := newFixture(t, nil)
	f.env.Provide("host.Server", "server")
	ns := f.module("m", nil, nil)

	u, err := ns.Resolve(context.Background(), "host.Server")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if u.Owner != "" || u.Handle != "server" {
		t.Errorf("unexpected fallback unit %+v", u)
	}

	_, err = ns.Resolve(context.Background(), "nowhere.Thing")
	if !core.IsSymbolNotFound(err) {
		t.Fatalf("expected symbol not found, got %v", err)
	}
	var merr *core.ModuleError
	if !errors.As(err, &merr) || merr.Symbol != "nowhere.Thing" || merr.Module != "m" {
		t.Errorf("unexpected error context: %v", err)
	}
}

func TestClose(t *testing.T) {
	f := newFixture(t, nil)
	ns := f.module("m", nil, map[string]string{"m.Main": "main"})
	other := f.module("other", nil, nil)

	if _, err := ns.Resolve(context.Background(), "m.Main"); err != nil {
		t.Fatal(err)
	}
	if err := ns.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := ns.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if _, ok := f.table.Lookup("m.Main"); ok {
		t.Error("closed namespace symbols should be forgotten")
	}
	if _, err := other.Resolve(context.Background(), "m.Main"); !core.IsSymbolNotFound(err) {
		t.Errorf("closed namespace should not be probed, got %v", err)
	}
	if _, err := ns.Resolve(context.Background(), "m.Other"); !core.IsLifecycle(err) {
		t.Errorf("expected lifecycle error after close, got %v", err)
	}
	if f.env.IsDefined("m", "m.Main") {
		t.Error("close should release the environment definitions")
	}

	again := f.module("m", nil, map[string]string{"m.Main": "main"})
	if _, err := again.Resolve(context.Background(), "m.Main"); err != nil {
		t.Errorf("reopened module should define its main again: %v", err)
	}
}

func TestDiscard(t *testing.T) {
	f := newFixture(t, nil)
	loaded := f.module("m", nil, map[string]string{"m.Main": "main"})
	if _, err := loaded.Resolve(context.Background(), "m.Main"); err != nil {
		t.Fatal(err)
	}
	dup := f.module("m", nil, map[string]string{"m.Main": "other"})

	if err := dup.Discard(); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if err := dup.Close(); err != nil {
		t.Fatalf("Close() after Discard() error = %v", err)
	}

	if entry, ok := f.table.Lookup("m.Main"); !ok || string(entry.Unit.Code) != "main" {
		t.Error("discarding a duplicate must keep the loaded module's symbols")
	}
	if !f.env.IsDefined("m", "m.Main") {
		t.Error("discarding a duplicate must keep the loaded module's definitions")
	}
	if _, err := dup.Resolve(context.Background(), "m.Main"); !core.IsLifecycle(err) {
		t.Errorf("expected lifecycle error after discard, got %v", err)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); !core.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}
