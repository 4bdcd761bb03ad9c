package telemetry

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "empty service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "zipkin"
		}, wantErr: true},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "async without buffer", mutate: func(c *Config) {
			c.Events.EnableAsync = true
			c.Events.BufferSize = 0
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLogger_Prefix(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerFrom(zerolog.New(&buf)).WithPrefix("[Eco] ")

	logger.WithModule("economy").Infof("balance table %s", "ready")

	out := buf.String()
	if !strings.Contains(out, `"message":"[Eco] balance table ready"`) {
		t.Errorf("expected prefixed message, got %s", out)
	}
	if !strings.Contains(out, `"module":"economy"`) {
		t.Errorf("expected module field, got %s", out)
	}
}

func TestLogger_Context(t *testing.T) {
	logger := NewNopLogger().WithPrefix("[x] ")
	ctx := logger.WithContext(context.Background())

	if got := FromContext(ctx); got != logger {
		t.Error("expected logger from context")
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.SetModuleCounts(1, 1)
	m.RecordLoadFailure("cycle")
	m.RecordIllegalAccess("a", "b")
	m.RecordResolution(ResolutionCache)

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	disabled.RecordPruned()
	if disabled.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
	if srv := disabled.StartMetricsServer(NewNopLogger()); srv != nil {
		t.Error("disabled metrics should not start a server")
	}
}

func TestMetrics_Handler(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.SetModuleCounts(3, 2)
	m.RecordIllegalAccess("consumer", "provider")
	m.RecordLoad("standard", 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"modhost_modules_loaded 3",
		"modhost_modules_enabled 2",
		`modhost_illegal_access_warnings_total{consumer="consumer",provider="provider"} 1`,
		"modhost_module_load_duration_seconds_count",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestEventPublisher_Sync(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true})

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByType(EventTypeModuleEnabled))

	_ = ep.PublishModuleEvent(EventTypeModuleLoaded, EventLevelInfo, "a", "loaded", nil)
	_ = ep.PublishModuleEvent(EventTypeModuleEnabled, EventLevelInfo, "a", "enabled", nil)

	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Error("expected id and timestamp to be filled in")
	}
	if got[0].Module != "a" {
		t.Errorf("expected module a, got %s", got[0].Module)
	}
}

func TestAllOf(t *testing.T) {
	if AllOf() != nil {
		t.Error("AllOf() without filters should accept everything")
	}

	filter := AllOf(FilterByType(EventTypeModuleEnabled, EventTypeModuleDisabled), FilterByModule("shop"))
	tests := []struct {
		event Event
		want  bool
	}{
		{Event{Type: EventTypeModuleEnabled, Module: "shop"}, true},
		{Event{Type: EventTypeModuleDisabled, Module: "shop"}, true},
		{Event{Type: EventTypeModuleEnabled, Module: "economy"}, false},
		{Event{Type: EventTypeModuleLoaded, Module: "shop"}, false},
	}
	for _, tt := range tests {
		if got := filter(tt.event); got != tt.want {
			t.Errorf("filter(%s/%s) = %v, want %v", tt.event.Type, tt.event.Module, got, tt.want)
		}
	}
}

func TestEventPublisher_AsyncDrainsOnShutdown(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 8})

	received := make(chan Event, 8)
	ep.Subscribe(func(e Event) { received <- e }, FilterByModule("b"))

	for i := 0; i < 3; i++ {
		if err := ep.PublishModuleEvent(EventTypeModulePruned, EventLevelWarning, "b", "pruned", nil); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if len(received) != 3 {
		t.Errorf("expected 3 delivered events, got %d", len(received))
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: false})
	called := false
	ep.Subscribe(func(Event) { called = true }, nil)

	if err := ep.Publish(Event{Type: EventTypeModuleLoaded}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if called {
		t.Error("disabled publisher delivered an event")
	}
}

func TestTelemetry_Nop(t *testing.T) {
	tel := NewNop()
	ctx := tel.WithContext(context.Background())

	if FromTelemetryContext(ctx) != tel {
		t.Error("expected telemetry from context")
	}

	_, span := tel.Tracer.StartModuleSpan(ctx, "load", "a")
	EndSpan(span, nil)

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
