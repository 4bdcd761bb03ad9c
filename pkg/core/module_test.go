package core

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/modhost/pkg/telemetry"
)

type testModule struct {
	Base
}

func TestBase_Initialize(t *testing.T) {
	var buf bytes.Buffer
	logger := telemetry.NewLoggerFrom(zerolog.New(&buf))

	m := &testModule{}
	var _ Module = m

	mc := Context{
		Manifest:   &Manifest{ID: "economy", Prefix: "Eco"},
		LoaderType: "standard",
		Logger:     logger,
		DataFolder: "/plugins/economy",
	}
	if err := m.Initialize(context.Background(), mc); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if m.ID() != "economy" {
		t.Errorf("ID() = %q", m.ID())
	}
	if m.LoaderType() != "standard" || m.DataFolder() != "/plugins/economy" {
		t.Error("context not stored")
	}
	if m.State() != StateUnloaded || m.Enabled() {
		t.Error("new module should be unloaded")
	}

	m.Logger().Info("ready")
	if !strings.Contains(buf.String(), "[Eco] ready") {
		t.Errorf("expected prefixed log line, got %s", buf.String())
	}

	err := m.Initialize(context.Background(), mc)
	if !IsLifecycle(err) {
		t.Errorf("second Initialize() should fail with lifecycle error, got %v", err)
	}
}

func TestBase_State(t *testing.T) {
	m := &testModule{}
	m.SetState(StateEnabled)
	if !m.Enabled() {
		t.Error("expected enabled")
	}
	if m.State().String() != "enabled" {
		t.Errorf("State().String() = %q", m.State().String())
	}
	if m.Logger() == nil {
		t.Error("uninitialized module should still have a logger")
	}
}
