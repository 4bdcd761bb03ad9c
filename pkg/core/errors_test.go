package core

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestModuleError_Error(t *testing.T) {
	err := NewSymbolNotFoundError("economy", "a.B", io.EOF)
	got := err.Error()
	want := "[symbol_not_found] symbol not found (module=economy, symbol=a.B): EOF"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestModuleError_IsAndWrap(t *testing.T) {
	base := NewConfigurationError(MsgDuplicateID, nil).WithModule("a")
	wrapped := fmt.Errorf("load a.zip: %w", base)

	if !IsConfiguration(wrapped) {
		t.Error("IsConfiguration should see through wrapping")
	}
	if !errors.Is(wrapped, &ModuleError{Kind: ErrorKindConfiguration}) {
		t.Error("empty message target should match any configuration error")
	}
	if errors.Is(wrapped, &ModuleError{Kind: ErrorKindConfiguration, Message: MsgBadID}) {
		t.Error("different message should not match")
	}
	if errors.Is(wrapped, &ModuleError{Kind: ErrorKindCycle}) {
		t.Error("different kind should not match")
	}
	if KindOf(io.EOF) != "" {
		t.Error("plain errors have no kind")
	}
}

func TestMissingDependencyError(t *testing.T) {
	err := NewMissingDependencyError("C", []string{"Z"})
	if !IsMissingDependency(err) {
		t.Fatal("expected missing dependency kind")
	}
	missing, ok := err.Details["missing"].([]string)
	if !ok || len(missing) != 1 || missing[0] != "Z" {
		t.Errorf("unexpected missing detail: %v", err.Details["missing"])
	}
	if !strings.Contains(err.Error(), "[Z]") {
		t.Errorf("message should name Z: %s", err)
	}
}

func TestCycleError(t *testing.T) {
	err := NewCycleError([]string{"A", "B", "A"})
	if !IsCycle(err) {
		t.Fatal("expected cycle kind")
	}
	if !strings.Contains(err.Error(), "A -> B -> A") {
		t.Errorf("unexpected message: %s", err)
	}
}
