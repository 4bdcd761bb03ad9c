package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a module error for batch handling.
type ErrorKind string

const (
	// ErrorKindConfiguration indicates a bad manifest or host configuration.
	// Fatal to a single module only.
	ErrorKindConfiguration ErrorKind = "configuration"

	// ErrorKindNotFound indicates a missing archive or entry.
	ErrorKindNotFound ErrorKind = "not_found"

	// ErrorKindUnknownLoaderType indicates no strategy is registered for a manifest type.
	ErrorKindUnknownLoaderType ErrorKind = "unknown_loader_type"

	// ErrorKindMissingDependency indicates an absent hard dependency.
	// Applied during post-load pruning.
	ErrorKindMissingDependency ErrorKind = "missing_dependency"

	// ErrorKindCycle indicates a dependency cycle. Fatal to the whole ordering pass.
	ErrorKindCycle ErrorKind = "cycle"

	// ErrorKindSymbolNotFound indicates a symbol could not be resolved by a namespace.
	ErrorKindSymbolNotFound ErrorKind = "symbol_not_found"

	// ErrorKindTransform indicates a code transform failed. Never fatal.
	ErrorKindTransform ErrorKind = "transform"

	// ErrorKindLifecycle indicates a lifecycle callback failed or was invoked in the wrong state.
	ErrorKindLifecycle ErrorKind = "lifecycle"
)

// ModuleError is a classified error with module context.
type ModuleError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Module is the id of the module the error is about, if any.
	Module string `json:"module,omitempty"`

	// Symbol is the symbol being resolved, if any.
	Symbol string `json:"symbol,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details carries extra structured context (e.g. the missing ids).
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ModuleError) Error() string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(string(e.Kind))
	sb.WriteString("] ")
	sb.WriteString(e.Message)

	switch {
	case e.Module != "" && e.Symbol != "":
		fmt.Fprintf(&sb, " (module=%s, symbol=%s)", e.Module, e.Symbol)
	case e.Module != "":
		fmt.Fprintf(&sb, " (module=%s)", e.Module)
	case e.Symbol != "":
		fmt.Fprintf(&sb, " (symbol=%s)", e.Symbol)
	}

	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ModuleError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a ModuleError of the same kind.
// A target with an empty message matches any message of that kind.
func (e *ModuleError) Is(target error) bool {
	t, ok := target.(*ModuleError)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

func newError(kind ErrorKind, message string, err error) *ModuleError {
	return &ModuleError{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(message string, err error) *ModuleError {
	return newError(ErrorKindConfiguration, message, err)
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string, err error) *ModuleError {
	return newError(ErrorKindNotFound, message, err)
}

// NewUnknownLoaderTypeError creates an error for an unregistered loader type.
func NewUnknownLoaderTypeError(typeName string) *ModuleError {
	return newError(ErrorKindUnknownLoaderType, fmt.Sprintf("unknown type '%s'", typeName), nil).
		WithDetail("type", typeName)
}

// NewMissingDependencyError creates an error listing every absent hard dependency of a module.
func NewMissingDependencyError(moduleID string, missing []string) *ModuleError {
	ids := append([]string(nil), missing...)
	return newError(ErrorKindMissingDependency,
		fmt.Sprintf("depends on modules that do not exist: [%s]", strings.Join(ids, ", ")), nil).
		WithModule(moduleID).
		WithDetail("missing", ids)
}

// NewCycleError creates an error naming every module in a dependency cycle.
func NewCycleError(cycle []string) *ModuleError {
	ids := append([]string(nil), cycle...)
	return newError(ErrorKindCycle,
		fmt.Sprintf("circular dependency detected: %s", strings.Join(ids, " -> ")), nil).
		WithDetail("cycle", ids)
}

// NewSymbolNotFoundError creates a symbol resolution error.
func NewSymbolNotFoundError(moduleID, symbol string, err error) *ModuleError {
	return newError(ErrorKindSymbolNotFound, "symbol not found", err).
		WithModule(moduleID).
		WithSymbol(symbol)
}

// NewTransformError creates a transform failure error.
func NewTransformError(moduleID, path string, err error) *ModuleError {
	return newError(ErrorKindTransform, "transform failed", err).
		WithModule(moduleID).
		WithDetail("path", path)
}

// NewLifecycleError creates a lifecycle error.
func NewLifecycleError(moduleID, message string, err error) *ModuleError {
	return newError(ErrorKindLifecycle, message, err).WithModule(moduleID)
}

// WithModule adds module context to an error.
func (e *ModuleError) WithModule(moduleID string) *ModuleError {
	e.Module = moduleID
	return e
}

// WithSymbol adds symbol context to an error.
func (e *ModuleError) WithSymbol(symbol string) *ModuleError {
	e.Symbol = symbol
	return e
}

// WithDetail adds a detail field to the error context.
func (e *ModuleError) WithDetail(key string, value interface{}) *ModuleError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of the first ModuleError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *ModuleError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsConfiguration returns true if the error is a configuration error.
func IsConfiguration(err error) bool {
	return KindOf(err) == ErrorKindConfiguration
}

// IsNotFound returns true if the error is a not-found error.
func IsNotFound(err error) bool {
	return KindOf(err) == ErrorKindNotFound
}

// IsUnknownLoaderType returns true if no strategy was registered for the type.
func IsUnknownLoaderType(err error) bool {
	return KindOf(err) == ErrorKindUnknownLoaderType
}

// IsMissingDependency returns true if the error is a missing hard dependency.
func IsMissingDependency(err error) bool {
	return KindOf(err) == ErrorKindMissingDependency
}

// IsCycle returns true if the error is a dependency cycle.
func IsCycle(err error) bool {
	return KindOf(err) == ErrorKindCycle
}

// IsSymbolNotFound returns true if the error is a failed symbol resolution.
func IsSymbolNotFound(err error) bool {
	return KindOf(err) == ErrorKindSymbolNotFound
}

// IsTransform returns true if the error is a transform failure.
func IsTransform(err error) bool {
	return KindOf(err) == ErrorKindTransform
}

// IsLifecycle returns true if the error is a lifecycle failure.
func IsLifecycle(err error) bool {
	return KindOf(err) == ErrorKindLifecycle
}

// Common configuration messages.
const (
	MsgBadID          = "bad id"
	MsgMainNotDefined = "main not defined"
	MsgTypeNotSet     = "type not set"
	MsgDuplicateID    = "duplicate id"
)
