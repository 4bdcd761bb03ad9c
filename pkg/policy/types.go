package policy

import (
	"time"

	"github.com/openfroyo/modhost/pkg/core"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block admission.
	SeverityWarning Severity = "warning"

	// SeverityError blocks admission.
	SeverityError Severity = "error"

	// SeverityCritical blocks admission.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny admission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code. The code must define a
// deny set in its package.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Module is the id of the module that violated the policy.
	Module string `json:"module,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the result of an admission evaluation.
type Result struct {
	// Allowed indicates if the module may be loaded.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that don't block admission.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document a policy sees as input.
type Input struct {
	// Module is the validated manifest of the module asking for admission.
	Module ModuleInput `json:"module"`

	// Context describes the host at evaluation time.
	Context Context `json:"context"`
}

// ModuleInput mirrors the manifest fields policies may inspect.
type ModuleInput struct {
	ID               string   `json:"id"`
	Version          string   `json:"version"`
	Main             string   `json:"main"`
	Type             string   `json:"type"`
	Authors          []string `json:"authors"`
	Dependencies     []string `json:"dependencies"`
	SoftDependencies []string `json:"softDependencies"`
	Provides         []string `json:"provides"`
	Visible          bool     `json:"visible"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Operation is the operation being performed, e.g. "load".
	Operation string `json:"operation"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Environment is the host environment name.
	Environment string `json:"environment"`
}

// NewInput builds policy input from a manifest.
func NewInput(m *core.Manifest, operation, environment string) *Input {
	nonNil := func(s []string) []string {
		if s == nil {
			return []string{}
		}
		return s
	}
	return &Input{
		Module: ModuleInput{
			ID:               m.ID,
			Version:          m.Version,
			Main:             m.Main,
			Type:             m.Type,
			Authors:          nonNil(m.Authors),
			Dependencies:     nonNil(m.Dependencies),
			SoftDependencies: nonNil(m.SoftDependencies),
			Provides:         nonNil(m.Provides),
			Visible:          m.Visible,
		},
		Context: Context{
			Operation:   operation,
			Timestamp:   time.Now(),
			Environment: environment,
		},
	}
}
