package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// IDPattern is the pattern every module id must match before normalization.
var IDPattern = regexp.MustCompile(`^[A-Za-z0-9 _.-]+$`)

// ManifestFormat selects the decoder used by ParseManifest.
type ManifestFormat string

const (
	// ManifestFormatJSON decodes JSON manifests.
	ManifestFormatJSON ManifestFormat = "json"

	// ManifestFormatYAML decodes YAML manifests.
	ManifestFormatYAML ManifestFormat = "yaml"
)

// Manifest is the self-describing metadata record shipped at the root of a module archive.
type Manifest struct {
	// ID is the unique module id. Spaces are normalized to underscores by Validate.
	ID string `json:"id" yaml:"id" validate:"moduleid"`

	// Version is the module version.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Main is the entry-point reference used to pick the module factory.
	Main string `json:"main" yaml:"main" validate:"required"`

	// Type selects the loader strategy.
	Type string `json:"type" yaml:"type"`

	// Description describes what the module does.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Authors lists the module authors.
	Authors []string `json:"authors,omitempty" yaml:"authors,omitempty"`

	// Website is the module homepage.
	Website string `json:"website,omitempty" yaml:"website,omitempty"`

	// Prefix is the display prefix for the module's log lines.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// Dependencies are hard dependencies. A missing one excludes the module.
	Dependencies []string `json:"dependencies" yaml:"dependencies"`

	// SoftDependencies are logged when missing but never fatal.
	SoftDependencies []string `json:"softDependencies" yaml:"softDependencies"`

	// Provides lists aliases this module answers to.
	Provides []string `json:"provides,omitempty" yaml:"provides,omitempty"`

	// Visible marks the module as user-facing. Defaults to true.
	Visible bool `json:"visible" yaml:"visible"`
}

var manifestValidator = newManifestValidator()

func newManifestValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("moduleid", func(fl validator.FieldLevel) bool {
		return IDPattern.MatchString(fl.Field().String())
	}); err != nil {
		panic(fmt.Sprintf("register moduleid validation: %v", err))
	}
	return v
}

// ParseManifest decodes a manifest. Unknown fields are ignored, visible
// defaults to true and dependency lists default to empty.
func ParseManifest(data []byte, format ManifestFormat) (*Manifest, error) {
	m := &Manifest{Visible: true}

	switch format {
	case ManifestFormatYAML:
		if err := yaml.Unmarshal(data, m); err != nil {
			return nil, NewConfigurationError("failed to parse manifest YAML", err)
		}
	case ManifestFormatJSON, "":
		if err := json.Unmarshal(data, m); err != nil {
			return nil, NewConfigurationError("failed to parse manifest JSON", err)
		}
	default:
		return nil, NewConfigurationError(fmt.Sprintf("unsupported manifest format %q", format), nil)
	}

	if m.Dependencies == nil {
		m.Dependencies = []string{}
	}
	if m.SoftDependencies == nil {
		m.SoftDependencies = []string{}
	}

	return m, nil
}

// Validate checks the id and main fields and normalizes spaces in the id
// to underscores. Re-running it on a validated manifest is a no-op.
func (m *Manifest) Validate() error {
	if err := manifestValidator.Struct(m); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return NewConfigurationError("invalid manifest", err)
		}

		// id problems are reported before main problems
		for _, fe := range fieldErrs {
			if fe.StructField() == "ID" {
				return NewConfigurationError(MsgBadID, nil).
					WithModule(m.ID).
					WithDetail("pattern", IDPattern.String())
			}
		}
		for _, fe := range fieldErrs {
			if fe.StructField() == "Main" {
				return NewConfigurationError(MsgMainNotDefined, nil).WithModule(m.ID)
			}
		}
		return NewConfigurationError("invalid manifest", err).WithModule(m.ID)
	}

	m.ID = strings.ReplaceAll(m.ID, " ", "_")
	return nil
}

// FullName returns "<id> v<version>".
func (m *Manifest) FullName() string {
	return m.ID + " v" + m.Version
}

// LogPrefix returns the bracketed prefix for the module's log lines.
func (m *Manifest) LogPrefix() string {
	if m.Prefix != "" {
		return "[" + m.Prefix + "] "
	}
	return "[" + m.ID + "] "
}

// Answers reports whether id names this module directly or through Provides.
func (m *Manifest) Answers(id string) bool {
	if m.ID == id {
		return true
	}
	for _, alias := range m.Provides {
		if alias == id {
			return true
		}
	}
	return false
}
