package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/modhost/pkg/core"
)

// LoadError lists every problem found while loading a configuration.
type LoadError struct {
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.String())
	}
	return strings.Join(msgs, "; ")
}

// Loader reads host configuration from CUE sources.
type Loader struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewLoader compiles the embedded schema.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(hostSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile host schema: %w", err)
	}
	return &Loader{
		ctx:       ctx,
		schema:    schema.LookupPath(cue.ParsePath("#HostConfig")),
		validator: validator.New(),
	}, nil
}

// Default returns the configuration an empty source produces.
func Default() *HostConfig {
	l, err := NewLoader()
	if err != nil {
		panic(err)
	}
	cfg, err := l.LoadBytes("default.cue", nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load unifies the given files and directories, applies the schema and
// validates the result. Relative paths inside the configuration are resolved
// against the directory of the first source.
func Load(paths ...string) (*HostConfig, error) {
	l, err := NewLoader()
	if err != nil {
		return nil, err
	}
	return l.Load(paths...)
}

// Load is the method form of the package-level Load.
func (l *Loader) Load(paths ...string) (*HostConfig, error) {
	if len(paths) == 0 {
		return nil, core.NewConfigurationError("no configuration sources provided", nil)
	}

	var (
		value   cue.Value
		errs    []ValidationError
		baseDir string
	)

	for i, source := range paths {
		info, err := os.Stat(source)
		if err != nil {
			return nil, core.NewNotFoundError(fmt.Sprintf("configuration source %s", source), err)
		}

		var val cue.Value
		var loadErrs []ValidationError
		if info.IsDir() {
			val, loadErrs = l.loadDirectory(source)
			if i == 0 {
				baseDir = source
			}
		} else {
			val, loadErrs = l.loadFile(source)
			if i == 0 {
				baseDir = filepath.Dir(source)
			}
		}
		errs = append(errs, loadErrs...)

		if val.Exists() {
			if value.Exists() {
				value = value.Unify(val)
			} else {
				value = val
			}
		}
	}

	if len(errs) > 0 {
		return nil, newLoadError(errs)
	}
	if !value.Exists() {
		value = l.ctx.CompileString("")
	}

	cfg, err := l.decode(value)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(baseDir)
	return cfg, nil
}

// LoadBytes loads a single in-memory source. Paths are left as written.
func (l *Loader) LoadBytes(filename string, src []byte) (*HostConfig, error) {
	val := l.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, newLoadError(convertCUEErrors(err))
	}
	return l.decode(val)
}

func (l *Loader) loadDirectory(dir string) (cue.Value, []ValidationError) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, []ValidationError{{File: dir, Message: "no CUE files found"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, convertCUEErrors(inst.Err)
	}

	val := l.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

func (l *Loader) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}}
	}

	val := l.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

func (l *Loader) decode(val cue.Value) (*HostConfig, error) {
	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, newLoadError(convertCUEErrors(err))
	}

	var cfg HostConfig
	if err := unified.Decode(&cfg); err != nil {
		return nil, newLoadError(convertCUEErrors(err))
	}

	if err := l.validator.Struct(&cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return nil, core.NewConfigurationError("invalid host configuration", err)
		}
		errs := make([]ValidationError, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:    fe.Namespace(),
				Message: fmt.Sprintf("failed %s validation", fe.Tag()),
			})
		}
		return nil, newLoadError(errs)
	}

	for _, s := range cfg.Transform.Scripts {
		if _, err := s.TimeoutDuration(); err != nil {
			return nil, newLoadError([]ValidationError{{Path: "transform.scripts", Message: err.Error()}})
		}
	}
	if _, err := cfg.Loaders.WASM.TimeoutDuration(); err != nil {
		return nil, newLoadError([]ValidationError{{Path: "loaders.wasm.timeout", Message: err.Error()}})
	}

	return &cfg, nil
}

func (c *HostConfig) resolvePaths(base string) {
	if base == "" {
		return
	}
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	c.ModulesDir = abs(c.ModulesDir)
	for i := range c.Policy.Paths {
		c.Policy.Paths[i] = abs(c.Policy.Paths[i])
	}
	for i := range c.Transform.Scripts {
		c.Transform.Scripts[i].Path = abs(c.Transform.Scripts[i].Path)
	}
}

func newLoadError(errs []ValidationError) error {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.String())
	}
	return core.NewConfigurationError("invalid host configuration", &LoadError{Errors: errs}).
		WithDetail("errors", msgs)
}

// convertCUEErrors converts CUE errors to ValidationErrors with positions.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
