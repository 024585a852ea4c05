package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// ValidationErrors collects every problem found in a declaration source.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("invalid declarations: %s", strings.Join(msgs, "; "))
}

// Loader reads declaration files. YAML (.yaml, .yml, .json) and CUE (.cue)
// are supported; a directory loads every supported file in name order.
type Loader struct {
	ctx       *cue.Context
	schema    cue.Value
	schemaErr error
	validator *validator.Validate
}

// NewLoader creates a new declaration loader.
func NewLoader() *Loader {
	ctx := cuecontext.New()
	schema, err := compileSchema(ctx)

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Loader{
		ctx:       ctx,
		schema:    schema,
		schemaErr: err,
		validator: v,
	}
}

// Load parses and validates the given sources and merges them in order.
func (l *Loader) Load(ctx context.Context, sources ...string) (*File, error) {
	if l.schemaErr != nil {
		return nil, l.schemaErr
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	logger := telemetry.FromContext(ctx)

	var paths []string
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}
		if !info.IsDir() {
			paths = append(paths, source)
			continue
		}
		files, err := listDirectory(source)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no declaration files found in %s", source)
		}
		paths = append(paths, files...)
	}

	merged := &File{}
	var problems ValidationErrors
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		f, errs := l.parse(path, data)
		merged.SourceFiles = append(merged.SourceFiles, path)
		if len(errs) > 0 {
			problems = append(problems, errs...)
			continue
		}
		if merged.Version == "" {
			merged.Version = f.Version
		}
		merged.Resources = append(merged.Resources, f.Resources...)
		logger.Debugf("loaded %d declarations from %s", len(f.Resources), path)
	}
	if len(problems) > 0 {
		return nil, problems
	}

	if errs := l.Validate(merged); len(errs) > 0 {
		return nil, errs
	}
	return merged, nil
}

// LoadBytes parses an in-memory source. The name selects the format by
// extension and is used in error messages.
func (l *Loader) LoadBytes(name string, data []byte) (*File, error) {
	if l.schemaErr != nil {
		return nil, l.schemaErr
	}
	f, errs := l.parse(name, data)
	if len(errs) > 0 {
		return nil, errs
	}
	f.SourceFiles = []string{name}
	if errs := l.Validate(f); len(errs) > 0 {
		return nil, errs
	}
	return f, nil
}

func (l *Loader) parse(path string, data []byte) (*File, ValidationErrors) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return l.parseCUE(path, data)
	case ".yaml", ".yml", ".json":
		return parseYAML(path, data)
	}
	return nil, ValidationErrors{{File: path, Message: "unsupported file extension"}}
}

func parseYAML(path string, data []byte) (*File, ValidationErrors) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ValidationErrors{{File: path, Message: "empty declaration file"}}
		}
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			errs := make(ValidationErrors, 0, len(typeErr.Errors))
			for _, msg := range typeErr.Errors {
				errs = append(errs, ValidationError{File: path, Message: msg})
			}
			return nil, errs
		}
		return nil, ValidationErrors{{File: path, Message: err.Error()}}
	}
	return &f, nil
}

func (l *Loader) parseCUE(path string, data []byte) (*File, ValidationErrors) {
	val := l.ctx.CompileBytes(data, cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	var f File
	if err := unified.Decode(&f); err != nil {
		return nil, ValidationErrors{{File: path, Message: fmt.Sprintf("failed to decode declarations: %v", err)}}
	}
	return &f, nil
}

// Validate checks struct constraints and action semantics.
func (l *Loader) Validate(f *File) ValidationErrors {
	var errs ValidationErrors

	if err := l.validator.Struct(f); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return ValidationErrors{{Message: err.Error()}}
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:    strings.TrimPrefix(fe.Namespace(), "File."),
				Message: fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
			})
		}
		return errs
	}

	seen := make(map[string]bool, len(f.Resources))
	for i, d := range f.Resources {
		path := fmt.Sprintf("resources[%d]", i)
		if seen[d.Name] {
			errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("duplicate resource name %q", d.Name)})
		}
		seen[d.Name] = true

		switch {
		case d.Action == "" && len(d.Actions) == 0:
			errs = append(errs, ValidationError{Path: path, Message: "one of action or actions is required"})
			continue
		case d.Action != "" && len(d.Actions) > 0:
			errs = append(errs, ValidationError{Path: path, Message: "action and actions are mutually exclusive"})
			continue
		case len(d.Actions) > 0 && d.Kind != engine.KindService:
			errs = append(errs, ValidationError{Path: path, Message: "only services accept an action list"})
			continue
		}
		for _, a := range d.ActionList() {
			if !engine.ValidAction(d.Kind, a) {
				errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("invalid action %q for %s", a, d.Kind)})
			}
		}

		if d.Kind != engine.KindPackage {
			continue
		}
		items := make(map[engine.Identity]bool, len(d.Items))
		for j, it := range d.Items {
			id := engine.Identity{Name: it.Name, Epoch: it.Epoch, Arch: it.Arch}
			if items[id] {
				errs = append(errs, ValidationError{Path: fmt.Sprintf("%s.items[%d]", path, j), Message: fmt.Sprintf("duplicate item %s", id)})
			}
			items[id] = true
		}
	}
	return errs
}

func listDirectory(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && supportedFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func supportedFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".cue", ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
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
