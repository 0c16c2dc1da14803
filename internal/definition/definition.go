// Package definition loads and validates workflow documents. A document
// that makes it through Load is safe to schedule: its shape matched the
// JSON Schema, its semantics checked out, and every template, condition,
// and CEL expression compiled. Bad definitions are rejected here, before
// any alert is processed.
package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ossian/flint/internal/provider"
	"github.com/ossian/flint/internal/template"
	"github.com/ossian/flint/internal/trigger"
	"github.com/ossian/flint/pkg/schema"
)

// Loader parses and validates workflow documents.
type Loader struct {
	validator *SchemaValidator
	tmpl      *template.Engine
	cel       *trigger.CELEngine
	registry  *provider.Registry
}

// NewLoader wires a Loader. registry may be nil; provider-type checks are
// then skipped (useful for offline linting).
func NewLoader(tmpl *template.Engine, cel *trigger.CELEngine, registry *provider.Registry) (*Loader, error) {
	validator, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Loader{
		validator: validator,
		tmpl:      tmpl,
		cel:       cel,
		registry:  registry,
	}, nil
}

// Load parses a YAML workflow document and runs the full validation chain.
func (l *Loader) Load(data []byte) (*schema.WorkflowDefinition, error) {
	var def schema.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "parse workflow document: %s", err.Error()).WithCause(err)
	}

	if err := l.Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile loads one workflow document from disk.
func (l *Loader) LoadFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "read %s: %s", path, err.Error()).WithCause(err)
	}
	def, err := l.Load(data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "%s: %s", filepath.Base(path), err.Error()).WithCause(err)
	}
	return def, nil
}

// LoadDir loads every .yml/.yaml document in a directory, sorted by name.
// One bad document fails the whole load; a partially valid workflow set is
// worse than a loud startup error.
func (l *Loader) LoadDir(dir string) ([]*schema.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "read workflow dir %s: %s", dir, err.Error()).WithCause(err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yml" || ext == ".yaml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	defs := make([]*schema.WorkflowDefinition, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, p := range paths {
		def, err := l.LoadFile(p)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[def.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"workflow id %q defined in both %s and %s", def.ID, prev, filepath.Base(p))
		}
		seen[def.ID] = filepath.Base(p)
		defs = append(defs, def)
	}
	return defs, nil
}

// Validate runs the schema and semantic checks on an already-parsed
// definition.
func (l *Loader) Validate(def *schema.WorkflowDefinition) error {
	if err := l.validator.ValidateDefinition(def); err != nil {
		return err
	}
	return l.validateSemantic(def)
}

func unitPath(kind schema.UnitKind, i int) string {
	if kind == schema.UnitKindAction {
		return fmt.Sprintf("actions[%d]", i)
	}
	return fmt.Sprintf("steps[%d]", i)
}
