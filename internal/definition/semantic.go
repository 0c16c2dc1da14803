package definition

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/ossian/flint/pkg/schema"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// validateSemantic performs the checks JSON Schema cannot express:
// reference integrity, expression syntax, and trigger coherence.
func (l *Loader) validateSemantic(def *schema.WorkflowDefinition) error {
	if err := l.validateTriggers(def); err != nil {
		return err
	}

	// Unit names must be unique across steps AND actions: both share the
	// same result namespace pattern and the same outcome table.
	seen := make(map[string]string, len(def.Steps)+len(def.Actions))
	check := func(units []schema.WorkUnit, kind schema.UnitKind) error {
		for i := range units {
			unit := &units[i]
			path := unitPath(kind, i)
			if prev, dup := seen[unit.Name]; dup {
				return schema.NewErrorf(schema.ErrCodeDefinition,
					"%s: unit name %q already used by %s", path, unit.Name, prev)
			}
			seen[unit.Name] = path

			if err := l.validateUnit(def, unit, path); err != nil {
				return err
			}
		}
		return nil
	}
	if err := check(def.Steps, schema.UnitKindStep); err != nil {
		return err
	}
	if err := check(def.Actions, schema.UnitKindAction); err != nil {
		return err
	}
	return nil
}

func (l *Loader) validateTriggers(def *schema.WorkflowDefinition) error {
	for i := range def.Triggers {
		tr := &def.Triggers[i]
		path := fmt.Sprintf("triggers[%d]", i)
		switch tr.Type {
		case schema.TriggerTypeInterval:
			if tr.Cron == "" {
				return schema.NewErrorf(schema.ErrCodeDefinition, "%s: interval trigger requires cron", path)
			}
			if _, err := cronParser.Parse(tr.Cron); err != nil {
				return schema.NewErrorf(schema.ErrCodeDefinition,
					"%s: invalid cron expression %q: %s", path, tr.Cron, err.Error()).WithCause(err)
			}
		case schema.TriggerTypeAlert:
			if tr.CEL != "" && l.cel != nil {
				if err := l.cel.Compile(tr.CEL); err != nil {
					return schema.NewErrorf(schema.ErrCodeDefinition,
						"%s: invalid cel expression: %s", path, err.Error()).WithCause(err)
				}
			}
		case schema.TriggerTypeManual:
			// Nothing extra to check.
		}
	}
	return nil
}

func (l *Loader) validateUnit(def *schema.WorkflowDefinition, unit *schema.WorkUnit, path string) error {
	if unit.If != "" && unit.Condition != "" {
		return schema.NewErrorf(schema.ErrCodeDefinition,
			"%s: if and condition are aliases, set only one", path)
	}

	// Conditions and templates fail fast: a syntax error here is a
	// DefinitionError, never a mid-run surprise.
	if cond := unit.Cond(); cond != "" {
		if err := l.tmpl.ValidateCondition(cond); err != nil {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"%s: invalid condition: %s", path, err.Error()).WithCause(err)
		}
	}
	if err := l.tmpl.ValidateParams(unit.Provider.With); err != nil {
		return schema.NewErrorf(schema.ErrCodeDefinition,
			"%s: invalid parameter template: %s", path, err.Error()).WithCause(err)
	}
	for j, e := range unit.EnrichAlert {
		if err := l.tmpl.Validate(e.Value); err != nil {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"%s.enrich_alert[%d]: invalid template: %s", path, j, err.Error()).WithCause(err)
		}
	}

	// Provider references: an alias must be declared, and types must be
	// known when a registry is available.
	if unit.Provider.Config != "" {
		cfg, ok := def.Providers[unit.Provider.Config]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"%s: provider alias %q is not declared", path, unit.Provider.Config)
		}
		if unit.Provider.Type != "" && unit.Provider.Type != cfg.Type {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"%s: provider type %q does not match alias %q (type %q)",
				path, unit.Provider.Type, unit.Provider.Config, cfg.Type)
		}
	}

	if l.registry != nil {
		typ := unit.Provider.Type
		if typ == "" {
			typ = def.Providers[unit.Provider.Config].Type
		}
		prov, err := l.registry.Get(typ)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"%s: unknown provider type %q", path, typ).WithCause(err)
		}
		params := mergedParams(def, unit)
		if err := prov.Validate(params); err != nil {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"%s: %s", path, err.Error()).WithCause(err)
		}
	}
	return nil
}

// mergedParams overlays the unit's with-parameters on its alias config, so
// provider shape checks see what Invoke eventually will.
func mergedParams(def *schema.WorkflowDefinition, unit *schema.WorkUnit) map[string]any {
	merged := make(map[string]any)
	if unit.Provider.Config != "" {
		for k, v := range def.Providers[unit.Provider.Config].With {
			merged[k] = v
		}
	}
	for k, v := range unit.Provider.With {
		merged[k] = v
	}
	return merged
}
