package provider

import (
	"context"

	"github.com/ossian/flint/internal/secrets"
	"github.com/ossian/flint/pkg/schema"
)

// Binding pairs a provider implementation with its resolved config.
type Binding struct {
	Provider Provider
	Config   map[string]any
}

// Bindings is the per-run binding table: every provider alias the
// workflow declares, with secrets substituted. Built once at run start
// so a revoked secret mid-run cannot split the run between old and new
// credentials.
type Bindings map[string]Binding

// BuildBindings resolves every declared provider alias of the workflow.
// Unknown provider types and unresolvable secrets fail the build; the
// run must not start half-bound.
func BuildBindings(ctx context.Context, registry *Registry, vault secrets.Vault, wf *schema.WorkflowDefinition) (Bindings, error) {
	bindings := make(Bindings, len(wf.Providers))
	for alias, cfg := range wf.Providers {
		p, err := registry.Get(cfg.Type)
		if err != nil {
			return nil, err
		}
		resolved, err := secrets.ResolveConfig(ctx, vault, cfg.With)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"resolve config for provider %q: %s", alias, err.Error()).WithCause(err)
		}
		bindings[alias] = Binding{Provider: p, Config: resolved}
	}
	return bindings, nil
}

// ForCall resolves a work unit's provider call against the binding
// table. A call naming a config alias uses that binding; otherwise the
// provider type is looked up directly with an empty config.
func (b Bindings) ForCall(registry *Registry, call *schema.ProviderCall) (Provider, map[string]any, error) {
	if call.Config != "" {
		binding, ok := b[call.Config]
		if !ok {
			return nil, nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"provider alias %q is not declared", call.Config)
		}
		return binding.Provider, binding.Config, nil
	}

	p, err := registry.Get(call.Type)
	if err != nil {
		return nil, nil, err
	}
	return p, nil, nil
}
