package secrets

import (
	"context"
	"regexp"
	"strings"
)

// secretRef matches {{ secrets.KEY }} references in provider config
// values. Key names are uppercase-ish identifiers; anything else is left
// untouched for the template engine to reject at load time.
var secretRef = regexp.MustCompile(`\{\{\s*secrets\.([A-Za-z0-9_]+)\s*\}\}`)

// ResolveConfig deep-copies a provider config map with every secret
// reference replaced by its vault value. Resolution happens once per
// run, when the binding table is built; the returned map must not be
// persisted or logged.
func ResolveConfig(ctx context.Context, vault Vault, config map[string]any) (map[string]any, error) {
	if config == nil {
		return nil, nil
	}
	out := make(map[string]any, len(config))
	for k, v := range config {
		resolved, err := resolveValue(ctx, vault, v)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(ctx context.Context, vault Vault, v any) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(ctx, vault, val)
	case map[string]any:
		return ResolveConfig(ctx, vault, val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := resolveValue(ctx, vault, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(ctx context.Context, vault Vault, s string) (string, error) {
	if !strings.Contains(s, "secrets.") {
		return s, nil
	}

	var resolveErr error
	out := secretRef.ReplaceAllStringFunc(s, func(match string) string {
		if resolveErr != nil {
			return match
		}
		key := secretRef.FindStringSubmatch(match)[1]
		val, err := vault.Resolve(ctx, key)
		if err != nil {
			resolveErr = err
			return match
		}
		return string(val)
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return out, nil
}
