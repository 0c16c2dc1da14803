package secrets

import (
	"context"
	"os"
	"strings"

	"github.com/ossian/flint/pkg/schema"
)

// Vault resolves secret references ({{ secrets.KEY }}) found in provider
// configurations. Secrets are resolved in-memory only and never written
// to run records.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// EnvVault reads secrets from environment variables with a fixed prefix.
// It is the default vault when no encrypted store is configured: the
// secret AUTH_TOKEN resolves from FLINT_SECRET_AUTH_TOKEN.
type EnvVault struct {
	prefix string
}

// NewEnvVault creates an environment-backed read-only vault.
func NewEnvVault(prefix string) *EnvVault {
	if prefix == "" {
		prefix = "FLINT_SECRET_"
	}
	return &EnvVault{prefix: prefix}
}

func (v *EnvVault) Resolve(_ context.Context, key string) ([]byte, error) {
	name := v.prefix + strings.ToUpper(key)
	val, ok := os.LookupEnv(name)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return []byte(val), nil
}

func (v *EnvVault) Store(_ context.Context, key string, _ []byte) error {
	return schema.NewErrorf(schema.ErrCodeVault, "environment vault is read-only, cannot store %q", key)
}

func (v *EnvVault) Delete(_ context.Context, key string) error {
	return schema.NewErrorf(schema.ErrCodeVault, "environment vault is read-only, cannot delete %q", key)
}

func (v *EnvVault) List(_ context.Context) ([]string, error) {
	var keys []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if rest, ok := strings.CutPrefix(name, v.prefix); ok {
			keys = append(keys, rest)
		}
	}
	return keys, nil
}
