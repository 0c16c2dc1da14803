package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossian/flint/internal/secrets"
	"github.com/ossian/flint/pkg/schema"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(NewMockProvider("mock", nil)))
	require.Error(t, r.Register(NewMockProvider("mock", nil)), "duplicate type")
	require.Error(t, r.Register(nil))

	p, err := r.Get("mock")
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Type())

	_, err = r.Get("nope")
	require.Error(t, err)
	var fe *schema.FlintError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeProvider, fe.Code)

	require.NoError(t, r.Register(NewMockProvider("another", nil)))
	assert.Equal(t, []string{"another", "mock"}, r.Types())
}

func TestBuildBindingsResolvesSecrets(t *testing.T) {
	t.Setenv("FLINT_SECRET_API_TOKEN", "tok-42")

	r := NewRegistry()
	require.NoError(t, r.Register(NewMockProvider("http", nil)))

	wf := &schema.WorkflowDefinition{
		ID: "wf-1",
		Providers: map[string]schema.ProviderConfig{
			"ticketing": {Type: "http", With: map[string]any{
				"base_url":   "https://tickets.example.com",
				"auth_token": "{{ secrets.API_TOKEN }}",
			}},
		},
	}

	bindings, err := BuildBindings(context.Background(), r, secrets.NewEnvVault(""), wf)
	require.NoError(t, err)
	require.Contains(t, bindings, "ticketing")
	assert.Equal(t, "tok-42", bindings["ticketing"].Config["auth_token"])
}

func TestBuildBindingsFailsOnUnknownTypeOrMissingSecret(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewMockProvider("http", nil)))
	vault := secrets.NewEnvVault("FLINT_TEST_EMPTY_")

	_, err := BuildBindings(context.Background(), r, vault, &schema.WorkflowDefinition{
		Providers: map[string]schema.ProviderConfig{
			"x": {Type: "unknown"},
		},
	})
	require.Error(t, err)

	_, err = BuildBindings(context.Background(), r, vault, &schema.WorkflowDefinition{
		Providers: map[string]schema.ProviderConfig{
			"x": {Type: "http", With: map[string]any{"token": "{{ secrets.GONE }}"}},
		},
	})
	require.Error(t, err)
}

func TestBindingsForCall(t *testing.T) {
	r := NewRegistry()
	mock := NewMockProvider("http", nil)
	require.NoError(t, r.Register(mock))

	bindings := Bindings{
		"ticketing": {Provider: mock, Config: map[string]any{"base_url": "https://x"}},
	}

	p, cfg, err := bindings.ForCall(r, &schema.ProviderCall{Type: "http", Config: "ticketing"})
	require.NoError(t, err)
	assert.Equal(t, mock, p)
	assert.Equal(t, "https://x", cfg["base_url"])

	// No alias: direct type lookup with empty config.
	p, cfg, err = bindings.ForCall(r, &schema.ProviderCall{Type: "http"})
	require.NoError(t, err)
	assert.Equal(t, mock, p)
	assert.Nil(t, cfg)

	_, _, err = bindings.ForCall(r, &schema.ProviderCall{Type: "http", Config: "undeclared"})
	require.Error(t, err)
}

func TestHTTPProviderInvoke(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")
		gotPath = req.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true, "count": 2}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider()
	out, err := p.Invoke(context.Background(), Invocation{
		Config: map[string]any{"base_url": srv.URL, "auth_token": "tok-1"},
		Params: map[string]any{"url": "/v1/items", "method": "GET"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "/v1/items", gotPath)

	m := out.(map[string]any)
	assert.Equal(t, float64(200), m["status_code"])
	body := m["body"].(map[string]any)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(2), body["count"])
}

func TestHTTPProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProvider()
	_, err := p.Invoke(context.Background(), Invocation{
		Params: map[string]any{"url": srv.URL},
	})
	require.Error(t, err)

	var fe *schema.FlintError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeProvider, fe.Code)
	assert.True(t, fe.IsRetryable())
}

func TestHTTPProviderValidate(t *testing.T) {
	p := NewHTTPProvider()

	assert.NoError(t, p.Validate(map[string]any{"url": "https://x", "method": "post"}))
	assert.Error(t, p.Validate(map[string]any{"method": "GET"}), "url required")
	assert.Error(t, p.Validate(map[string]any{"url": "https://x", "method": "BREW"}))
}

func TestMockProviderQueueAndCalls(t *testing.T) {
	p := NewMockProvider("mock", map[string]any{"static": true})
	p.Queue(map[string]any{"n": 1}, nil)
	p.Queue(nil, errors.New("boom"))

	out, err := p.Invoke(context.Background(), Invocation{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 1}, out)

	_, err = p.Invoke(context.Background(), Invocation{RunID: "r2"})
	require.Error(t, err)

	out, err = p.Invoke(context.Background(), Invocation{RunID: "r3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"static": true}, out)

	calls := p.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "r1", calls[0].RunID)
}
