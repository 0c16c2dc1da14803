package provider

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ossian/flint/pkg/schema"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPProvider performs HTTP requests. Config may carry base_url and
// headers applied to every call; per-unit params carry method, url,
// query, headers, and body.
//
// Responses with JSON bodies decode into the unit result as
// {status_code, body, headers}; non-2xx statuses are provider errors so
// retry policies apply.
type HTTPProvider struct {
	client *resty.Client
}

// NewHTTPProvider creates the provider with a shared resty client.
func NewHTTPProvider() *HTTPProvider {
	return &HTTPProvider{
		client: resty.New().
			SetTimeout(defaultHTTPTimeout).
			SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)),
	}
}

func (p *HTTPProvider) Type() string { return "http" }

// Validate checks the with-parameter shape at load time.
func (p *HTTPProvider) Validate(params map[string]any) error {
	url := stringParam(params, "url", "")
	if url == "" {
		return schema.NewError(schema.ErrCodeDefinition, "http provider requires a url parameter")
	}
	method := strings.ToUpper(stringParam(params, "method", "GET"))
	switch method {
	case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS":
	default:
		return schema.NewErrorf(schema.ErrCodeDefinition, "http provider: unsupported method %q", method)
	}
	return nil
}

func (p *HTTPProvider) Invoke(ctx context.Context, inv Invocation) (any, error) {
	url := stringParam(inv.Params, "url", "")
	if base := stringParam(inv.Config, "base_url", ""); base != "" && !strings.Contains(url, "://") {
		url = strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(url, "/")
	}
	method := strings.ToUpper(stringParam(inv.Params, "method", "GET"))

	var result any
	req := p.client.R().
		SetContext(ctx).
		SetHeaders(stringMapParam(inv.Config, "headers")).
		SetHeaders(stringMapParam(inv.Params, "headers")).
		SetQueryParams(stringMapParam(inv.Params, "query")).
		SetResult(&result).
		SetError(&result)

	if token := stringParam(inv.Config, "auth_token", ""); token != "" {
		req.SetAuthToken(token)
	}
	if body, ok := inv.Params["body"]; ok {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProvider,
			"http request failed: %s", err.Error()).WithCause(err)
	}

	out := map[string]any{
		"status_code": float64(resp.StatusCode()),
		"body":        result,
	}
	headers := make(map[string]any, len(resp.Header()))
	for k := range resp.Header() {
		headers[k] = resp.Header().Get(k)
	}
	out["headers"] = headers

	if result == nil && len(resp.Body()) > 0 {
		out["body"] = string(resp.Body())
	}

	if resp.IsError() {
		return out, schema.NewErrorf(schema.ErrCodeProvider,
			"http request returned %s", resp.Status()).
			WithDetails(map[string]any{"status_code": resp.StatusCode()})
	}
	return out, nil
}
