package provider

import (
	"context"
	"sync"
)

// MockProvider is a scriptable provider for tests and dry runs. Each
// invocation pops the next queued response; when the queue is empty the
// static Result is returned.
type MockProvider struct {
	TypeName string
	Result   any

	mu    sync.Mutex
	queue []mockResponse
	calls []Invocation
}

type mockResponse struct {
	result any
	err    error
}

// NewMockProvider creates a mock registered under the given type name.
func NewMockProvider(typeName string, result any) *MockProvider {
	return &MockProvider{TypeName: typeName, Result: result}
}

func (p *MockProvider) Type() string { return p.TypeName }

func (p *MockProvider) Validate(map[string]any) error { return nil }

// Queue appends a scripted response.
func (p *MockProvider) Queue(result any, err error) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, mockResponse{result: result, err: err})
	return p
}

// Calls returns a copy of the received invocations, in order.
func (p *MockProvider) Calls() []Invocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Invocation, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *MockProvider) Invoke(_ context.Context, inv Invocation) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, inv)
	if len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]
		return next.result, next.err
	}
	return p.Result, nil
}
