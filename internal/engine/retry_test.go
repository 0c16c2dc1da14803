package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ossian/flint/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"provider error", schema.NewError(schema.ErrCodeProvider, "upstream 502"), true},
		{"timeout error", schema.NewError(schema.ErrCodeTimeout, "call timed out"), true},
		{"definition error", schema.NewError(schema.ErrCodeDefinition, "bad document"), false},
		{"circuit open", schema.NewError(schema.ErrCodeCircuitOpen, "breaker tripped"), false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"service unavailable", errors.New("503 Service Unavailable"), true},
		{"unknown error defaults retryable", errors.New("something odd"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestMaxAttempts(t *testing.T) {
	assert.Equal(t, 1, MaxAttempts(&schema.WorkUnit{}))
	assert.Equal(t, 3, MaxAttempts(&schema.WorkUnit{Idempotent: true}))
	assert.Equal(t, 5, MaxAttempts(&schema.WorkUnit{Retry: &schema.RetryPolicy{Max: 4}}))
	// Explicit policy wins over the idempotent default.
	assert.Equal(t, 2, MaxAttempts(&schema.WorkUnit{Idempotent: true, Retry: &schema.RetryPolicy{Max: 1}}))
}

func TestComputeBackoffConstant(t *testing.T) {
	policy := &schema.RetryPolicy{Backoff: "constant", Delay: "100ms"}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(policy, 0))
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(policy, 3))
}

func TestComputeBackoffLinear(t *testing.T) {
	policy := &schema.RetryPolicy{Backoff: "linear", Delay: "100ms"}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(policy, 0))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(policy, 1))
	assert.Equal(t, 400*time.Millisecond, ComputeBackoff(policy, 3))
}

func TestComputeBackoffExponential(t *testing.T) {
	policy := &schema.RetryPolicy{Backoff: "exponential", Delay: "100ms"}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(policy, 0))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(policy, 1))
	assert.Equal(t, 800*time.Millisecond, ComputeBackoff(policy, 3))
}

func TestComputeBackoffMaxDelayCap(t *testing.T) {
	policy := &schema.RetryPolicy{Backoff: "exponential", Delay: "1s", MaxDelay: "3s"}
	assert.Equal(t, 1*time.Second, ComputeBackoff(policy, 0))
	assert.Equal(t, 2*time.Second, ComputeBackoff(policy, 1))
	assert.Equal(t, 3*time.Second, ComputeBackoff(policy, 2))
	assert.Equal(t, 3*time.Second, ComputeBackoff(policy, 5))
}

func TestComputeBackoffEdgeCases(t *testing.T) {
	assert.Equal(t, time.Duration(0), ComputeBackoff(nil, 0))
	assert.Equal(t, time.Duration(0), ComputeBackoff(&schema.RetryPolicy{}, 0))
	assert.Equal(t, time.Duration(0), ComputeBackoff(&schema.RetryPolicy{Delay: "not-a-duration"}, 0))
}

func TestWaitForBackoffCompletes(t *testing.T) {
	start := time.Now()
	err := WaitForBackoff(context.Background(), 20*time.Millisecond)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitForBackoffZeroDelay(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
}

func TestWaitForBackoffCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := WaitForBackoff(ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
