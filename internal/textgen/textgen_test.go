package textgen

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-orchestrator/internal/errs"
)

func TestResilientPassesThrough(t *testing.T) {
	inner := GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		return "hello " + prompt, nil
	})
	r := NewResilient(inner, time.Second)

	out, err := r.Complete(context.Background(), "world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestResilientClassifiesFailures(t *testing.T) {
	inner := GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("502 from bridge")
	})
	r := NewResilient(inner, time.Second)

	_, err := r.Complete(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errs.Retryable(err))
}

func TestResilientEnforcesDeadline(t *testing.T) {
	inner := GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return "too late", nil
		}
	})
	r := NewResilient(inner, 20*time.Millisecond)

	start := time.Now()
	_, err := r.Complete(context.Background(), "x")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, errors.Is(err, errs.ErrExternalServiceTimeout))
}

func TestResilientBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	inner := GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		calls++
		return "", errors.New("down")
	})
	r := NewResilient(inner, time.Second)

	for i := 0; i < 8; i++ {
		_, _ = r.Complete(context.Background(), "x")
	}
	// The breaker opens after the fifth consecutive failure; later calls
	// fail fast without reaching the generator.
	assert.Equal(t, 5, calls)

	_, err := r.Complete(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errs.Retryable(err))
}
