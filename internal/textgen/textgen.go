// Package textgen defines the text-generation collaborator contract. The raw
// provider client lives outside this system; everything here talks to the
// Generator interface.
package textgen

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"agent-orchestrator/internal/errs"
)

// Generator is the capability contract for the language-model collaborator.
type Generator interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Resilient wraps a Generator with a bounded per-call timeout and a circuit
// breaker so a degraded provider cannot hang jobs or hammer the upstream.
type Resilient struct {
	inner   Generator
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

// NewResilient builds the decorator. A zero timeout defaults to 15s.
func NewResilient(inner Generator, timeout time.Duration) *Resilient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "textgen",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Resilient{inner: inner, timeout: timeout, breaker: cb}
}

// Complete calls the wrapped generator under the breaker and deadline.
// Failures come back classified as external-service errors; callers on the
// messaging path fall back to templated text and never fail the job.
func (r *Resilient) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := r.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.inner.Complete(callCtx, prompt)
	})
	if err != nil {
		return "", errs.External("textgen complete", err)
	}
	text, _ := out.(string)
	return text, nil
}
