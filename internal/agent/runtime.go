// Package agent holds the agent runtimes: one executor per agent type behind
// a uniform interface of validate, execute, and the two user-facing message
// hooks. Execution always runs inside a single tenant's context; credentials
// never cross it.
package agent

import (
	"context"
	"strings"

	"agent-orchestrator/internal/errs"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/textgen"
)

// TenantContext carries everything an execution may touch for one tenant.
// Checkpoint is called between execute sub-steps; it reports progress and
// returns an error when cooperative cancellation was requested.
type TenantContext struct {
	TenantID    string
	Credentials map[string]string
	Checkpoint  func(progress int) error
}

// Check invokes the checkpoint if one is wired (tests often leave it nil).
func (tc TenantContext) Check(progress int) error {
	if tc.Checkpoint == nil {
		return nil
	}
	return tc.Checkpoint(progress)
}

// Result is the outcome of a successful execution.
type Result struct {
	Payload map[string]any
	Summary string
}

// Runtime is the uniform agent contract. Acknowledgment and Completion must
// never fail: on generator trouble they return deterministic templated text.
type Runtime interface {
	AgentType() models.AgentType
	Execute(ctx context.Context, tc TenantContext, req Request) (Result, error)
	Acknowledgment(ctx context.Context, tc TenantContext, req Request) string
	Completion(ctx context.Context, tc TenantContext, req Request, result *Result, execErr error) string
}

// Runtimes bundles the three agent runtimes and dispatches on the request's
// concrete type.
type Runtimes struct {
	Sourcing *SourcingRuntime
	Research *ResearchRuntime
	Email    *EmailRuntime
}

// For returns the runtime owning the request.
func (r Runtimes) For(req Request) (Runtime, error) {
	switch req.(type) {
	case SourcingRequest:
		return r.Sourcing, nil
	case ResearchRequest:
		return r.Research, nil
	case EmailRequest:
		return r.Email, nil
	default:
		return nil, errs.InvalidInput("no runtime for request type %T", req)
	}
}

// ByType returns the runtime for an agent type; the worker pools use this to
// bind one runtime per queue.
func (r Runtimes) ByType(agentType models.AgentType) (Runtime, error) {
	switch agentType {
	case models.AgentSourcing:
		return r.Sourcing, nil
	case models.AgentResearch:
		return r.Research, nil
	case models.AgentEmailAutomation:
		return r.Email, nil
	default:
		return nil, errs.InvalidInput("no runtime for agent type %q", agentType)
	}
}

const maxPromptChars = 2000

// generate asks the text-generation collaborator for a message, falling back
// to the deterministic template on any failure or empty output. Message
// generation never blocks long or fails a job.
func generate(ctx context.Context, gen textgen.Generator, prompt, fallback string) string {
	if gen == nil {
		return fallback
	}
	if len(prompt) > maxPromptChars {
		prompt = prompt[:maxPromptChars]
	}
	text, err := gen.Complete(ctx, prompt)
	if err != nil || strings.TrimSpace(text) == "" {
		return fallback
	}
	return strings.TrimSpace(text)
}
