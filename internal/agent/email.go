package agent

import (
	"context"
	"fmt"
	"strings"

	"agent-orchestrator/internal/errs"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/textgen"
)

// ResponseStore is the slice of persistence the email runtime needs.
// *store.Store satisfies it.
type ResponseStore interface {
	GetThread(ctx context.Context, tenantID, threadID string) (models.EmailThread, error)
	ResolveThread(ctx context.Context, tenantID, conversationID, subject, participant string) (models.EmailThread, error)
	CreateResponse(ctx context.Context, r models.EmailResponse) (models.EmailResponse, error)
}

// EmailRuntime drafts replies. Drafts are persisted pending and go nowhere
// until the approval workflow releases them; the runtime itself never sends.
type EmailRuntime struct {
	store ResponseStore
	gen   textgen.Generator
}

func NewEmailRuntime(store ResponseStore, gen textgen.Generator) *EmailRuntime {
	return &EmailRuntime{store: store, gen: gen}
}

func (r *EmailRuntime) AgentType() models.AgentType { return models.AgentEmailAutomation }

func (r *EmailRuntime) Execute(ctx context.Context, tc TenantContext, req Request) (Result, error) {
	er, ok := req.(EmailRequest)
	if !ok {
		return Result{}, errs.InvalidInput("email runtime got %T", req)
	}
	if err := tc.Check(10); err != nil {
		return Result{}, err
	}

	var thread models.EmailThread
	var err error
	if er.ThreadID != "" {
		thread, err = r.store.GetThread(ctx, tc.TenantID, er.ThreadID)
		if err != nil {
			return Result{}, err
		}
	} else {
		// Fresh outbound message: anchor it on a direct conversation with the
		// recipient so follow-ups land on the same thread.
		thread, err = r.store.ResolveThread(ctx, tc.TenantID, "direct:"+er.Recipient, er.Instruction, er.Recipient)
		if err != nil {
			return Result{}, err
		}
	}
	if err := tc.Check(40); err != nil {
		return Result{}, err
	}

	draft, err := r.draft(ctx, thread, er.Instruction)
	if err != nil {
		return Result{}, err
	}
	if err := tc.Check(70); err != nil {
		return Result{}, err
	}

	resp, err := r.store.CreateResponse(ctx, models.EmailResponse{
		TenantID:     tc.TenantID,
		ThreadID:     thread.ID,
		DraftContent: draft,
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		Payload: map[string]any{
			"response_id": resp.ID,
			"thread_id":   thread.ID,
			"subject":     thread.Subject,
		},
		Summary: fmt.Sprintf("draft reply on %q awaiting approval", thread.Subject),
	}, nil
}

// DraftForMessage drafts a reply to a specific inbound message and persists
// it pending. The monitoring scheduler uses this entry point.
func (r *EmailRuntime) DraftForMessage(ctx context.Context, tc TenantContext, thread models.EmailThread, msg models.EmailMessage) (models.EmailResponse, error) {
	instruction := fmt.Sprintf("Reply to this message from %s: %s", msg.Sender, msg.Body)
	draft, err := r.draft(ctx, thread, instruction)
	if err != nil {
		return models.EmailResponse{}, err
	}
	return r.store.CreateResponse(ctx, models.EmailResponse{
		TenantID:     tc.TenantID,
		ThreadID:     thread.ID,
		MessageID:    msg.ID,
		DraftContent: draft,
	})
}

// draft produces the reply body. Drafting is the email agent's domain work,
// so unlike the message hooks a generator failure here fails the attempt.
func (r *EmailRuntime) draft(ctx context.Context, thread models.EmailThread, instruction string) (string, error) {
	prompt := fmt.Sprintf(
		"Draft a concise, professional email reply.\nThread subject: %s\nWith: %s\nInstruction: %s",
		thread.Subject, thread.Participant, instruction)
	if len(prompt) > maxPromptChars {
		prompt = prompt[:maxPromptChars]
	}
	text, err := r.gen.Complete(ctx, prompt)
	if err != nil {
		return "", errs.External("draft email", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errs.External("draft email", fmt.Errorf("empty draft"))
	}
	return text, nil
}

func (r *EmailRuntime) Acknowledgment(ctx context.Context, tc TenantContext, req Request) string {
	er, _ := req.(EmailRequest)
	target := er.Recipient
	if target == "" {
		target = "the selected thread"
	}
	fallback := fmt.Sprintf("Understood - drafting an email for %s now.", target)
	prompt := fmt.Sprintf(
		"Write one short friendly sentence confirming we are drafting an email for %s.", target)
	return generate(ctx, r.gen, prompt, fallback)
}

func (r *EmailRuntime) Completion(ctx context.Context, tc TenantContext, req Request, result *Result, execErr error) string {
	if execErr != nil {
		fallback := fmt.Sprintf("Drafting the email failed: %v", execErr)
		prompt := fmt.Sprintf(
			"Write one short apologetic sentence telling the user their email draft failed with error: %v", execErr)
		return generate(ctx, r.gen, prompt, fallback)
	}
	subject := ""
	if result != nil {
		subject, _ = result.Payload["subject"].(string)
	}
	fallback := fmt.Sprintf("Your draft on %q is ready and waiting for approval.", subject)
	prompt := fmt.Sprintf(
		"Write one short sentence telling the user the email draft on %q is ready for their approval.", subject)
	return generate(ctx, r.gen, prompt, fallback)
}
