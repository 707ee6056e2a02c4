package agent

import (
	"context"
	"fmt"

	"agent-orchestrator/internal/errs"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/textgen"
)

// Profile is the enrichment collaborator's view of a company or person.
type Profile struct {
	Name     string   `json:"name"`
	Summary  string   `json:"summary"`
	KeyFacts []string `json:"key_facts"`
	Source   string   `json:"source"`
}

// ProfileEnricher resolves a profile reference into researched facts using
// the tenant's enrichment credentials.
type ProfileEnricher interface {
	Research(ctx context.Context, creds map[string]string, profileRef, focus string) (Profile, error)
}

// ResearchRuntime runs research jobs.
type ResearchRuntime struct {
	enricher ProfileEnricher
	gen      textgen.Generator
}

func NewResearchRuntime(enricher ProfileEnricher, gen textgen.Generator) *ResearchRuntime {
	return &ResearchRuntime{enricher: enricher, gen: gen}
}

func (r *ResearchRuntime) AgentType() models.AgentType { return models.AgentResearch }

func (r *ResearchRuntime) Execute(ctx context.Context, tc TenantContext, req Request) (Result, error) {
	rr, ok := req.(ResearchRequest)
	if !ok {
		return Result{}, errs.InvalidInput("research runtime got %T", req)
	}
	if err := tc.Check(10); err != nil {
		return Result{}, err
	}

	ref := rr.ProfileURL
	if ref == "" {
		ref = rr.ProfileID
	}
	profile, err := r.enricher.Research(ctx, tc.Credentials, ref, rr.Focus)
	if err != nil {
		return Result{}, errs.External("research profile", err)
	}
	if err := tc.Check(90); err != nil {
		return Result{}, err
	}

	return Result{
		Payload: map[string]any{
			"profile_name": profile.Name,
			"summary":      profile.Summary,
			"key_facts":    profile.KeyFacts,
			"fact_count":   len(profile.KeyFacts),
			"source":       profile.Source,
		},
		Summary: fmt.Sprintf("profile %s with %d key facts", profile.Name, len(profile.KeyFacts)),
	}, nil
}

func (r *ResearchRuntime) Acknowledgment(ctx context.Context, tc TenantContext, req Request) string {
	rr, _ := req.(ResearchRequest)
	ref := rr.ProfileURL
	if ref == "" {
		ref = rr.ProfileID
	}
	fallback := fmt.Sprintf("On it - researching %s now.", ref)
	prompt := fmt.Sprintf(
		"Write one short friendly sentence confirming we started researching the profile %s. Mention the profile.",
		ref)
	return generate(ctx, r.gen, prompt, fallback)
}

func (r *ResearchRuntime) Completion(ctx context.Context, tc TenantContext, req Request, result *Result, execErr error) string {
	rr, _ := req.(ResearchRequest)
	ref := rr.ProfileURL
	if ref == "" {
		ref = rr.ProfileID
	}
	if execErr != nil {
		fallback := fmt.Sprintf("Research on %s failed: %v", ref, execErr)
		prompt := fmt.Sprintf(
			"Write one short apologetic sentence telling the user research on %s failed with error: %v", ref, execErr)
		return generate(ctx, r.gen, prompt, fallback)
	}
	name := ref
	facts := 0
	if result != nil {
		if v, ok := result.Payload["profile_name"].(string); ok && v != "" {
			name = v
		}
		if n, ok := result.Payload["fact_count"].(int); ok {
			facts = n
		}
	}
	fallback := fmt.Sprintf("Research on %s is ready with %d key facts.", name, facts)
	prompt := fmt.Sprintf(
		"Write one short sentence telling the user research on %s is ready, mentioning it contains %d key facts.",
		name, facts)
	return generate(ctx, r.gen, prompt, fallback)
}
