package agent

import (
	"context"
	"fmt"

	"agent-orchestrator/internal/errs"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/textgen"
)

// Lead is one prospect returned by the lead directory collaborator.
type Lead struct {
	Name     string `json:"name"`
	Title    string `json:"title"`
	Company  string `json:"company"`
	Location string `json:"location"`
	Contact  string `json:"contact"`
}

// LeadFilters narrows a directory search.
type LeadFilters struct {
	Locations     []string
	Titles        []string
	BusinessTypes []string
	Limit         int
}

// LeadDirectory is the lead-database collaborator contract. Credentials are
// the tenant's own directory API key.
type LeadDirectory interface {
	FindLeads(ctx context.Context, creds map[string]string, filters LeadFilters) ([]Lead, error)
}

// SourcingRuntime runs lead-sourcing jobs.
type SourcingRuntime struct {
	directory LeadDirectory
	gen       textgen.Generator
}

func NewSourcingRuntime(directory LeadDirectory, gen textgen.Generator) *SourcingRuntime {
	return &SourcingRuntime{directory: directory, gen: gen}
}

func (r *SourcingRuntime) AgentType() models.AgentType { return models.AgentSourcing }

func (r *SourcingRuntime) Execute(ctx context.Context, tc TenantContext, req Request) (Result, error) {
	sr, ok := req.(SourcingRequest)
	if !ok {
		return Result{}, errs.InvalidInput("sourcing runtime got %T", req)
	}
	if err := tc.Check(10); err != nil {
		return Result{}, err
	}

	leads, err := r.directory.FindLeads(ctx, tc.Credentials, LeadFilters{
		Locations:     sr.Locations,
		Titles:        sr.Titles,
		BusinessTypes: sr.BusinessTypes,
		Limit:         sr.Limit,
	})
	if err != nil {
		return Result{}, errs.External("find leads", err)
	}
	if err := tc.Check(80); err != nil {
		return Result{}, err
	}

	items := make([]map[string]any, 0, len(leads))
	for _, l := range leads {
		items = append(items, map[string]any{
			"name": l.Name, "title": l.Title, "company": l.Company,
			"location": l.Location, "contact": l.Contact,
		})
	}
	return Result{
		Payload: map[string]any{"leads_found": len(leads), "leads": items},
		Summary: fmt.Sprintf("%d leads matching %s", len(leads), describeFilters(sr)),
	}, nil
}

func (r *SourcingRuntime) Acknowledgment(ctx context.Context, tc TenantContext, req Request) string {
	sr, _ := req.(SourcingRequest)
	filters := describeFilters(sr)
	fallback := fmt.Sprintf("Got it - starting a lead sourcing run for %s.", filters)
	prompt := fmt.Sprintf(
		"Write one short friendly sentence confirming we are starting a lead search for these filters: %s. Mention the filters.",
		filters)
	return generate(ctx, r.gen, prompt, fallback)
}

func (r *SourcingRuntime) Completion(ctx context.Context, tc TenantContext, req Request, result *Result, execErr error) string {
	sr, _ := req.(SourcingRequest)
	filters := describeFilters(sr)
	if execErr != nil {
		fallback := fmt.Sprintf("Your lead sourcing run for %s failed: %v", filters, execErr)
		prompt := fmt.Sprintf(
			"Write one short apologetic sentence telling the user their lead search for %s failed with error: %v",
			filters, execErr)
		return generate(ctx, r.gen, prompt, fallback)
	}
	count := 0
	if result != nil {
		if n, ok := result.Payload["leads_found"].(int); ok {
			count = n
		}
	}
	fallback := fmt.Sprintf("Done - found %d leads for %s.", count, filters)
	prompt := fmt.Sprintf(
		"Write one short upbeat sentence telling the user we found %d leads matching %s. Mention the exact count %d.",
		count, filters, count)
	return generate(ctx, r.gen, prompt, fallback)
}
