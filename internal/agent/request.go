package agent

import (
	"fmt"
	"strings"

	"agent-orchestrator/internal/errs"
	"agent-orchestrator/internal/models"
)

// Request is the sealed union of agent job requests. One constructor exists
// per agent type; dispatch is a type switch over the concrete types, so a new
// agent forces a review of every dispatch site.
type Request interface {
	Agent() models.AgentType
	isRequest()
}

// SourcingRequest asks the sourcing agent for leads matching the filters.
// At least one filter across locations, titles, and business types must be set.
type SourcingRequest struct {
	Locations     []string
	Titles        []string
	BusinessTypes []string
	Limit         int
}

func (SourcingRequest) Agent() models.AgentType { return models.AgentSourcing }
func (SourcingRequest) isRequest()              {}

// ResearchRequest asks the research agent to profile a company or person.
// Exactly one of ProfileURL or ProfileID must resolve.
type ResearchRequest struct {
	ProfileURL string
	ProfileID  string
	Focus      string
}

func (ResearchRequest) Agent() models.AgentType { return models.AgentResearch }
func (ResearchRequest) isRequest()              {}

// EmailRequest asks the email-automation agent to draft a reply on a thread
// or a fresh outbound message to a recipient.
type EmailRequest struct {
	ThreadID    string
	Recipient   string
	Instruction string
}

func (EmailRequest) Agent() models.AgentType { return models.AgentEmailAutomation }
func (EmailRequest) isRequest()              {}

// ParseRequest builds and validates the typed request for an agent type from
// the submitted payload. Validation failures are errs.ErrInvalidInput and are
// returned synchronously at submission.
func ParseRequest(agentType models.AgentType, payload map[string]any) (Request, error) {
	switch agentType {
	case models.AgentSourcing:
		return parseSourcing(payload)
	case models.AgentResearch:
		return parseResearch(payload)
	case models.AgentEmailAutomation:
		return parseEmail(payload)
	default:
		return nil, errs.InvalidInput("unknown agent type %q", agentType)
	}
}

func parseSourcing(payload map[string]any) (Request, error) {
	req := SourcingRequest{
		Locations:     stringSlice(payload["locations"]),
		Titles:        stringSlice(payload["titles"]),
		BusinessTypes: stringSlice(payload["business_types"]),
		Limit:         intValue(payload["limit"]),
	}
	if len(req.Locations)+len(req.Titles)+len(req.BusinessTypes) == 0 {
		return nil, errs.InvalidInput("sourcing requires at least one location, title, or business type filter")
	}
	if req.Limit <= 0 {
		req.Limit = 25
	}
	return req, nil
}

func parseResearch(payload map[string]any) (Request, error) {
	req := ResearchRequest{
		ProfileURL: stringValue(payload["profile_url"]),
		ProfileID:  stringValue(payload["profile_id"]),
		Focus:      stringValue(payload["focus"]),
	}
	if req.ProfileURL == "" && req.ProfileID == "" {
		return nil, errs.InvalidInput("research requires a resolvable profile_url or profile_id")
	}
	if req.ProfileURL != "" && !strings.HasPrefix(req.ProfileURL, "http://") && !strings.HasPrefix(req.ProfileURL, "https://") {
		return nil, errs.InvalidInput("profile_url must be an absolute http(s) url")
	}
	return req, nil
}

func parseEmail(payload map[string]any) (Request, error) {
	req := EmailRequest{
		ThreadID:    stringValue(payload["thread_id"]),
		Recipient:   stringValue(payload["recipient"]),
		Instruction: stringValue(payload["instruction"]),
	}
	if req.ThreadID == "" && req.Recipient == "" {
		return nil, errs.InvalidInput("email job requires a thread_id or recipient")
	}
	if req.Recipient != "" && !strings.Contains(req.Recipient, "@") {
		return nil, errs.InvalidInput("recipient %q is not an address", req.Recipient)
	}
	return req, nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func intValue(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	}
	return 0
}

func stringSlice(v any) []string {
	var out []string
	switch t := v.(type) {
	case []string:
		for _, s := range t {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, e := range t {
			if s := stringValue(e); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// describeFilters renders sourcing filters for prompts and fallback text.
func describeFilters(req SourcingRequest) string {
	var parts []string
	if len(req.Locations) > 0 {
		parts = append(parts, fmt.Sprintf("locations %s", strings.Join(req.Locations, ", ")))
	}
	if len(req.Titles) > 0 {
		parts = append(parts, fmt.Sprintf("titles %s", strings.Join(req.Titles, ", ")))
	}
	if len(req.BusinessTypes) > 0 {
		parts = append(parts, fmt.Sprintf("business types %s", strings.Join(req.BusinessTypes, ", ")))
	}
	return strings.Join(parts, "; ")
}
