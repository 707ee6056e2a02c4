// Package collab holds thin JSON-over-HTTP adapters to the platform's
// collaborator services (language-model bridge, mailbox bridge, calendar
// bridge, lead directory, enrichment). The adapters speak the bridge
// endpoints only; provider wire protocols live in the bridges themselves.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"agent-orchestrator/internal/agent"
	"agent-orchestrator/internal/inbox"
)

// Client is a base bridge client with a bounded per-call timeout.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a bridge client. An empty baseURL yields a client whose
// calls fail with a configuration error, which keeps local composition simple.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("collaborator endpoint not configured")
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("bridge returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// TextGen adapts the language-model bridge to textgen.Generator.
type TextGen struct{ *Client }

func (t TextGen) Complete(ctx context.Context, prompt string) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	err := t.post(ctx, "/v1/complete", map[string]string{"prompt": prompt}, &out)
	return out.Text, err
}

// Mailbox adapts the mailbox bridge to inbox.Service.
type Mailbox struct{ *Client }

func (m Mailbox) ListNewMessages(ctx context.Context, creds map[string]string, since time.Time) ([]inbox.InboundMessage, error) {
	var out struct {
		Messages []inbox.InboundMessage `json:"messages"`
	}
	err := m.post(ctx, "/v1/messages/list", map[string]any{"credentials": creds, "since": since}, &out)
	return out.Messages, err
}

func (m Mailbox) Send(ctx context.Context, creds map[string]string, conversationID, content string) (inbox.SendConfirmation, error) {
	var out inbox.SendConfirmation
	err := m.post(ctx, "/v1/messages/send", map[string]any{
		"credentials":     creds,
		"conversation_id": conversationID,
		"content":         content,
	}, &out)
	return out, err
}

// CalendarBridge adapts the calendar bridge to inbox.Calendar.
type CalendarBridge struct{ *Client }

func (c CalendarBridge) ProposeSlots(ctx context.Context, creds map[string]string, durationMinutes int) ([]inbox.Slot, error) {
	var out struct {
		Slots []inbox.Slot `json:"slots"`
	}
	err := c.post(ctx, "/v1/slots/propose", map[string]any{"credentials": creds, "duration_minutes": durationMinutes}, &out)
	return out.Slots, err
}

func (c CalendarBridge) Book(ctx context.Context, creds map[string]string, slot inbox.Slot, attendee string) error {
	return c.post(ctx, "/v1/slots/book", map[string]any{"credentials": creds, "slot": slot, "attendee": attendee}, nil)
}

// LeadDirectory adapts the lead-database bridge to agent.LeadDirectory.
type LeadDirectory struct{ *Client }

func (l LeadDirectory) FindLeads(ctx context.Context, creds map[string]string, filters agent.LeadFilters) ([]agent.Lead, error) {
	var out struct {
		Leads []agent.Lead `json:"leads"`
	}
	err := l.post(ctx, "/v1/leads/search", map[string]any{
		"credentials":    creds,
		"locations":      filters.Locations,
		"titles":         filters.Titles,
		"business_types": filters.BusinessTypes,
		"limit":          filters.Limit,
	}, &out)
	return out.Leads, err
}

// Enricher adapts the enrichment bridge to agent.ProfileEnricher.
type Enricher struct{ *Client }

func (e Enricher) Research(ctx context.Context, creds map[string]string, profileRef, focus string) (agent.Profile, error) {
	var out agent.Profile
	err := e.post(ctx, "/v1/profiles/research", map[string]any{
		"credentials": creds,
		"profile_ref": profileRef,
		"focus":       focus,
	}, &out)
	return out, err
}
