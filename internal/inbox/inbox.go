// Package inbox defines the email and calendar collaborator contracts. The
// provider wire protocols (IMAP, REST, OAuth refresh) live outside this
// system; the monitoring scheduler and approval workflow consume these
// interfaces only.
package inbox

import (
	"context"
	"time"
)

// InboundMessage is one message the provider returned for a tenant's mailbox.
type InboundMessage struct {
	ProviderID     string
	ConversationID string
	Sender         string
	Subject        string
	Body           string
	ReceivedAt     time.Time
}

// SendConfirmation is the provider's receipt for an outbound send.
type SendConfirmation struct {
	ProviderMessageID string
	SentAt            time.Time
}

// Service is the inbox capability contract. Credentials identify the tenant's
// own mailbox; implementations must never mix tenants.
type Service interface {
	// ListNewMessages returns inbound messages received after since, in
	// arrival order.
	ListNewMessages(ctx context.Context, creds map[string]string, since time.Time) ([]InboundMessage, error)
	// Send delivers content on an existing conversation and returns the
	// provider confirmation.
	Send(ctx context.Context, creds map[string]string, conversationID, content string) (SendConfirmation, error)
}

// Slot is a proposed meeting window.
type Slot struct {
	Start time.Time
	End   time.Time
}

// Calendar is the calendar collaborator contract used for booking requests
// detected during monitoring.
type Calendar interface {
	ProposeSlots(ctx context.Context, creds map[string]string, durationMinutes int) ([]Slot, error)
	Book(ctx context.Context, creds map[string]string, slot Slot, attendee string) error
}
