package models

import (
	"time"
)

// AgentType identifies one of the autonomous agents a tenant can run.
type AgentType string

const (
	AgentSourcing        AgentType = "sourcing"
	AgentResearch        AgentType = "research"
	AgentEmailAutomation AgentType = "email_automation"
)

// AgentTypes lists every known agent type; each one gets its own queue family
// and worker pool.
var AgentTypes = []AgentType{AgentSourcing, AgentResearch, AgentEmailAutomation}

// ValidAgentType reports whether s names a known agent type.
func ValidAgentType(s string) bool {
	switch AgentType(s) {
	case AgentSourcing, AgentResearch, AgentEmailAutomation:
		return true
	}
	return false
}

// Job lifecycle states persisted in Postgres. Status is monotonic: a job never
// returns to queued except through the retry path, which starts a fresh attempt.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Job is one unit of agent work submitted by or on behalf of a tenant.
type Job struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	AgentType       AgentType      `json:"agent_type"`
	JobType         string         `json:"job_type"`
	Priority        string         `json:"priority"`
	Status          string         `json:"status"`
	Progress        int            `json:"progress"`
	InputPayload    map[string]any `json:"input_payload"`
	ResultPayload   map[string]any `json:"result_payload,omitempty"`
	ErrorInfo       *string        `json:"error_info,omitempty"`
	Attempts        int            `json:"attempts"`
	MaxAttempts     int            `json:"max_attempts"`
	CancelRequested bool           `json:"cancel_requested"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// TenantAgentConfig records whether an agent is enabled for a tenant and the
// sealed credential bundle it runs with. Values in Credentials are ciphertext;
// the registry decrypts on each use.
type TenantAgentConfig struct {
	TenantID    string            `json:"tenant_id"`
	AgentType   AgentType         `json:"agent_type"`
	Enabled     bool              `json:"enabled"`
	Credentials map[string]string `json:"credentials"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// MonitoringConfig drives the per-tenant inbox monitoring cadence.
type MonitoringConfig struct {
	TenantID             string     `json:"tenant_id"`
	Enabled              bool       `json:"enabled"`
	CheckIntervalMinutes int        `json:"check_interval_minutes"`
	LastCheckedAt        *time.Time `json:"last_checked_at,omitempty"`
	FilterCriteria       []string   `json:"filter_criteria,omitempty"`
}

// EmailThread groups ordered messages by the provider's conversation id.
type EmailThread struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	ConversationID string    `json:"conversation_id"`
	Subject        string    `json:"subject"`
	Participant    string    `json:"participant"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// EmailMessage is one message inside a thread. ProviderID is the provider's
// own message id; inserting the same provider message twice is a no-op, which
// makes monitoring-window replays safe.
type EmailMessage struct {
	ID             string    `json:"id"`
	ProviderID     string    `json:"provider_id,omitempty"`
	ThreadID       string    `json:"thread_id"`
	TenantID       string    `json:"tenant_id"`
	Direction      string    `json:"direction"`
	Sender         string    `json:"sender"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	Processed      bool      `json:"processed"`
	RequiresAction bool      `json:"requires_action"`
	ReceivedAt     time.Time `json:"received_at"`
}

// EmailResponse approval states. Rejected and sent are terminal; the system
// never moves a response out of pending on its own.
const (
	ResponsePending   = "pending"
	ResponseApproved  = "approved"
	ResponseRejected  = "rejected"
	ResponseSent      = "sent"
	ResponseEscalated = "escalated"
)

// ProposedSlot is a meeting window offered in a calendar-request reply. The
// first slot is booked when the tenant approves the reply.
type ProposedSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// EmailResponse is a drafted reply gated behind tenant approval.
type EmailResponse struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	ThreadID       string         `json:"thread_id"`
	MessageID      string         `json:"message_id"`
	DraftContent   string         `json:"draft_content"`
	ApprovalStatus string         `json:"approval_status"`
	ApprovedBy     *string        `json:"approved_by,omitempty"`
	RejectReason   *string        `json:"reject_reason,omitempty"`
	ProposedSlots  []ProposedSlot `json:"proposed_slots,omitempty"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Escalation states. Escalations are never auto-resolved.
const (
	EscalationOpen       = "open"
	EscalationInProgress = "in_progress"
	EscalationResolved   = "resolved"
	EscalationClosed     = "closed"
)

// Escalation flags a thread for human handling instead of an automated reply.
type Escalation struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	ThreadID  string    `json:"thread_id"`
	Reason    string    `json:"reason"`
	Priority  string    `json:"priority"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
