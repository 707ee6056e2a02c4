package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"agent-orchestrator/internal/errs"
	"agent-orchestrator/internal/models"
)

// ResolveThread finds the thread for a provider conversation id, creating it
// if this is the first message of the conversation.
func (s *Store) ResolveThread(ctx context.Context, tenantID, conversationID, subject, participant string) (models.EmailThread, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, conversation_id, subject, participant, created_at, updated_at
		FROM email_threads WHERE tenant_id = $1 AND conversation_id = $2
	`, tenantID, conversationID)

	var t models.EmailThread
	err := row.Scan(&t.ID, &t.TenantID, &t.ConversationID, &t.Subject, &t.Participant, &t.CreatedAt, &t.UpdatedAt)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.EmailThread{}, errs.Persistence("scan thread", err)
	}

	t = models.EmailThread{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		ConversationID: conversationID,
		Subject:        subject,
		Participant:    participant,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO email_threads (id, tenant_id, conversation_id, subject, participant, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (tenant_id, conversation_id) DO NOTHING
	`, t.ID, t.TenantID, t.ConversationID, t.Subject, t.Participant, t.CreatedAt)
	if err != nil {
		return models.EmailThread{}, errs.Persistence("insert thread", err)
	}
	return t, nil
}

// GetThread fetches a thread by id, scoped to its tenant.
func (s *Store) GetThread(ctx context.Context, tenantID, threadID string) (models.EmailThread, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, conversation_id, subject, participant, created_at, updated_at
		FROM email_threads WHERE tenant_id = $1 AND id = $2
	`, tenantID, threadID)
	var t models.EmailThread
	err := row.Scan(&t.ID, &t.TenantID, &t.ConversationID, &t.Subject, &t.Participant, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EmailThread{}, fmt.Errorf("%w: thread %s", errs.ErrNotFound, threadID)
	}
	if err != nil {
		return models.EmailThread{}, errs.Persistence("scan thread", err)
	}
	return t, nil
}

// InsertMessage persists one inbound or outbound message on a thread. A
// message whose (tenant, provider id) pair already exists is not re-inserted;
// the stored row comes back instead, so callers can tell a replayed message
// by its Processed flag.
func (s *Store) InsertMessage(ctx context.Context, m models.EmailMessage) (models.EmailMessage, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO email_messages (id, provider_id, thread_id, tenant_id, direction, sender, subject, body, processed, requires_action, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, provider_id) WHERE provider_id <> '' DO NOTHING
	`, m.ID, m.ProviderID, m.ThreadID, m.TenantID, m.Direction, m.Sender, m.Subject, m.Body, m.Processed, m.RequiresAction, m.ReceivedAt)
	if err != nil {
		return models.EmailMessage{}, errs.Persistence("insert message", err)
	}
	if tag.RowsAffected() > 0 {
		return m, nil
	}

	row := s.pool.QueryRow(ctx, `
		SELECT id, provider_id, thread_id, tenant_id, direction, sender, subject, body, processed, requires_action, received_at
		FROM email_messages WHERE tenant_id = $1 AND provider_id = $2
	`, m.TenantID, m.ProviderID)
	var existing models.EmailMessage
	err = row.Scan(&existing.ID, &existing.ProviderID, &existing.ThreadID, &existing.TenantID, &existing.Direction,
		&existing.Sender, &existing.Subject, &existing.Body, &existing.Processed, &existing.RequiresAction, &existing.ReceivedAt)
	if err != nil {
		return models.EmailMessage{}, errs.Persistence("scan existing message", err)
	}
	return existing, nil
}

// MarkMessageProcessed flags a message once classification ran for it.
func (s *Store) MarkMessageProcessed(ctx context.Context, tenantID, messageID string, requiresAction bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_messages SET processed = TRUE, requires_action = $3
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, messageID, requiresAction)
	return errs.Persistence("mark message processed", err)
}

// CreateResponse persists a drafted reply in the pending state.
func (s *Store) CreateResponse(ctx context.Context, r models.EmailResponse) (models.EmailResponse, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.ApprovalStatus = models.ResponsePending
	r.CreatedAt = time.Now().UTC()
	var slots []byte
	if len(r.ProposedSlots) > 0 {
		var err error
		slots, err = json.Marshal(r.ProposedSlots)
		if err != nil {
			return models.EmailResponse{}, errs.Persistence("encode proposed slots", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_responses (id, tenant_id, thread_id, message_id, draft_content, approval_status, proposed_slots, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.TenantID, r.ThreadID, r.MessageID, r.DraftContent, r.ApprovalStatus, slots, r.CreatedAt)
	if err != nil {
		return models.EmailResponse{}, errs.Persistence("insert response", err)
	}
	return r, nil
}

// GetResponse fetches a response by id.
func (s *Store) GetResponse(ctx context.Context, id string) (models.EmailResponse, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, thread_id, message_id, draft_content, approval_status, approved_by, reject_reason, proposed_slots, sent_at, created_at
		FROM email_responses WHERE id = $1
	`, id)
	var r models.EmailResponse
	var approvedBy, rejectReason pgtype.Text
	var slots []byte
	var sentAt pgtype.Timestamptz
	err := row.Scan(&r.ID, &r.TenantID, &r.ThreadID, &r.MessageID, &r.DraftContent, &r.ApprovalStatus, &approvedBy, &rejectReason, &slots, &sentAt, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EmailResponse{}, fmt.Errorf("%w: response %s", errs.ErrNotFound, id)
	}
	if err != nil {
		return models.EmailResponse{}, errs.Persistence("scan response", err)
	}
	r.ApprovedBy = textPtr(approvedBy)
	r.RejectReason = textPtr(rejectReason)
	r.SentAt = tsPtr(sentAt)
	if len(slots) > 0 {
		if err := json.Unmarshal(slots, &r.ProposedSlots); err != nil {
			return models.EmailResponse{}, errs.Persistence("decode proposed slots", err)
		}
	}
	return r, nil
}

// TransitionResponse moves a response from one approval state to another. The
// WHERE clause enforces the state machine: the update applies only if the row
// is still in the expected source state. Returns ErrNotFound if no row moved.
func (s *Store) TransitionResponse(ctx context.Context, id, from, to string, setFields map[string]any) error {
	q := `UPDATE email_responses SET approval_status = $3`
	args := []any{id, from, to}
	n := 4
	for col, v := range setFields {
		switch col {
		case "approved_by", "reject_reason", "draft_content":
			q += fmt.Sprintf(", %s = $%d", col, n)
			args = append(args, v)
			n++
		case "sent_at":
			q += ", sent_at = NOW()"
		}
	}
	q += ` WHERE id = $1 AND approval_status = $2`

	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return errs.Persistence("transition response", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: response %s not in state %s", errs.ErrNotFound, id, from)
	}
	return nil
}

// CountPendingResponses returns the number of drafts awaiting approval for a tenant.
func (s *Store) CountPendingResponses(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM email_responses WHERE tenant_id = $1 AND approval_status = $2
	`, tenantID, models.ResponsePending).Scan(&count)
	if err != nil {
		return 0, errs.Persistence("count pending responses", err)
	}
	return count, nil
}

// CreateEscalation records a case that needs human handling.
func (s *Store) CreateEscalation(ctx context.Context, e models.Escalation) (models.Escalation, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Priority == "" {
		e.Priority = "default"
	}
	e.Status = models.EscalationOpen
	e.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO escalations (id, tenant_id, thread_id, reason, priority, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.TenantID, e.ThreadID, e.Reason, e.Priority, e.Status, e.CreatedAt)
	if err != nil {
		return models.Escalation{}, errs.Persistence("insert escalation", err)
	}
	return e, nil
}

// ListEscalations returns a tenant's escalations, newest first.
func (s *Store) ListEscalations(ctx context.Context, tenantID string, limit int) ([]models.Escalation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, thread_id, reason, priority, status, created_at
		FROM escalations WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, errs.Persistence("list escalations", err)
	}
	defer rows.Close()

	var out []models.Escalation
	for rows.Next() {
		var e models.Escalation
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ThreadID, &e.Reason, &e.Priority, &e.Status, &e.CreatedAt); err != nil {
			return nil, errs.Persistence("scan escalation", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
