// Package approval gates outbound email behind explicit tenant action. The
// system never auto-sends: only Approve moves a draft toward the wire, and a
// send failure leaves the response approved for manual retry, never silently
// back to pending.
package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"agent-orchestrator/internal/errs"
	"agent-orchestrator/internal/inbox"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/telemetry"
)

// Store is the slice of persistence the workflow runs over. *store.Store
// satisfies it.
type Store interface {
	GetResponse(ctx context.Context, id string) (models.EmailResponse, error)
	TransitionResponse(ctx context.Context, id, from, to string, setFields map[string]any) error
	GetThread(ctx context.Context, tenantID, threadID string) (models.EmailThread, error)
	CreateEscalation(ctx context.Context, e models.Escalation) (models.Escalation, error)
}

// CredentialSource resolves the tenant's mailbox credentials for the send.
type CredentialSource interface {
	Credentials(ctx context.Context, tenantID string, agentType models.AgentType) (map[string]string, error)
}

// Workflow executes approval-state transitions.
type Workflow struct {
	store    Store
	mail     inbox.Service
	calendar inbox.Calendar
	creds    CredentialSource
	log      *logrus.Logger
}

func New(store Store, mail inbox.Service, calendar inbox.Calendar, creds CredentialSource, log *logrus.Logger) *Workflow {
	return &Workflow{store: store, mail: mail, calendar: calendar, creds: creds, log: log}
}

// Approve moves a pending response to approved and attempts the send. The
// returned response reflects the final state: sent on confirmation, approved
// if the send collaborator failed (the error is also returned so the caller
// can surface it). Approving a response an earlier send failure left in
// approved retries the send instead of failing.
func (w *Workflow) Approve(ctx context.Context, responseID, approvedBy, finalText string) (models.EmailResponse, error) {
	fields := map[string]any{"approved_by": approvedBy}
	if finalText != "" {
		fields["draft_content"] = finalText
	}
	if err := w.store.TransitionResponse(ctx, responseID, models.ResponsePending, models.ResponseApproved, fields); err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			return models.EmailResponse{}, err
		}
		resp, getErr := w.store.GetResponse(ctx, responseID)
		if getErr != nil {
			return models.EmailResponse{}, getErr
		}
		if resp.ApprovalStatus != models.ResponseApproved {
			return models.EmailResponse{}, err
		}
		w.log.WithFields(logrus.Fields{
			"tenant_id":   resp.TenantID,
			"response_id": resp.ID,
		}).Info("retrying send for approved response")
	}

	resp, err := w.store.GetResponse(ctx, responseID)
	if err != nil {
		return models.EmailResponse{}, err
	}

	if sendErr := w.send(ctx, resp); sendErr != nil {
		w.log.WithFields(logrus.Fields{
			"tenant_id":   resp.TenantID,
			"response_id": resp.ID,
		}).WithError(sendErr).Warn("send failed, response stays approved")
		return resp, sendErr
	}

	if err := w.store.TransitionResponse(ctx, responseID, models.ResponseApproved, models.ResponseSent, map[string]any{"sent_at": true}); err != nil {
		return resp, err
	}
	w.bookFirstSlot(ctx, resp)
	return w.store.GetResponse(ctx, responseID)
}

// bookFirstSlot holds the first proposed meeting window once the reply
// offering it went out. Booking failure never unwinds the sent state; it
// opens an escalation so the tenant books by hand.
func (w *Workflow) bookFirstSlot(ctx context.Context, resp models.EmailResponse) {
	if len(resp.ProposedSlots) == 0 || w.calendar == nil {
		return
	}
	slot := resp.ProposedSlots[0]
	err := func() error {
		thread, err := w.store.GetThread(ctx, resp.TenantID, resp.ThreadID)
		if err != nil {
			return err
		}
		creds, err := w.creds.Credentials(ctx, resp.TenantID, models.AgentEmailAutomation)
		if err != nil {
			return err
		}
		return w.calendar.Book(ctx, creds, inbox.Slot{Start: slot.Start, End: slot.End}, thread.Participant)
	}()
	if err == nil {
		return
	}
	w.log.WithFields(logrus.Fields{
		"tenant_id":   resp.TenantID,
		"response_id": resp.ID,
	}).WithError(err).Warn("calendar booking failed after send")
	if _, escErr := w.store.CreateEscalation(ctx, models.Escalation{
		TenantID: resp.TenantID,
		ThreadID: resp.ThreadID,
		Reason:   fmt.Sprintf("calendar booking failed for response %s: %v", resp.ID, err),
	}); escErr == nil {
		telemetry.EscalationsCreated.Inc()
	}
}

// Reject terminally rejects a pending response.
func (w *Workflow) Reject(ctx context.Context, responseID, reason string) (models.EmailResponse, error) {
	fields := map[string]any{}
	if reason != "" {
		fields["reject_reason"] = reason
	}
	if err := w.store.TransitionResponse(ctx, responseID, models.ResponsePending, models.ResponseRejected, fields); err != nil {
		return models.EmailResponse{}, err
	}
	return w.store.GetResponse(ctx, responseID)
}

// Escalate parks a pending or approved response for human handling and opens
// an escalation. Escalations are never auto-resolved.
func (w *Workflow) Escalate(ctx context.Context, responseID, reason, priority string) (models.Escalation, error) {
	resp, err := w.store.GetResponse(ctx, responseID)
	if err != nil {
		return models.Escalation{}, err
	}
	switch resp.ApprovalStatus {
	case models.ResponsePending, models.ResponseApproved:
	default:
		return models.Escalation{}, errs.InvalidInput("response %s is %s, cannot escalate", responseID, resp.ApprovalStatus)
	}
	if err := w.store.TransitionResponse(ctx, responseID, resp.ApprovalStatus, models.ResponseEscalated, nil); err != nil {
		return models.Escalation{}, err
	}
	esc, err := w.store.CreateEscalation(ctx, models.Escalation{
		TenantID: resp.TenantID,
		ThreadID: resp.ThreadID,
		Reason:   reason,
		Priority: priority,
	})
	if err != nil {
		return models.Escalation{}, err
	}
	telemetry.EscalationsCreated.Inc()
	return esc, nil
}

// send delivers the approved draft on its thread with the tenant's own
// mailbox credentials.
func (w *Workflow) send(ctx context.Context, resp models.EmailResponse) error {
	thread, err := w.store.GetThread(ctx, resp.TenantID, resp.ThreadID)
	if err != nil {
		return err
	}
	creds, err := w.creds.Credentials(ctx, resp.TenantID, models.AgentEmailAutomation)
	if err != nil {
		return err
	}
	if _, err := w.mail.Send(ctx, creds, thread.ConversationID, resp.DraftContent); err != nil {
		return errs.External(fmt.Sprintf("send response %s", resp.ID), err)
	}
	return nil
}
