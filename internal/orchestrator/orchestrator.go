// Package orchestrator accepts job requests, validates them against the
// tenant registry, enqueues them, and owns every job lifecycle transition.
// Lifecycle notifications leave on a channel; delivery is someone else's
// problem and can never be confused with an execution failure.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"agent-orchestrator/internal/agent"
	"agent-orchestrator/internal/errs"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/notify"
	"agent-orchestrator/internal/store"
	"agent-orchestrator/internal/telemetry"
)

// JobStore is the slice of persistence the orchestrator mutates jobs through.
// *store.Store satisfies it.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkRunning(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, result map[string]any) error
	MarkFailed(ctx context.Context, id string, errorInfo string) error
	MarkCancelled(ctx context.Context, id string) error
	RequestCancel(ctx context.Context, id string) error
	RequeueForRetry(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Queue is the slice of queue operations the orchestrator needs per agent type.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, priority string, runAt time.Time) error
	Schedule(ctx context.Context, jobID string, priority string, runAt time.Time) error
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// EnablementChecker answers whether an agent is usable for a tenant.
// *registry.Registry satisfies it.
type EnablementChecker interface {
	IsEnabled(ctx context.Context, tenantID string, agentType models.AgentType) error
}

// Orchestrator routes submissions into per-agent-type queues and drives
// lifecycle transitions for the workers.
type Orchestrator struct {
	store    JobStore
	queues   map[models.AgentType]Queue
	registry EnablementChecker
	events   chan notify.Event
	log      *logrus.Logger

	maxAttempts int
}

// New builds an orchestrator. The events channel is buffered; when the
// notifier falls behind, events are dropped rather than blocking transitions.
func New(st JobStore, queues map[models.AgentType]Queue, reg EnablementChecker, maxAttempts int, log *logrus.Logger) *Orchestrator {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Orchestrator{
		store:       st,
		queues:      queues,
		registry:    reg,
		events:      make(chan notify.Event, 256),
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// Events exposes the lifecycle event stream for the notification dispatcher.
func (o *Orchestrator) Events() <-chan notify.Event { return o.events }

// SubmitParams is one job request.
type SubmitParams struct {
	TenantID  string
	AgentType models.AgentType
	JobType   string
	Input     map[string]any
	Priority  string
	Delay     time.Duration
}

// Submit validates and enqueues a job, returning it in the queued state.
// AgentNotEnabled and InvalidInput come back synchronously and nothing is
// enqueued.
func (o *Orchestrator) Submit(ctx context.Context, p SubmitParams) (models.Job, error) {
	if p.TenantID == "" {
		return models.Job{}, errs.InvalidInput("tenant_id is required")
	}
	if !models.ValidAgentType(string(p.AgentType)) {
		return models.Job{}, errs.InvalidInput("unknown agent type %q", p.AgentType)
	}
	if err := o.registry.IsEnabled(ctx, p.TenantID, p.AgentType); err != nil {
		return models.Job{}, err
	}
	if _, err := agent.ParseRequest(p.AgentType, p.Input); err != nil {
		return models.Job{}, err
	}

	q, ok := o.queues[p.AgentType]
	if !ok {
		return models.Job{}, fmt.Errorf("no queue for agent type %q", p.AgentType)
	}

	runAt := time.Now()
	if p.Delay > 0 {
		runAt = runAt.Add(p.Delay)
	}

	job, err := o.store.CreateJob(ctx, store.CreateJobParams{
		TenantID:    p.TenantID,
		AgentType:   p.AgentType,
		JobType:     p.JobType,
		Priority:    p.Priority,
		Input:       p.Input,
		RunAt:       runAt,
		MaxAttempts: o.maxAttempts,
	})
	if err != nil {
		return models.Job{}, err
	}

	if err := q.Enqueue(ctx, job.ID, job.Priority, runAt); err != nil {
		msg := fmt.Sprintf("enqueue failed: %v", err)
		_ = o.store.MarkFailed(ctx, job.ID, msg)
		return models.Job{}, errs.Persistence("enqueue job", err)
	}
	_ = o.store.AppendAudit(ctx, job.ID, "enqueued", fmt.Sprintf("tenant=%s agent=%s priority=%s", p.TenantID, p.AgentType, job.Priority))
	telemetry.JobsSubmitted.WithLabelValues(string(p.AgentType)).Inc()

	o.log.WithFields(logrus.Fields{
		"tenant_id":  p.TenantID,
		"job_id":     job.ID,
		"agent_type": p.AgentType,
	}).Info("job submitted")
	return job, nil
}

// Cancel removes a queued job. A running job only gets its cooperative cancel
// flag set; it stops at the next checkpoint. Returns whether the job was
// actually cancelled now.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (bool, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	switch job.Status {
	case models.StatusQueued:
		q, ok := o.queues[job.AgentType]
		if !ok {
			return false, fmt.Errorf("no queue for agent type %q", job.AgentType)
		}
		if _, err := q.Cancel(ctx, jobID); err != nil {
			return false, errs.Persistence("cancel queue item", err)
		}
		if err := o.store.MarkCancelled(ctx, jobID); err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				// A worker claimed the job between the status read and the
				// cancel; fall back to the cooperative flag.
				if rcErr := o.store.RequestCancel(ctx, jobID); rcErr != nil {
					return false, rcErr
				}
				_ = o.store.AppendAudit(ctx, jobID, "cancel_requested", "job claimed during cancel, cooperative flag set")
				return false, nil
			}
			return false, err
		}
		_ = o.store.AppendAudit(ctx, jobID, "cancelled", "cancel requested via API")
		return true, nil
	case models.StatusRunning:
		if err := o.store.RequestCancel(ctx, jobID); err != nil {
			return false, err
		}
		_ = o.store.AppendAudit(ctx, jobID, "cancel_requested", "cooperative cancel flag set")
		return false, nil
	default:
		return false, nil
	}
}

// JobStarted marks the job running and forwards the Stage 1 acknowledgment.
func (o *Orchestrator) JobStarted(ctx context.Context, job models.Job, ackMessage string) error {
	if err := o.store.MarkRunning(ctx, job.ID); err != nil {
		return err
	}
	o.emit(notify.Event{
		TenantID: job.TenantID, JobID: job.ID, Stage: 1,
		Status: models.StatusRunning, Message: ackMessage, Timestamp: time.Now().UTC(),
	})
	return nil
}

// JobCompleted stores the result, marks completed, and forwards Stage 2.
func (o *Orchestrator) JobCompleted(ctx context.Context, job models.Job, result map[string]any, completionMessage string) error {
	if err := o.store.MarkCompleted(ctx, job.ID, result); err != nil {
		return err
	}
	_ = o.store.AppendAudit(ctx, job.ID, "completed", "")
	telemetry.JobsCompleted.WithLabelValues(string(job.AgentType)).Inc()
	o.emit(notify.Event{
		TenantID: job.TenantID, JobID: job.ID, Stage: 2,
		Status: models.StatusCompleted, Message: completionMessage, Timestamp: time.Now().UTC(),
	})
	return nil
}

// JobFailed permanently fails the job and forwards the Stage 2 failure report.
func (o *Orchestrator) JobFailed(ctx context.Context, job models.Job, execErr error, failureMessage string) error {
	if err := o.store.MarkFailed(ctx, job.ID, execErr.Error()); err != nil {
		return err
	}
	_ = o.store.AppendAudit(ctx, job.ID, "failed", execErr.Error())
	telemetry.JobsFailed.WithLabelValues(string(job.AgentType)).Inc()
	o.emit(notify.Event{
		TenantID: job.TenantID, JobID: job.ID, Stage: 2,
		Status: models.StatusFailed, Message: failureMessage, Timestamp: time.Now().UTC(),
	})
	return nil
}

// JobRetried records a failed attempt and schedules the next one. No Stage 2
// message goes out; the tenant hears about the job again only on its final
// outcome.
func (o *Orchestrator) JobRetried(ctx context.Context, job models.Job, attempts int, nextRun time.Time, execErr error) error {
	if err := o.store.RequeueForRetry(ctx, job.ID, attempts, nextRun, execErr.Error()); err != nil {
		return err
	}
	q, ok := o.queues[job.AgentType]
	if !ok {
		return fmt.Errorf("no queue for agent type %q", job.AgentType)
	}
	if err := q.Schedule(ctx, job.ID, job.Priority, nextRun); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	_ = o.store.AppendAudit(ctx, job.ID, "retry_scheduled",
		fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	telemetry.JobsRetried.WithLabelValues(string(job.AgentType)).Inc()
	return nil
}

// emit queues a lifecycle event without ever blocking a status transition.
func (o *Orchestrator) emit(ev notify.Event) {
	select {
	case o.events <- ev:
	default:
		o.log.WithFields(logrus.Fields{
			"tenant_id": ev.TenantID,
			"job_id":    ev.JobID,
		}).Warn("event channel full, dropping notification")
	}
}
