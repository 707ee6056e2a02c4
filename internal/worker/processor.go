package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"agent-orchestrator/internal/agent"
	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/errs"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/orchestrator"
	"agent-orchestrator/internal/queue"
	"agent-orchestrator/internal/telemetry"
)

// errCancelled is returned from a checkpoint when the job's cooperative
// cancel flag was observed. The job terminates through the failure branch;
// the cancelled status is reserved for jobs taken straight from the queue.
var errCancelled = errors.New("cancelled while running")

// JobSource is the slice of persistence the processor reads jobs through.
type JobSource interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	SetProgress(ctx context.Context, id string, progress int) error
}

// CredentialSource resolves a tenant's decrypted credentials for one agent.
// *registry.Registry satisfies it.
type CredentialSource interface {
	Credentials(ctx context.Context, tenantID string, agentType models.AgentType) (map[string]string, error)
}

// Processor drives a fixed-size worker pool over one agent type's queue.
// Jobs from every tenant share the pool; failures stay inside the job that
// raised them.
type Processor struct {
	cfg     config.Config
	queue   *queue.RedisQueue
	jobs    JobSource
	creds   CredentialSource
	orch    *orchestrator.Orchestrator
	runtime agent.Runtime
	log     *logrus.Logger
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, jobs JobSource, creds CredentialSource, orch *orchestrator.Orchestrator, rt agent.Runtime, log *logrus.Logger) *Processor {
	return &Processor{
		cfg:     cfg,
		queue:   q,
		jobs:    jobs,
		creds:   creds,
		orch:    orch,
		runtime: rt,
		log:     log,
	}
}

// Run starts the maintenance loop and the worker pool, blocking until ctx is
// cancelled.
func (p *Processor) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	go p.maintain(ctx)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// maintain promotes due scheduled jobs, reclaims expired leases, and samples
// queue depth. One goroutine per processor regardless of pool size.
func (p *Processor) maintain(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	label := string(p.runtime.AgentType())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			p.log.WithField("agent_type", label).Warnf("reclaimed %d expired leases", len(reclaimed))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.WithLabelValues(label).Set(float64(depth))
		}
	}
}

func (p *Processor) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		p.processOne(ctx, jobID)
	}
}

// processOne runs a single claimed job end to end. Panics and errors are
// contained here; nothing escapes into the pool or another tenant's work.
func (p *Processor) processOne(ctx context.Context, jobID string) {
	label := string(p.runtime.AgentType())
	telemetry.InFlightGauge.WithLabelValues(label).Inc()
	defer telemetry.InFlightGauge.WithLabelValues(label).Dec()

	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("job_id", jobID).Errorf("panic in job: %v", r)
			_ = p.queue.Ack(ctx, jobID)
		}
	}()

	job, err := p.jobs.GetJob(ctx, jobID)
	if err != nil {
		p.log.WithField("job_id", jobID).WithError(err).Warn("claimed job not loadable")
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if job.Status == models.StatusCancelled {
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	jlog := p.log.WithFields(logrus.Fields{
		"tenant_id":  job.TenantID,
		"job_id":     job.ID,
		"agent_type": job.AgentType,
	})

	req, err := agent.ParseRequest(job.AgentType, job.InputPayload)
	if err != nil {
		// Validated at submission; a failure here means the payload rotted.
		p.finishFailed(ctx, job, agent.TenantContext{TenantID: job.TenantID}, nil, err, jlog)
		return
	}

	creds, err := p.creds.Credentials(ctx, job.TenantID, job.AgentType)
	if err != nil {
		// Tenant disabled or broke its credentials between submit and claim.
		p.finishFailed(ctx, job, agent.TenantContext{TenantID: job.TenantID}, req, err, jlog)
		return
	}

	tc := agent.TenantContext{
		TenantID:    job.TenantID,
		Credentials: creds,
		Checkpoint: func(progress int) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			current, err := p.jobs.GetJob(ctx, job.ID)
			if err == nil && current.CancelRequested {
				return errCancelled
			}
			_ = p.jobs.SetProgress(ctx, job.ID, progress)
			return nil
		},
	}

	ack := p.runtime.Acknowledgment(ctx, tc, req)
	if err := p.orch.JobStarted(ctx, job, ack); err != nil {
		// Persistence failure on a lifecycle transition is fatal for the job.
		p.finishFailed(ctx, job, tc, req, err, jlog)
		return
	}

	result, execErr := p.runtime.Execute(ctx, tc, req)
	if execErr == nil {
		msg := p.runtime.Completion(ctx, tc, req, &result, nil)
		if err := p.orch.JobCompleted(ctx, job, result.Payload, msg); err != nil {
			jlog.WithError(err).Error("mark completed")
		}
		_ = p.queue.Ack(ctx, job.ID)
		jlog.Info("job completed")
		return
	}

	if errors.Is(execErr, errCancelled) {
		p.finishFailed(ctx, job, tc, req, execErr, jlog)
		return
	}

	attempts := job.Attempts + 1
	if errs.Retryable(execErr) && attempts < job.MaxAttempts {
		backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
		nextRun := time.Now().Add(backoff)
		if err := p.orch.JobRetried(ctx, job, attempts, nextRun, execErr); err != nil {
			jlog.WithError(err).Error("schedule retry")
		}
		_ = p.queue.Ack(ctx, job.ID)
		jlog.WithError(execErr).Warnf("attempt %d failed, retrying in %s", attempts, backoff)
		return
	}

	p.finishFailed(ctx, job, tc, req, execErr, jlog)
}

// finishFailed runs the permanent-failure path: Stage 2 failure message,
// failed status, queue ack.
func (p *Processor) finishFailed(ctx context.Context, job models.Job, tc agent.TenantContext, req agent.Request, execErr error, jlog *logrus.Entry) {
	var msg string
	if req != nil {
		msg = p.runtime.Completion(ctx, tc, req, nil, execErr)
	} else {
		msg = "Your request could not be processed: " + execErr.Error()
	}
	if err := p.orch.JobFailed(ctx, job, execErr, msg); err != nil {
		jlog.WithError(err).Error("mark failed")
	}
	_ = p.queue.Ack(ctx, job.ID)
	jlog.WithError(execErr).Warn("job failed")
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
