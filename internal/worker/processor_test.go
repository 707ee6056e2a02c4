package worker

import (
	"context"
	"math/rand"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"agent-orchestrator/internal/agent"
	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/errs"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/orchestrator"
	"agent-orchestrator/internal/queue"
	"agent-orchestrator/internal/store"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}
}

// memJobs is an in-memory job store covering both the orchestrator's and the
// processor's persistence slices.
type memJobs struct {
	jobs     map[string]models.Job
	progress map[string][]int
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: make(map[string]models.Job), progress: make(map[string][]int)}
}

func (m *memJobs) CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error) {
	panic("not used")
}

func (m *memJobs) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, errs.ErrNotFound
	}
	return job, nil
}

func (m *memJobs) SetProgress(ctx context.Context, id string, progress int) error {
	m.progress[id] = append(m.progress[id], progress)
	job := m.jobs[id]
	job.Progress = progress
	m.jobs[id] = job
	return nil
}

func (m *memJobs) setStatus(id, status string) error {
	job, ok := m.jobs[id]
	if !ok {
		return errs.ErrNotFound
	}
	job.Status = status
	m.jobs[id] = job
	return nil
}

func (m *memJobs) MarkRunning(ctx context.Context, id string) error {
	return m.setStatus(id, models.StatusRunning)
}

func (m *memJobs) MarkCompleted(ctx context.Context, id string, result map[string]any) error {
	job := m.jobs[id]
	job.ResultPayload = result
	m.jobs[id] = job
	return m.setStatus(id, models.StatusCompleted)
}

func (m *memJobs) MarkFailed(ctx context.Context, id string, errorInfo string) error {
	job := m.jobs[id]
	job.ErrorInfo = &errorInfo
	m.jobs[id] = job
	return m.setStatus(id, models.StatusFailed)
}

func (m *memJobs) MarkCancelled(ctx context.Context, id string) error {
	return m.setStatus(id, models.StatusCancelled)
}

func (m *memJobs) RequestCancel(ctx context.Context, id string) error {
	job := m.jobs[id]
	job.CancelRequested = true
	m.jobs[id] = job
	return nil
}

func (m *memJobs) RequeueForRetry(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	job := m.jobs[id]
	job.Status = models.StatusQueued
	job.Attempts = attempts
	job.ErrorInfo = &lastErr
	m.jobs[id] = job
	return nil
}

func (m *memJobs) AppendAudit(ctx context.Context, jobID, event, detail string) error { return nil }

type staticCreds map[string]string

func (s staticCreds) Credentials(ctx context.Context, tenantID string, agentType models.AgentType) (map[string]string, error) {
	return s, nil
}

// fakeRuntime executes sourcing jobs with a scripted outcome.
type fakeRuntime struct {
	execErr    error
	checkpoint bool
	executed   int
}

func (f *fakeRuntime) AgentType() models.AgentType { return models.AgentSourcing }

func (f *fakeRuntime) Execute(ctx context.Context, tc agent.TenantContext, req agent.Request) (agent.Result, error) {
	f.executed++
	if f.checkpoint {
		if err := tc.Check(50); err != nil {
			return agent.Result{}, err
		}
	}
	if f.execErr != nil {
		return agent.Result{}, f.execErr
	}
	return agent.Result{Payload: map[string]any{"leads_found": 1}, Summary: "1 lead"}, nil
}

func (f *fakeRuntime) Acknowledgment(ctx context.Context, tc agent.TenantContext, req agent.Request) string {
	return "starting your search"
}

func (f *fakeRuntime) Completion(ctx context.Context, tc agent.TenantContext, req agent.Request, result *agent.Result, execErr error) string {
	if execErr != nil {
		return "your search failed"
	}
	return "search finished"
}

func testProcessor(t *testing.T, rt *fakeRuntime) (*Processor, *memJobs, *queue.RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := config.Config{
		VisibilityTimeout:  30 * time.Second,
		WorkerPollInterval: 10 * time.Millisecond,
		BackoffInitial:     time.Millisecond,
		BackoffMax:         10 * time.Millisecond,
		PriorityQueues:     []string{"high", "default", "low"},
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewRedisQueue(client, models.AgentSourcing, cfg)

	jobs := newMemJobs()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	orch := orchestrator.New(jobs, map[models.AgentType]orchestrator.Queue{models.AgentSourcing: q}, nil, 3, log)
	creds := staticCreds{"leads_api_key": "k"}
	return NewProcessor(cfg, q, jobs, creds, orch, rt, log), jobs, q
}

func seedJob(jobs *memJobs, id string, attempts, maxAttempts int) models.Job {
	job := models.Job{
		ID:           id,
		TenantID:     "t1",
		AgentType:    models.AgentSourcing,
		Priority:     "default",
		Status:       models.StatusQueued,
		InputPayload: map[string]any{"locations": []any{"Austin"}},
		Attempts:     attempts,
		MaxAttempts:  maxAttempts,
	}
	jobs.jobs[id] = job
	return job
}

func TestProcessOneCompletesJob(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{checkpoint: true}
	p, jobs, q := testProcessor(t, rt)
	seedJob(jobs, "job-1", 0, 3)
	if err := q.Enqueue(ctx, "job-1", "default", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "job-1" {
		t.Fatalf("dequeue: id=%q err=%v", id, err)
	}

	p.processOne(ctx, "job-1")

	job := jobs.jobs["job-1"]
	if job.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if job.ResultPayload["leads_found"] != 1 {
		t.Fatalf("result payload not stored: %v", job.ResultPayload)
	}
	if got := jobs.progress["job-1"]; len(got) != 1 || got[0] != 50 {
		t.Fatalf("expected progress checkpoint 50, got %v", got)
	}
	// The lease must be released.
	if reclaimed, _ := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10); len(reclaimed) != 0 {
		t.Fatalf("expected no inflight leases, got %v", reclaimed)
	}
}

func TestProcessOneRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{execErr: errs.External("find leads", context.DeadlineExceeded)}
	p, jobs, q := testProcessor(t, rt)
	seedJob(jobs, "job-1", 0, 2)

	p.processOne(ctx, "job-1")

	job := jobs.jobs["job-1"]
	if job.Status != models.StatusQueued {
		t.Fatalf("expected requeued for retry, got %s", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", job.Attempts)
	}
	// The retry sits in the scheduled set until its backoff elapses.
	if n, _ := q.PromoteScheduled(ctx, time.Now().Add(time.Hour), 10); n != 1 {
		t.Fatalf("expected 1 scheduled retry, promoted %d", n)
	}

	// Final attempt exhausts the budget and fails permanently.
	p.processOne(ctx, "job-1")
	job = jobs.jobs["job-1"]
	if job.Status != models.StatusFailed {
		t.Fatalf("expected failed after max attempts, got %s", job.Status)
	}
	if job.ErrorInfo == nil {
		t.Fatalf("expected error info recorded")
	}
	if rt.executed != 2 {
		t.Fatalf("expected 2 executions, got %d", rt.executed)
	}
}

func TestProcessOneInvalidInputDoesNotRetry(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{execErr: errs.InvalidInput("payload rotted")}
	p, jobs, _ := testProcessor(t, rt)
	seedJob(jobs, "job-1", 0, 3)

	p.processOne(ctx, "job-1")

	job := jobs.jobs["job-1"]
	if job.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.Attempts != 0 {
		t.Fatalf("non-retryable failures must not consume attempts, got %d", job.Attempts)
	}
}

func TestProcessOneCooperativeCancel(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{checkpoint: true}
	p, jobs, _ := testProcessor(t, rt)
	job := seedJob(jobs, "job-1", 0, 3)
	job.CancelRequested = true
	jobs.jobs["job-1"] = job

	p.processOne(ctx, "job-1")

	got := jobs.jobs["job-1"]
	if got.Status != models.StatusFailed {
		t.Fatalf("expected failed after cooperative cancel, got %s", got.Status)
	}
	if got.ErrorInfo == nil || *got.ErrorInfo != errCancelled.Error() {
		t.Fatalf("expected cancel reason recorded, got %v", got.ErrorInfo)
	}
}

func TestProcessOneSkipsAlreadyCancelledJob(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{}
	p, jobs, _ := testProcessor(t, rt)
	job := seedJob(jobs, "job-1", 0, 3)
	job.Status = models.StatusCancelled
	jobs.jobs["job-1"] = job

	p.processOne(ctx, "job-1")

	if rt.executed != 0 {
		t.Fatalf("cancelled job must not execute")
	}
	if jobs.jobs["job-1"].Status != models.StatusCancelled {
		t.Fatalf("cancelled job must stay cancelled")
	}
}
