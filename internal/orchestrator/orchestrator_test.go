package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-orchestrator/internal/errs"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/notify"
	"agent-orchestrator/internal/store"
)

type memJobStore struct {
	jobs          map[string]models.Job
	nextID        int
	audit         []string
	claimOnCancel bool
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]models.Job)}
}

func (m *memJobStore) CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error) {
	m.nextID++
	job := models.Job{
		ID:           fmt.Sprintf("job-%d", m.nextID),
		TenantID:     p.TenantID,
		AgentType:    p.AgentType,
		JobType:      p.JobType,
		Priority:     p.Priority,
		Status:       models.StatusQueued,
		InputPayload: p.Input,
		MaxAttempts:  p.MaxAttempts,
		CreatedAt:    time.Now(),
	}
	if job.Priority == "" {
		job.Priority = "default"
	}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *memJobStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, errs.ErrNotFound
	}
	return job, nil
}

func (m *memJobStore) setStatus(id, status string) error {
	job, ok := m.jobs[id]
	if !ok {
		return errs.ErrNotFound
	}
	job.Status = status
	m.jobs[id] = job
	return nil
}

func (m *memJobStore) MarkRunning(ctx context.Context, id string) error { return m.setStatus(id, models.StatusRunning) }

func (m *memJobStore) MarkCompleted(ctx context.Context, id string, result map[string]any) error {
	job := m.jobs[id]
	job.ResultPayload = result
	m.jobs[id] = job
	return m.setStatus(id, models.StatusCompleted)
}

func (m *memJobStore) MarkFailed(ctx context.Context, id string, errorInfo string) error {
	job := m.jobs[id]
	job.ErrorInfo = &errorInfo
	m.jobs[id] = job
	return m.setStatus(id, models.StatusFailed)
}

func (m *memJobStore) MarkCancelled(ctx context.Context, id string) error {
	if m.claimOnCancel {
		// Simulates a worker claiming the job between the status read and
		// the cancel update.
		_ = m.setStatus(id, models.StatusRunning)
		return fmt.Errorf("%w: job %s not queued", errs.ErrNotFound, id)
	}
	job, ok := m.jobs[id]
	if !ok || job.Status != models.StatusQueued {
		return fmt.Errorf("%w: job %s not queued", errs.ErrNotFound, id)
	}
	return m.setStatus(id, models.StatusCancelled)
}

func (m *memJobStore) RequestCancel(ctx context.Context, id string) error {
	job, ok := m.jobs[id]
	if !ok {
		return errs.ErrNotFound
	}
	job.CancelRequested = true
	m.jobs[id] = job
	return nil
}

func (m *memJobStore) RequeueForRetry(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	job, ok := m.jobs[id]
	if !ok {
		return errs.ErrNotFound
	}
	job.Status = models.StatusQueued
	job.Attempts = attempts
	job.ErrorInfo = &lastErr
	m.jobs[id] = job
	return nil
}

func (m *memJobStore) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	m.audit = append(m.audit, jobID+":"+event)
	return nil
}

type fakeQueue struct {
	enqueued   []string
	scheduled  []string
	cancelled  []string
	inQueue    map[string]bool
	enqueueErr error
}

func newFakeQueue() *fakeQueue { return &fakeQueue{inQueue: make(map[string]bool)} }

func (q *fakeQueue) Enqueue(ctx context.Context, jobID string, priority string, runAt time.Time) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.enqueued = append(q.enqueued, jobID)
	q.inQueue[jobID] = true
	return nil
}

func (q *fakeQueue) Schedule(ctx context.Context, jobID string, priority string, runAt time.Time) error {
	q.scheduled = append(q.scheduled, jobID)
	q.inQueue[jobID] = true
	return nil
}

func (q *fakeQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	q.cancelled = append(q.cancelled, jobID)
	found := q.inQueue[jobID]
	delete(q.inQueue, jobID)
	return found, nil
}

type enablement map[string]bool

func (e enablement) IsEnabled(ctx context.Context, tenantID string, agentType models.AgentType) error {
	if !e[tenantID+"/"+string(agentType)] {
		return errs.AgentNotEnabled("%s disabled for tenant %s", agentType, tenantID)
	}
	return nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *memJobStore, *fakeQueue) {
	t.Helper()
	st := newMemJobStore()
	q := newFakeQueue()
	queues := map[models.AgentType]Queue{
		models.AgentSourcing:        q,
		models.AgentResearch:        q,
		models.AgentEmailAutomation: q,
	}
	reg := enablement{
		"t1/sourcing":         true,
		"t1/email_automation": true,
	}
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return New(st, queues, reg, 3, log), st, q
}

func sourcingParams() SubmitParams {
	return SubmitParams{
		TenantID:  "t1",
		AgentType: models.AgentSourcing,
		JobType:   "find_leads",
		Input:     map[string]any{"locations": []any{"Austin"}},
	}
}

func TestSubmitEnqueuesQueuedJob(t *testing.T) {
	orch, st, q := newTestOrchestrator(t)

	job, err := orch.Submit(context.Background(), sourcingParams())
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, "default", job.Priority)
	assert.Equal(t, []string{job.ID}, q.enqueued)
	assert.Contains(t, st.audit, job.ID+":enqueued")
}

func TestSubmitAgentNotEnabled(t *testing.T) {
	orch, st, q := newTestOrchestrator(t)

	_, err := orch.Submit(context.Background(), SubmitParams{
		TenantID:  "t2",
		AgentType: models.AgentSourcing,
		Input:     map[string]any{"locations": []any{"Austin"}},
	})
	assert.True(t, errors.Is(err, errs.ErrAgentNotEnabled))
	assert.Empty(t, q.enqueued)
	assert.Empty(t, st.jobs)
}

func TestSubmitInvalidInput(t *testing.T) {
	orch, st, q := newTestOrchestrator(t)

	// Enabled agent, but the payload fails agent-specific validation.
	_, err := orch.Submit(context.Background(), SubmitParams{
		TenantID:  "t1",
		AgentType: models.AgentSourcing,
		Input:     map[string]any{},
	})
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	_, err = orch.Submit(context.Background(), SubmitParams{
		TenantID:  "t1",
		AgentType: models.AgentType("billing"),
	})
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	_, err = orch.Submit(context.Background(), SubmitParams{AgentType: models.AgentSourcing})
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	assert.Empty(t, q.enqueued)
	assert.Empty(t, st.jobs)
}

func TestSubmitEnqueueFailureIsPersistence(t *testing.T) {
	orch, st, q := newTestOrchestrator(t)
	q.enqueueErr = errors.New("redis: connection refused")

	_, err := orch.Submit(context.Background(), sourcingParams())
	assert.True(t, errors.Is(err, errs.ErrPersistenceError))

	// The job record exists but is marked failed, never claimable.
	require.Len(t, st.jobs, 1)
	for _, job := range st.jobs {
		assert.Equal(t, models.StatusFailed, job.Status)
	}
	assert.Empty(t, q.enqueued)
}

func TestCancelQueuedJob(t *testing.T) {
	orch, st, q := newTestOrchestrator(t)

	job, err := orch.Submit(context.Background(), sourcingParams())
	require.NoError(t, err)

	cancelled, err := orch.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, []string{job.ID}, q.cancelled)
	assert.Equal(t, models.StatusCancelled, st.jobs[job.ID].Status)
}

func TestCancelQueuedJobClaimedConcurrently(t *testing.T) {
	orch, st, _ := newTestOrchestrator(t)

	job, err := orch.Submit(context.Background(), sourcingParams())
	require.NoError(t, err)
	st.claimOnCancel = true

	// The job read queued, but a worker claims it before the cancel update
	// lands; the cancel must degrade to the cooperative flag, not report
	// success.
	cancelled, err := orch.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Equal(t, models.StatusRunning, st.jobs[job.ID].Status)
	assert.True(t, st.jobs[job.ID].CancelRequested)
}

func TestCancelRunningJobSetsFlagOnly(t *testing.T) {
	orch, st, _ := newTestOrchestrator(t)

	job, err := orch.Submit(context.Background(), sourcingParams())
	require.NoError(t, err)
	require.NoError(t, st.setStatus(job.ID, models.StatusRunning))

	cancelled, err := orch.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.True(t, st.jobs[job.ID].CancelRequested)
	assert.Equal(t, models.StatusRunning, st.jobs[job.ID].Status)
}

func TestCancelFinishedJobIsNoop(t *testing.T) {
	orch, st, q := newTestOrchestrator(t)

	job, err := orch.Submit(context.Background(), sourcingParams())
	require.NoError(t, err)
	require.NoError(t, st.setStatus(job.ID, models.StatusCompleted))

	cancelled, err := orch.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Equal(t, []string{job.ID}, q.enqueued)
	assert.Empty(t, q.cancelled)
}

func TestLifecycleTransitionsEmitStagedEvents(t *testing.T) {
	orch, st, _ := newTestOrchestrator(t)
	ctx := context.Background()

	job, err := orch.Submit(ctx, sourcingParams())
	require.NoError(t, err)

	require.NoError(t, orch.JobStarted(ctx, job, "on it"))
	assert.Equal(t, models.StatusRunning, st.jobs[job.ID].Status)

	require.NoError(t, orch.JobCompleted(ctx, job, map[string]any{"leads_found": 2}, "found 2 leads"))
	assert.Equal(t, models.StatusCompleted, st.jobs[job.ID].Status)

	events := drainEvents(orch.Events())
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Stage)
	assert.Equal(t, models.StatusRunning, events[0].Status)
	assert.Equal(t, "on it", events[0].Message)
	assert.Equal(t, 2, events[1].Stage)
	assert.Equal(t, models.StatusCompleted, events[1].Status)
}

func TestJobFailedEmitsStageTwo(t *testing.T) {
	orch, st, _ := newTestOrchestrator(t)
	ctx := context.Background()

	job, err := orch.Submit(ctx, sourcingParams())
	require.NoError(t, err)

	require.NoError(t, orch.JobFailed(ctx, job, errors.New("directory unreachable"), "sourcing failed"))
	assert.Equal(t, models.StatusFailed, st.jobs[job.ID].Status)

	events := drainEvents(orch.Events())
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Stage)
	assert.Equal(t, models.StatusFailed, events[0].Status)
}

func TestJobRetriedSchedulesWithoutStageTwo(t *testing.T) {
	orch, st, q := newTestOrchestrator(t)
	ctx := context.Background()

	job, err := orch.Submit(ctx, sourcingParams())
	require.NoError(t, err)

	nextRun := time.Now().Add(time.Minute)
	require.NoError(t, orch.JobRetried(ctx, job, 1, nextRun, errors.New("timeout")))
	assert.Equal(t, []string{job.ID}, q.scheduled)
	assert.Equal(t, 1, st.jobs[job.ID].Attempts)
	assert.Empty(t, drainEvents(orch.Events()))
}

func drainEvents(ch <-chan notify.Event) []notify.Event {
	var out []notify.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
