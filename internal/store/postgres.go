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
	"github.com/jackc/pgx/v5/pgxpool"

	"agent-orchestrator/internal/errs"
	"agent-orchestrator/internal/models"
)

// Store wraps pgxpool for Postgres persistence. Every query over tenant-owned
// data filters by tenant id at the SQL layer.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the pool is reachable; the API health check uses it to report
// orchestrator availability.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	TenantID    string
	AgentType   models.AgentType
	JobType     string
	Priority    string
	Input       map[string]any
	RunAt       time.Time
	MaxAttempts int
}

// CreateJob inserts a job row in the queued state.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.Priority == "" {
		p.Priority = "default"
	}

	inputJSON, err := json.Marshal(p.Input)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal input: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, tenant_id, agent_type, job_type, priority, status, progress, input_payload, attempts, max_attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, 0, $8, $9, $10, $10)
	`, id, p.TenantID, string(p.AgentType), p.JobType, p.Priority, models.StatusQueued, inputJSON, p.MaxAttempts, p.RunAt, now)
	if err != nil {
		return models.Job{}, errs.Persistence("insert job", err)
	}

	return models.Job{
		ID:           id,
		TenantID:     p.TenantID,
		AgentType:    p.AgentType,
		JobType:      p.JobType,
		Priority:     p.Priority,
		Status:       models.StatusQueued,
		InputPayload: p.Input,
		Attempts:     0,
		MaxAttempts:  p.MaxAttempts,
		CreatedAt:    now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, agent_type, job_type, priority, status, progress, input_payload, result_payload, error_info, attempts, max_attempts, cancel_requested, created_at, started_at, completed_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var agentType string
	var inputJSON, resultJSON []byte
	var errInfo pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.TenantID, &agentType, &job.JobType, &job.Priority, &job.Status, &job.Progress,
		&inputJSON, &resultJSON, &errInfo, &job.Attempts, &job.MaxAttempts, &job.CancelRequested,
		&job.CreatedAt, &startedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("%w: job %s", errs.ErrNotFound, id)
	}
	if err != nil {
		return models.Job{}, errs.Persistence("scan job", err)
	}

	job.AgentType = models.AgentType(agentType)
	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &job.InputPayload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal input payload: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.ResultPayload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result payload: %w", err)
		}
	}
	job.ErrorInfo = textPtr(errInfo)
	job.StartedAt = tsPtr(startedAt)
	job.CompletedAt = tsPtr(completedAt)
	return job, nil
}

// MarkRunning transitions a job to running and stamps started_at.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, started_at = NOW(), updated_at = NOW() WHERE id = $1
	`, id, models.StatusRunning)
	return errs.Persistence("mark running", err)
}

// MarkCompleted stores the result payload and transitions to completed.
func (s *Store) MarkCompleted(ctx context.Context, id string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, result_payload = $3, progress = 100, error_info = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusCompleted, resultJSON)
	return errs.Persistence("mark completed", err)
}

// MarkFailed transitions a job to its permanent failed state.
func (s *Store) MarkFailed(ctx context.Context, id string, errorInfo string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, error_info = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, errorInfo)
	return errs.Persistence("mark failed", err)
}

// MarkCancelled sets status cancelled. Only reachable from queued: if the job
// was claimed concurrently the update misses and ErrNotFound comes back, so
// the caller can fall back to a cooperative cancel.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusCancelled, models.StatusQueued)
	if err != nil {
		return errs.Persistence("mark cancelled", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s not queued", errs.ErrNotFound, id)
	}
	return nil
}

// RequestCancel flags a running job for cooperative cancellation.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET cancel_requested = TRUE, updated_at = NOW() WHERE id = $1
	`, id)
	return errs.Persistence("request cancel", err)
}

// RequeueForRetry records a failed attempt and returns the job to queued for a
// fresh attempt at the same priority.
func (s *Store) RequeueForRetry(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, next_run_at = $4, error_info = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusQueued, attempts, nextRun, lastErr)
	return errs.Persistence("requeue for retry", err)
}

// SetProgress updates the coarse progress indicator a worker reports between
// execute sub-steps.
func (s *Store) SetProgress(ctx context.Context, id string, progress int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2, updated_at = NOW() WHERE id = $1
	`, id, progress)
	return errs.Persistence("set progress", err)
}

// CountJobsByTenant returns the number of jobs a tenant has in a given status.
func (s *Store) CountJobsByTenant(ctx context.Context, tenantID, status string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE tenant_id = $1 AND status = $2
	`, tenantID, status).Scan(&n)
	if err != nil {
		return 0, errs.Persistence("count jobs", err)
	}
	return n, nil
}

// AppendAudit adds an audit row for a job lifecycle event.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return errs.Persistence("append audit", err)
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
