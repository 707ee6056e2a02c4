package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"agent-orchestrator/internal/approval"
	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/errs"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/monitor"
	"agent-orchestrator/internal/orchestrator"
	"agent-orchestrator/internal/ratelimit"
	"agent-orchestrator/internal/telemetry"
)

// EscalationLister is the read side the API needs beyond the orchestrator.
type EscalationLister interface {
	ListEscalations(ctx context.Context, tenantID string, limit int) ([]models.Escalation, error)
}

// JobReader fetches jobs for the status endpoint.
type JobReader interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	Ping(ctx context.Context) error
}

// AgentConfigurer stores a tenant's agent enablement and sealed credentials.
// *registry.Registry satisfies it.
type AgentConfigurer interface {
	Configure(ctx context.Context, tenantID string, agentType models.AgentType, creds map[string]string, enabled bool) error
}

// MonitoringControl is the monitoring surface the API exposes. Satisfied by
// *monitor.Control (store-backed, worker reconciles) and *monitor.Scheduler.
type MonitoringControl interface {
	Start(ctx context.Context, tenantID string) error
	Stop(ctx context.Context, tenantID string) error
	UpdateConfig(ctx context.Context, cfg models.MonitoringConfig) error
	GetStatus(ctx context.Context, tenantID string) (monitor.Status, error)
}

// Server wires HTTP handlers for the control plane.
type Server struct {
	cfg       config.Config
	orch      *orchestrator.Orchestrator
	jobs      JobReader
	scheduler MonitoringControl
	agents    AgentConfigurer
	approvals *approval.Workflow
	escs      EscalationLister
	limiter   *ratelimit.TenantBucket
	log       *logrus.Logger
}

// New constructs the API server.
func New(cfg config.Config, orch *orchestrator.Orchestrator, jobs JobReader, sched MonitoringControl, agents AgentConfigurer, appr *approval.Workflow, escs EscalationLister, limiter *ratelimit.TenantBucket, log *logrus.Logger) *Server {
	return &Server{
		cfg:       cfg,
		orch:      orch,
		jobs:      jobs,
		scheduler: sched,
		agents:    agents,
		approvals: appr,
		escs:      escs,
		limiter:   limiter,
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Delete("/jobs/{id}", s.handleCancel)

	r.Put("/tenants/{tenantID}/agents/{agentType}", s.handleConfigureAgent)

	r.Route("/tenants/{tenantID}/monitoring", func(r chi.Router) {
		r.Post("/start", s.handleMonitoringStart)
		r.Post("/stop", s.handleMonitoringStop)
		r.Put("/", s.handleMonitoringUpdate)
		r.Get("/", s.handleMonitoringStatus)
	})

	r.Post("/responses/{id}/approve", s.handleApprove)
	r.Post("/responses/{id}/reject", s.handleReject)

	r.Get("/escalations", s.handleEscalations)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	TenantID     string         `json:"tenant_id"`
	AgentType    string         `json:"agent_type"`
	JobType      string         `json:"job_type"`
	Input        map[string]any `json:"input"`
	Priority     string         `json:"priority"`
	DelaySeconds int            `json:"delay_seconds"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}

	if s.limiter != nil && req.TenantID != "" {
		allowed, _, err := s.limiter.Allow(r.Context(), req.TenantID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, err := s.orch.Submit(r.Context(), orchestrator.SubmitParams{
		TenantID:  req.TenantID,
		AgentType: models.AgentType(req.AgentType),
		JobType:   req.JobType,
		Input:     req.Input,
		Priority:  req.Priority,
		Delay:     time.Duration(req.DelaySeconds) * time.Second,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "status": job.Status})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	resp := map[string]any{
		"status":   job.Status,
		"progress": job.Progress,
	}
	if job.ResultPayload != nil {
		resp["result"] = job.ResultPayload
	}
	if job.ErrorInfo != nil {
		resp["error"] = *job.ErrorInfo
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := s.orch.Cancel(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

type configureAgentRequest struct {
	Enabled     bool              `json:"enabled"`
	Credentials map[string]string `json:"credentials"`
}

func (s *Server) handleConfigureAgent(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	agentType := models.AgentType(chi.URLParam(r, "agentType"))
	var req configureAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.agents.Configure(r.Context(), tenantID, agentType, req.Credentials, req.Enabled); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "configured"})
}

func (s *Server) handleMonitoringStart(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if err := s.scheduler.Start(r.Context(), tenantID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleMonitoringStop(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if err := s.scheduler.Stop(r.Context(), tenantID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type monitoringUpdateRequest struct {
	Enabled              bool     `json:"enabled"`
	CheckIntervalMinutes int      `json:"check_interval_minutes"`
	FilterCriteria       []string `json:"filter_criteria"`
}

func (s *Server) handleMonitoringUpdate(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var req monitoringUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	err := s.scheduler.UpdateConfig(r.Context(), models.MonitoringConfig{
		TenantID:             tenantID,
		Enabled:              req.Enabled,
		CheckIntervalMinutes: req.CheckIntervalMinutes,
		FilterCriteria:       req.FilterCriteria,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleMonitoringStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	status, err := s.scheduler.GetStatus(r.Context(), tenantID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type approveRequest struct {
	ApprovedBy string `json:"approved_by"`
	FinalText  string `json:"final_text"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req approveRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	resp, err := s.approvals.Approve(r.Context(), id, req.ApprovedBy, req.FinalText)
	if err != nil {
		if errs.Retryable(err) {
			// The draft is approved; only delivery failed. Leave retry to the tenant.
			writeJSON(w, http.StatusBadGateway, map[string]any{"response": resp, "error": err.Error()})
			return
		}
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req rejectRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	resp, err := s.approvals.Reject(r.Context(), id, req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEscalations(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	items, err := s.escs.ListEscalations(r.Context(), tenantID, 100)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrInvalidInput), errors.Is(err, errs.ErrAgentNotEnabled):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errs.ErrPersistenceError):
		s.log.WithError(err).Error("persistence failure")
		writeError(w, http.StatusServiceUnavailable, "orchestrator unavailable")
	default:
		s.log.WithError(err).Error("internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
