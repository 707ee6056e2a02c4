package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"agent-orchestrator/internal/errs"
	"agent-orchestrator/internal/models"
)

// GetAgentConfig fetches the per-tenant config for one agent type.
func (s *Store) GetAgentConfig(ctx context.Context, tenantID string, agentType models.AgentType) (models.TenantAgentConfig, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, agent_type, enabled, credentials, updated_at
		FROM tenant_agent_configs WHERE tenant_id = $1 AND agent_type = $2
	`, tenantID, string(agentType))

	var cfg models.TenantAgentConfig
	var at string
	var credsJSON []byte
	err := row.Scan(&cfg.TenantID, &at, &cfg.Enabled, &credsJSON, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TenantAgentConfig{}, fmt.Errorf("%w: agent config %s/%s", errs.ErrNotFound, tenantID, agentType)
	}
	if err != nil {
		return models.TenantAgentConfig{}, errs.Persistence("scan agent config", err)
	}
	cfg.AgentType = models.AgentType(at)
	if len(credsJSON) > 0 {
		if err := json.Unmarshal(credsJSON, &cfg.Credentials); err != nil {
			return models.TenantAgentConfig{}, fmt.Errorf("unmarshal credentials: %w", err)
		}
	}
	return cfg, nil
}

// UpsertAgentConfig creates or replaces a tenant's agent config.
func (s *Store) UpsertAgentConfig(ctx context.Context, cfg models.TenantAgentConfig) error {
	credsJSON, err := json.Marshal(cfg.Credentials)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenant_agent_configs (tenant_id, agent_type, enabled, credentials, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (tenant_id, agent_type)
		DO UPDATE SET enabled = EXCLUDED.enabled, credentials = EXCLUDED.credentials, updated_at = NOW()
	`, cfg.TenantID, string(cfg.AgentType), cfg.Enabled, credsJSON)
	return errs.Persistence("upsert agent config", err)
}

// GetMonitoringConfig fetches a tenant's monitoring config.
func (s *Store) GetMonitoringConfig(ctx context.Context, tenantID string) (models.MonitoringConfig, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, enabled, check_interval_minutes, last_checked_at, filter_criteria
		FROM monitoring_configs WHERE tenant_id = $1
	`, tenantID)

	var cfg models.MonitoringConfig
	var lastChecked pgtype.Timestamptz
	var filtersJSON []byte
	err := row.Scan(&cfg.TenantID, &cfg.Enabled, &cfg.CheckIntervalMinutes, &lastChecked, &filtersJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MonitoringConfig{}, fmt.Errorf("%w: monitoring config %s", errs.ErrNotFound, tenantID)
	}
	if err != nil {
		return models.MonitoringConfig{}, errs.Persistence("scan monitoring config", err)
	}
	cfg.LastCheckedAt = tsPtr(lastChecked)
	if len(filtersJSON) > 0 {
		if err := json.Unmarshal(filtersJSON, &cfg.FilterCriteria); err != nil {
			return models.MonitoringConfig{}, fmt.Errorf("unmarshal filter criteria: %w", err)
		}
	}
	return cfg, nil
}

// UpsertMonitoringConfig creates or replaces a tenant's monitoring config.
// last_checked_at is preserved across updates; only AdvanceLastChecked moves it.
func (s *Store) UpsertMonitoringConfig(ctx context.Context, cfg models.MonitoringConfig) error {
	filtersJSON, err := json.Marshal(cfg.FilterCriteria)
	if err != nil {
		return fmt.Errorf("marshal filter criteria: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO monitoring_configs (tenant_id, enabled, check_interval_minutes, filter_criteria)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id)
		DO UPDATE SET enabled = EXCLUDED.enabled, check_interval_minutes = EXCLUDED.check_interval_minutes, filter_criteria = EXCLUDED.filter_criteria
	`, cfg.TenantID, cfg.Enabled, cfg.CheckIntervalMinutes, filtersJSON)
	return errs.Persistence("upsert monitoring config", err)
}

// AdvanceLastChecked moves the monitoring watermark for a tenant. Callers only
// invoke this after a fully successful tick so a failed fetch retries the window.
func (s *Store) AdvanceLastChecked(ctx context.Context, tenantID string, to time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE monitoring_configs SET last_checked_at = $2 WHERE tenant_id = $1
	`, tenantID, to)
	return errs.Persistence("advance last checked", err)
}

// ListEnabledMonitoring returns every tenant with monitoring switched on; the
// scheduler seeds its timer registry from this at startup.
func (s *Store) ListEnabledMonitoring(ctx context.Context) ([]models.MonitoringConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, enabled, check_interval_minutes, last_checked_at, filter_criteria
		FROM monitoring_configs WHERE enabled = TRUE
	`)
	if err != nil {
		return nil, errs.Persistence("list monitoring configs", err)
	}
	defer rows.Close()

	var out []models.MonitoringConfig
	for rows.Next() {
		var cfg models.MonitoringConfig
		var lastChecked pgtype.Timestamptz
		var filtersJSON []byte
		if err := rows.Scan(&cfg.TenantID, &cfg.Enabled, &cfg.CheckIntervalMinutes, &lastChecked, &filtersJSON); err != nil {
			return nil, errs.Persistence("scan monitoring config", err)
		}
		cfg.LastCheckedAt = tsPtr(lastChecked)
		if len(filtersJSON) > 0 {
			if err := json.Unmarshal(filtersJSON, &cfg.FilterCriteria); err != nil {
				return nil, fmt.Errorf("unmarshal filter criteria: %w", err)
			}
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}
