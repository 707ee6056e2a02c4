package monitor

import (
	"context"
	"time"

	"agent-orchestrator/internal/models"
)

// Control is the store-backed monitoring control surface the API process
// uses. It flips the persisted config; the worker's scheduler reconciles its
// timer registry against the store and picks the change up.
type Control struct {
	store           Store
	defaultInterval time.Duration
}

func NewControl(store Store, defaultInterval time.Duration) *Control {
	if defaultInterval <= 0 {
		defaultInterval = 5 * time.Minute
	}
	return &Control{store: store, defaultInterval: defaultInterval}
}

func (c *Control) Start(ctx context.Context, tenantID string) error {
	cfg, err := c.store.GetMonitoringConfig(ctx, tenantID)
	if err != nil {
		cfg = models.MonitoringConfig{
			TenantID:             tenantID,
			CheckIntervalMinutes: int(c.defaultInterval.Minutes()),
		}
	}
	cfg.Enabled = true
	return c.store.UpsertMonitoringConfig(ctx, cfg)
}

func (c *Control) Stop(ctx context.Context, tenantID string) error {
	cfg, err := c.store.GetMonitoringConfig(ctx, tenantID)
	if err != nil {
		return err
	}
	cfg.Enabled = false
	return c.store.UpsertMonitoringConfig(ctx, cfg)
}

func (c *Control) UpdateConfig(ctx context.Context, cfg models.MonitoringConfig) error {
	if cfg.CheckIntervalMinutes < 1 {
		cfg.CheckIntervalMinutes = int(c.defaultInterval.Minutes())
	}
	return c.store.UpsertMonitoringConfig(ctx, cfg)
}

func (c *Control) GetStatus(ctx context.Context, tenantID string) (Status, error) {
	cfg, err := c.store.GetMonitoringConfig(ctx, tenantID)
	if err != nil {
		return Status{}, err
	}
	// Running mirrors the desired state; the worker converges on it.
	return Status{Running: cfg.Enabled, Config: cfg}, nil
}
