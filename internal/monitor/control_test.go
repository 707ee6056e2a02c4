package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-orchestrator/internal/models"
)

func TestControlStartStop(t *testing.T) {
	st := newMemMonitorStore()
	ctl := NewControl(st, 5*time.Minute)
	ctx := context.Background()

	require.NoError(t, ctl.Start(ctx, "t1"))
	status, err := ctl.GetStatus(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, 5, status.Config.CheckIntervalMinutes)

	require.NoError(t, ctl.Stop(ctx, "t1"))
	status, err = ctl.GetStatus(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, status.Running)
}

func TestControlStopUnknownTenant(t *testing.T) {
	ctl := NewControl(newMemMonitorStore(), time.Minute)
	assert.Error(t, ctl.Stop(context.Background(), "ghost"))
}

func TestControlUpdateConfigDefaultsInterval(t *testing.T) {
	st := newMemMonitorStore()
	ctl := NewControl(st, 5*time.Minute)
	ctx := context.Background()

	require.NoError(t, ctl.UpdateConfig(ctx, enabledConfigWithInterval("t1", 0)))
	assert.Equal(t, 5, st.configs["t1"].CheckIntervalMinutes)

	require.NoError(t, ctl.UpdateConfig(ctx, enabledConfigWithInterval("t1", 15)))
	assert.Equal(t, 15, st.configs["t1"].CheckIntervalMinutes)
}

func enabledConfigWithInterval(tenantID string, minutes int) models.MonitoringConfig {
	return models.MonitoringConfig{
		TenantID:             tenantID,
		Enabled:              true,
		CheckIntervalMinutes: minutes,
	}
}
