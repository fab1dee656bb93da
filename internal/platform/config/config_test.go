package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("mailscheduler-test")
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.ScheduleMinLeadTime)
	assert.Equal(t, 30*24*time.Hour, cfg.ScheduleMaxHorizon)
	assert.Equal(t, 30*time.Second, cfg.ScheduleCancelGrace)
	assert.Equal(t, 30*time.Second, cfg.RemoteCallTimeout)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 500, cfg.ScheduleMaxRecipients)
	assert.False(t, cfg.SweepAssumeSentWhenMissing)
	assert.Equal(t, "bearer", cfg.JMAPAuthMode)
	assert.Equal(t, 5000, cfg.SweepScanPageSize)
	assert.Empty(t, cfg.NATSUrl, "lifecycle events are opt-in")
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("APP_SWEEP_INTERVAL", "10m")
	t.Setenv("APP_SCHEDULE_MAX_HORIZON", "48h")
	t.Setenv("APP_LOG_LEVEL", "debug")
	t.Setenv("APP_SWEEP_ASSUME_SENT_WHEN_MISSING", "true")

	cfg, err := Load("mailscheduler-test")
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 48*time.Hour, cfg.ScheduleMaxHorizon)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.SweepAssumeSentWhenMissing)
}
