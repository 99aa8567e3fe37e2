package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoad_Defaults tests the configuration loaded with no environment set
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 8086, cfg.Server.Port)
	assert.True(t, cfg.Server.MetricsEnabled)
	assert.Equal(t, 128, cfg.Realtime.QueueCapacity)
	assert.Equal(t, 5*time.Second, cfg.Realtime.SendTimeout)
	assert.Equal(t, 50, cfg.Realtime.BacklogLimit)
}

// TestLoad_MetricsToggle tests disabling the metrics endpoint via environment
func TestLoad_MetricsToggle(t *testing.T) {
	t.Setenv("METRICS_ENABLED", "false")

	cfg, err := Load()

	require.NoError(t, err)
	assert.False(t, cfg.Server.MetricsEnabled)
}

// TestLoad_InvalidBoolFallsBack tests that an unparsable toggle keeps the
// default
func TestLoad_InvalidBoolFallsBack(t *testing.T) {
	t.Setenv("METRICS_ENABLED", "definitely")

	cfg, err := Load()

	require.NoError(t, err)
	assert.True(t, cfg.Server.MetricsEnabled)
}

// TestValidate_RejectsBadValues tests the validation rules
func TestValidate_RejectsBadValues(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Realtime.URL = ""
	assert.Error(t, cfg.Validate())

	cfg, _ = Load()
	cfg.Realtime.QueueCapacity = 0
	assert.Error(t, cfg.Validate())

	cfg, _ = Load()
	cfg.Realtime.SendTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg, _ = Load()
	cfg.Realtime.BacklogLimit = -1
	assert.Error(t, cfg.Validate())
}

// TestBackoffPolicy_FromConfig tests the backoff conversion
func TestBackoffPolicy_FromConfig(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	policy := cfg.BackoffPolicy()

	assert.Equal(t, 500*time.Millisecond, policy.Base)
	assert.Equal(t, 2.0, policy.Multiplier)
	assert.Equal(t, 30*time.Second, policy.Max)
	assert.Equal(t, 0.5, policy.Jitter)
}
