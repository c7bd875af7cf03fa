package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, time.Second, cfg.Sync.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Sync.BackoffMax)
	assert.Equal(t, 24*time.Hour, cfg.Sync.Retention)
	assert.Equal(t, 30*time.Second, cfg.Poll.DefaultTimeout)
	assert.Equal(t, 3, cfg.Poll.MaxConcurrent)
	assert.True(t, cfg.Upstream.PushEnabled)
}

func TestNew_EnvOverride(t *testing.T) {
	t.Setenv("SYNC_BACKOFF_MAX", "2m")
	t.Setenv("POLL_MAX_CONCURRENT", "5")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Sync.BackoffMax)
	assert.Equal(t, 5, cfg.Poll.MaxConcurrent)
}

func TestNew_InvalidBackoffWindow(t *testing.T) {
	t.Setenv("SYNC_BACKOFF_BASE", "1m")
	t.Setenv("SYNC_BACKOFF_MAX", "1s")

	_, err := New()
	require.Error(t, err)
}

func TestClampTimeout(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.ClampTimeout(0))
	assert.Equal(t, 5*time.Second, cfg.ClampTimeout(time.Second))
	assert.Equal(t, 300*time.Second, cfg.ClampTimeout(time.Hour))
	assert.Equal(t, 45*time.Second, cfg.ClampTimeout(45*time.Second))
}
