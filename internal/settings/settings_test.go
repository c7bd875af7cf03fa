package settings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultsWithoutRedis(t *testing.T) {
	s := NewStore(nil, zap.NewNop())
	require.NoError(t, s.Load(context.Background()))

	got := s.Get()
	assert.Equal(t, "en", got.Language)
	assert.Equal(t, 30, got.QueryDefaults.TimeoutSeconds)
	assert.True(t, got.Notifications.Enabled)
}

func TestUpdateValidates(t *testing.T) {
	s := NewStore(nil, zap.NewNop())

	bad := Defaults()
	bad.QueryDefaults.MaxConcurrent = 0
	assert.Error(t, s.Update(context.Background(), bad))

	bad = Defaults()
	bad.Language = ""
	assert.Error(t, s.Update(context.Background(), bad))

	bad = Defaults()
	bad.QueryDefaults.TimeoutSeconds = -1
	assert.Error(t, s.Update(context.Background(), bad))

	// Rejected updates leave the current settings untouched.
	assert.Equal(t, Defaults(), s.Get())
}

func TestUpdateAppliesInMemory(t *testing.T) {
	s := NewStore(nil, zap.NewNop())

	next := Defaults()
	next.Theme = "dark"
	next.QueryDefaults.TimeoutSeconds = 60
	require.NoError(t, s.Update(context.Background(), next))

	got := s.Get()
	assert.Equal(t, "dark", got.Theme)
	assert.Equal(t, 60, got.QueryDefaults.TimeoutSeconds)
}
