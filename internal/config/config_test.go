package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := fromEnv()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.OfflineGrace)
	assert.Equal(t, 3*time.Second, cfg.TypingTimeout)
	assert.Equal(t, 15*time.Minute, cfg.EditWindow)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.RefreshTTL)
	assert.Equal(t, "presence", cfg.PresenceChannel)
	assert.Equal(t, 20, cfg.EventBurst)
	assert.InDelta(t, 10.0, cfg.EventRate, 0.001)
	assert.False(t, cfg.UploadsEnabled())
	assert.Empty(t, cfg.DBDSN)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("HEARTBEAT_INTERVAL", "10s")
	t.Setenv("EDIT_WINDOW", "1m")
	t.Setenv("EVENT_RATE", "0")
	t.Setenv("MINIO_ENDPOINT", "http://localhost:9000")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg, err := fromEnv()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, time.Minute, cfg.EditWindow)
	assert.Zero(t, cfg.EventRate)
	assert.True(t, cfg.UploadsEnabled())
	assert.True(t, cfg.MinioUseSSL)
}

func TestFromEnvErrors(t *testing.T) {
	t.Run("missing secret", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")
		_, err := fromEnv()
		require.ErrorContains(t, err, "JWT_SECRET")
	})

	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")
		t.Setenv("OFFLINE_GRACE", "soon")
		_, err := fromEnv()
		require.ErrorContains(t, err, "OFFLINE_GRACE")
	})

	t.Run("non-positive duration", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")
		t.Setenv("TYPING_TIMEOUT", "0s")
		_, err := fromEnv()
		require.ErrorContains(t, err, "TYPING_TIMEOUT")
	})

	t.Run("bad bool", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")
		t.Setenv("MINIO_USE_SSL", "maybe")
		_, err := fromEnv()
		require.ErrorContains(t, err, "MINIO_USE_SSL")
	})
}
