package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GIN_MODE", "debug")
	t.Setenv("APP_USERNAME", "")
	t.Setenv("APP_PASSWORD_HASH", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 450, cfg.MaxRows)
	assert.Equal(t, int64(10<<20), cfg.MaxFileSize)
	assert.Equal(t, "resultados/consultas_margem", cfg.ResultsDir)
	assert.Equal(t, 4, cfg.Batch.DefaultCadence)
	assert.Equal(t, 3, cfg.Batch.MinCadence)
	assert.Equal(t, 10, cfg.Batch.MaxCadence)
	assert.Equal(t, 2, cfg.Batch.MaxAttempts)
	assert.Equal(t, 45*time.Second, cfg.Batch.QueryTimeout)
	assert.Equal(t, 60*time.Second, cfg.Batch.WatchdogTimeout)
	assert.True(t, cfg.Batch.ConfirmSessionOnStart)
	assert.False(t, cfg.AuthEnabled())
	assert.Empty(t, cfg.QueueRedisURL)
}

func TestLoadRequiresCredentialsInRelease(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GIN_MODE", "release")
	t.Setenv("APP_USERNAME", "")

	_, err := Load()
	assert.ErrorContains(t, err, "APP_USERNAME")
}

func TestLoadRequiresSecretWhenAuthEnabled(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GIN_MODE", "debug")
	t.Setenv("APP_USERNAME", "operador")
	t.Setenv("APP_PASSWORD_HASH", "$2a$10$abc")
	t.Setenv("SESSION_SECRET", "")

	_, err := Load()
	assert.ErrorContains(t, err, "SESSION_SECRET")
}

func TestClampCadence(t *testing.T) {
	b := BatchConfig{DefaultCadence: 4, MinCadence: 3, MaxCadence: 10}
	b.Sanitize()

	assert.Equal(t, 4, b.ClampCadence(0))
	assert.Equal(t, 3, b.ClampCadence(1))
	assert.Equal(t, 7, b.ClampCadence(7))
	assert.Equal(t, 10, b.ClampCadence(60))
}

func TestBatchSanitize(t *testing.T) {
	b := BatchConfig{
		MinCadence:       0,
		MaxCadence:       1,
		DefaultCadence:   99,
		MaxAttempts:      0,
		WatchdogInterval: 5 * time.Second,
		WatchdogTimeout:  time.Second,
		Jitter:           -time.Second,
	}
	b.Sanitize()

	assert.Equal(t, 3, b.MinCadence)
	assert.Equal(t, 3, b.MaxCadence)
	assert.Equal(t, 3, b.DefaultCadence)
	assert.Equal(t, 1, b.MaxAttempts)
	assert.Equal(t, 3, b.SafeModeThreshold)
	assert.Equal(t, 50*time.Second, b.WatchdogTimeout, "raised above query timeout plus one interval")
	assert.Equal(t, 45*time.Second, b.QueryTimeout)
	assert.Zero(t, b.Jitter)
}

func TestPortalSanitize(t *testing.T) {
	p := PortalConfig{MinLatency: -time.Second, MaxLatency: -2 * time.Second, FailureRate: 2, SessionLoss: -1}
	p.Sanitize()

	assert.Zero(t, p.MinLatency)
	assert.Zero(t, p.MaxLatency)
	assert.Equal(t, 1.0, p.FailureRate)
	assert.Zero(t, p.SessionLoss)
}

func TestBatchSanitizeKeepsWatchdogAboveQueryTimeout(t *testing.T) {
	b := BatchConfig{
		QueryTimeout:     90 * time.Second,
		RetryBackoff:     2 * time.Second,
		WatchdogInterval: 10 * time.Second,
		WatchdogTimeout:  60 * time.Second,
	}
	b.Sanitize()
	assert.Equal(t, 102*time.Second, b.WatchdogTimeout)

	defaults := BatchConfig{
		QueryTimeout:     45 * time.Second,
		RetryBackoff:     2 * time.Second,
		WatchdogInterval: 10 * time.Second,
		WatchdogTimeout:  60 * time.Second,
	}
	defaults.Sanitize()
	assert.Equal(t, 60*time.Second, defaults.WatchdogTimeout, "defaults already leave room")
}

func TestLoadQueryTimeoutAboveWatchdog(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GIN_MODE", "debug")
	t.Setenv("APP_USERNAME", "")
	t.Setenv("APP_PASSWORD_HASH", "")
	t.Setenv("QUERY_TIMEOUT", "2m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Greater(t, cfg.Batch.WatchdogTimeout, cfg.Batch.QueryTimeout+cfg.Batch.RetryBackoff)
}

func TestAuthSanitize(t *testing.T) {
	a := AuthConfig{SessionLifetime: 10 * time.Minute}
	a.Sanitize()
	assert.Equal(t, 10*time.Minute, a.IdleTimeout, "idle timeout never exceeds the lifetime")
	assert.Equal(t, 5, a.MaxLoginAttempts)
	assert.Equal(t, 15*time.Minute, a.LoginWindow)
	assert.Equal(t, 10*time.Minute, a.LockDuration)
}
