package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServer_Defaults(t *testing.T) {
	v := NewViper()
	v.Set("jwt.secret", "test-secret")

	cfg, err := LoadServer(v)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.HTTPAddress)
	assert.Equal(t, "driftsync.db", cfg.DatabasePath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, uint64(1000), cfg.RetentionWindow)
	assert.Equal(t, 30*24*time.Hour, cfg.CursorTTL)
}

func TestLoadServer_RequiresSecret(t *testing.T) {
	v := NewViper()

	_, err := LoadServer(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt.secret")
}

func TestLoadServer_Overrides(t *testing.T) {
	v := NewViper()
	v.Set("jwt.secret", "s")
	v.Set("http.address", "127.0.0.1:9090")
	v.Set("retention.window", 42)
	v.Set("ratelimit.rate", 5)

	cfg, err := LoadServer(v)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.HTTPAddress)
	assert.Equal(t, uint64(42), cfg.RetentionWindow)
	assert.Equal(t, 5, cfg.RateLimit)
}

func TestLoadServer_EnvBinding(t *testing.T) {
	t.Setenv("DRIFTSYNC_JWT_SECRET", "from-env")

	v := NewViper()

	cfg, err := LoadServer(v)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.JWTSecret)
}

func TestLoadClient_Defaults(t *testing.T) {
	v := NewViper()
	v.Set("client.server_url", "http://localhost:8080")
	v.Set("client.workspace_id", "ws-1")

	cfg, err := LoadClient(v)
	require.NoError(t, err)

	assert.Equal(t, "http", cfg.Backend)
	assert.Equal(t, 5*time.Second, cfg.FlushInterval)
	assert.Equal(t, 10*time.Second, cfg.PullInterval)
}

func TestLoadClient_RequiresWorkspace(t *testing.T) {
	v := NewViper()
	v.Set("client.server_url", "http://localhost:8080")

	_, err := LoadClient(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workspace_id")
}
