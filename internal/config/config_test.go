package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"SERVER_BIND_ADDR", "REDIS_ADDR", "ENGINE_TICK_INTERVAL"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.BindAddr)
	assert.Equal(t, "30s", cfg.Alerting.Engine.TickInterval)
	// Redis is opt-in; with no addr the silence store falls back to
	// process memory instead of failing every silence request
	assert.Empty(t, cfg.Redis.Addr)
}
