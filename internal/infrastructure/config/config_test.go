package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, 5000, cfg.Sandbox.TimeoutMS)
	assert.Equal(t, "./modules", cfg.Loader.Root)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("SANDBOX_TIMEOUT_MS", "250")
	t.Setenv("HTTP_SHIM_ALLOW_HOSTS", "api.example.com,cdn.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 250, cfg.Sandbox.TimeoutMS)
	assert.Equal(t, []string{"api.example.com", "cdn.example.com"}, cfg.HTTPShim.AllowHosts)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("SANDBOX_TIMEOUT_MS", "soon")
	_, err := Load()
	assert.Error(t, err)
}
