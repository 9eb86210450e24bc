package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 0, cfg.RedisDB)
	assert.Equal(t, "http://localhost:3000", cfg.UpstreamURL)
	assert.Equal(t, 5*time.Second, cfg.LLMSoftDeadline)
	assert.Equal(t, "secret", cfg.AdminToken)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "secret")
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("LLM_SOFT_DEADLINE_MS", "1500")
	t.Setenv("LLM_FAST_MODEL", "tiny")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 1500*time.Millisecond, cfg.LLMSoftDeadline)
	assert.Equal(t, "tiny", cfg.FastModel)
}

func TestLoadRejectsBadNumbers(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "secret")
	t.Setenv("REDIS_DB", "not-a-number")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRequiresAdminToken(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "")

	_, err := Load()
	assert.Error(t, err)
}
