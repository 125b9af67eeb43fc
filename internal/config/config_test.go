package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/runnable/internal/core"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runnable.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().WithLookupEnv(envMap(nil)).Load()
	require.NoError(t, err)

	sec, err := cfg.SecurityConfig()
	require.NoError(t, err)
	assert.Equal(t, uint(100), sec.MaxMemoryMB())
	assert.Equal(t, 5*time.Second, sec.MaxCPUTime())
	assert.Equal(t, uint(50), sec.MaxRequests())
	assert.Equal(t, []string{"*"}, sec.AllowedDomains())
	assert.Equal(t, 10*time.Second, sec.ExecutionTimeout())
	assert.False(t, sec.EnableResourceLimits())
	assert.Equal(t, 1000, cfg.Engine.MaxStreamItems)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeYAML(t, `
security:
  max_requests: 10
  allowed_domains: ["api.example.com"]
  execution_timeout: 3s
log:
  level: debug
redis:
  addr: yaml:6379
`)
	cfg, err := NewLoader().
		WithConfigPath(path).
		WithLookupEnv(envMap(map[string]string{
			"RUNNABLE_SECURITY_MAX_REQUESTS":    "7",
			"RUNNABLE_SECURITY_ALLOWED_DOMAINS": "a.example.com, *.b.example.com",
			"REDIS_ADDR":                        "env:6379",
			"DATABASE_URL":                      "postgres://u@h/db",
		})).
		Load()
	require.NoError(t, err)

	assert.Equal(t, uint(7), cfg.Security.MaxRequests)
	assert.Equal(t, []string{"a.example.com", "*.b.example.com"}, cfg.Security.AllowedDomains)
	assert.Equal(t, 3*time.Second, cfg.Security.ExecutionTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "env:6379", cfg.Redis.Addr)
	assert.Equal(t, "postgres://u@h/db", cfg.Database.DSN)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).
		WithLookupEnv(envMap(nil)).
		Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadInvalidSecurity(t *testing.T) {
	path := writeYAML(t, "security:\n  max_requests: 0\n")
	_, err := NewLoader().WithConfigPath(path).WithLookupEnv(envMap(nil)).Load()
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	_, err = NewLoader().WithLookupEnv(envMap(map[string]string{
		"RUNNABLE_SECURITY_EXECUTION_TIMEOUT": "soon",
	})).Load()
	assert.Error(t, err)
}

func TestLoadInvalidRetry(t *testing.T) {
	_, err := NewLoader().WithLookupEnv(envMap(map[string]string{
		"RUNNABLE_RETRY_MULTIPLIER": "1.0",
	})).Load()
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}
