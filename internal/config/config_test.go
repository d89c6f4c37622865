package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Bridge.InvokeTimeout)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "@every 15m", cfg.Updates.PollSchedule)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err, "a missing file must not fail")
	assert.Equal(t, 1024, cfg.EventBufferSize)
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	data := []byte(`
server:
  addr: ":9090"
  rateLimit: 10
log:
  level: debug
store:
  backend: redis
  redisAddr: redis.internal:6379
bundleDir: /var/lib/miniapps
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "redis.internal:6379", cfg.Store.RedisAddr)
	assert.Equal(t, "/var/lib/miniapps", cfg.BundleDir)

	// Untouched keys keep their defaults.
	assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 8, cfg.Bridge.Concurrency)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9090\"\n"), 0o600))

	t.Setenv("HOST_SERVER_ADDR", ":7070")
	t.Setenv("HOST_LOG_LEVEL", "warn")
	t.Setenv("HOST_BRIDGE_INVOKE_TIMEOUT", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr, "environment must win over the file")
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 3*time.Second, cfg.Bridge.InvokeTimeout)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"redis backend", func(c *Config) { c.Store.Backend = "redis" }, true},
		{"postgres with dsn", func(c *Config) {
			c.Store.Backend = "postgres"
			c.Store.PostgresDSN = "postgres://localhost/host"
		}, true},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = "postgres" }, false},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, false},
		{"zero invoke timeout", func(c *Config) { c.Bridge.InvokeTimeout = 0 }, false},
		{"zero event buffer", func(c *Config) { c.EventBufferSize = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
