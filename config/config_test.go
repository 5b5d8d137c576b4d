package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "banteng.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("full config", func(t *testing.T) {
		path := writeConfig(t, `
store:
  host: redis.internal
  port: 6380
  db: 2
  password: secret
  key_prefix: "dash:"
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "redis.internal", cfg.Store.Host)
		assert.Equal(t, 6380, cfg.Store.Port)
		assert.Equal(t, 2, cfg.Store.DB)
		assert.Equal(t, "secret", cfg.Store.Password)
		assert.Equal(t, "dash:", cfg.Store.KeyPrefix)
	})

	t.Run("defaults fill missing fields", func(t *testing.T) {
		path := writeConfig(t, `store: {}`)

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "localhost", cfg.Store.Host)
		assert.Equal(t, 6379, cfg.Store.Port)
		assert.Equal(t, "banteng:", cfg.Store.KeyPrefix)
	})

	t.Run("environment overrides file values", func(t *testing.T) {
		t.Setenv("PM2_REDIS_HOST", "env-host")
		t.Setenv("PM2_REDIS_PORT", "7000")
		t.Setenv("PM2_REDIS_DB", "5")
		t.Setenv("PM2_REDIS_PASS", "env-pass")

		path := writeConfig(t, `
store:
  host: file-host
  port: 6379
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "env-host", cfg.Store.Host)
		assert.Equal(t, 7000, cfg.Store.Port)
		assert.Equal(t, 5, cfg.Store.DB)
		assert.Equal(t, "env-pass", cfg.Store.Password)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := writeConfig(t, "store: [not a mapping")
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config file")
	})

	t.Run("sentinels require a master name", func(t *testing.T) {
		path := writeConfig(t, `
store:
  sentinels: "10.0.0.1:26379"
`)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sentinel_master is required")
	})
}

func TestSentinelAddrs(t *testing.T) {
	t.Run("parses list with and without ports", func(t *testing.T) {
		sc := StoreConfig{Sentinels: "10.0.0.1:26380, 10.0.0.2 ,10.0.0.3:26381"}
		assert.Equal(t,
			[]string{"10.0.0.1:26380", "10.0.0.2:26379", "10.0.0.3:26381"},
			sc.SentinelAddrs())
	})

	t.Run("empty list", func(t *testing.T) {
		sc := StoreConfig{}
		assert.Nil(t, sc.SentinelAddrs())
	})
}
