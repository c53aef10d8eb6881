package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
	assert.Equal(t, 7781, cfg.Gateway.Port)
	assert.Equal(t, 10, cfg.Plugins.StartTimeoutSec)
	assert.Equal(t, 30, cfg.Plugins.InvokeTimeoutSec)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Plugins.WatchDir)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.PluginsDir = "/tmp/plugins"
		return cfg
	}

	t.Run("should accept defaults with a plugins dir", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("should reject a bad port", func(t *testing.T) {
		cfg := valid()
		cfg.Gateway.Port = 0
		assert.Error(t, cfg.Validate())

		cfg.Gateway.Port = 70000
		assert.Error(t, cfg.Validate())
	})

	t.Run("should require a plugins directory", func(t *testing.T) {
		cfg := valid()
		cfg.PluginsDir = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("should reject non-positive timeouts", func(t *testing.T) {
		cfg := valid()
		cfg.Plugins.StartTimeoutSec = 0
		assert.Error(t, cfg.Validate())

		cfg = valid()
		cfg.Plugins.InvokeTimeoutSec = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("should reject duplicate connection ids", func(t *testing.T) {
		cfg := valid()
		cfg.Connections = []ConnectionConfig{
			{ID: "prod"},
			{ID: "prod"},
		}
		assert.Error(t, cfg.Validate())
	})

	t.Run("should reject multiple default connections", func(t *testing.T) {
		cfg := valid()
		cfg.Connections = []ConnectionConfig{
			{ID: "a", Default: true},
			{ID: "b", Default: true},
		}
		assert.Error(t, cfg.Validate())
	})

	t.Run("should reject a connection without an id", func(t *testing.T) {
		cfg := valid()
		cfg.Connections = []ConnectionConfig{{Name: "nameless"}}
		assert.Error(t, cfg.Validate())
	})
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gateway.SharedSecret = "hunter2"
	cfg.Connections = []ConnectionConfig{{ID: "prod", Token: "secret-token"}}

	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "secret-token")
	assert.Contains(t, out, "prod")
}

func TestLoader_Load(t *testing.T) {
	t.Run("should fall back to defaults when the file is missing", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
		require.NoError(t, err)

		assert.Equal(t, 7781, cfg.Gateway.Port)
		assert.NotEmpty(t, cfg.DataDir)
		assert.NotEmpty(t, cfg.PluginsDir)
		assert.NotEmpty(t, cfg.Logging.File)
	})

	t.Run("should load values from file over defaults", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "workbench.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"data_dir": "`+dir+`",
			"plugins_dir": "`+filepath.Join(dir, "ext")+`",
			"gateway": {"host": "0.0.0.0", "port": 9000, "shared_secret": "s"},
			"plugins": {"invoke_timeout_sec": 5},
			"connections": [{"id": "prod", "name": "Prod", "url": "https://prod", "default": true}]
		}`), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Gateway.Host)
		assert.Equal(t, 9000, cfg.Gateway.Port)
		assert.Equal(t, 5, cfg.Plugins.InvokeTimeoutSec)
		// Unset keys keep their defaults.
		assert.Equal(t, 10, cfg.Plugins.StartTimeoutSec)
		require.Len(t, cfg.Connections, 1)
		assert.True(t, cfg.Connections[0].Default)
		assert.Equal(t, filepath.Join(dir, "workbench.log"), cfg.Logging.File)
	})

	t.Run("should reject malformed files", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))

		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestLoader_Save(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workbench.json")

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.PluginsDir = filepath.Join(dir, "plugins")
	cfg.Gateway.Port = 9123

	loader := NewLoader(path)
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 9123, loaded.Gateway.Port)
	assert.Equal(t, cfg.PluginsDir, loaded.PluginsDir)
}
