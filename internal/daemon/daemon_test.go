package daemon

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkent/workbench/internal/config"
	"github.com/mkent/workbench/internal/logger"
)

func testDaemon(t *testing.T) *Daemon {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.PluginsDir = filepath.Join(dir, "plugins")
	cfg.Logging.File = filepath.Join(dir, "workbench.log")
	cfg.Logging.Console = false
	cfg.Connections = []config.ConnectionConfig{
		{ID: "prod", Name: "Production", URL: "https://prod.example.com", Token: "tok", Default: true},
	}

	log, err := logger.New(logger.Config{Level: "error", File: cfg.Logging.File})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(cfg, log)
	require.NoError(t, err)
	return d
}

func TestNew(t *testing.T) {
	d := testDaemon(t)

	status := d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, 0, status.Plugins)
	assert.NotEmpty(t, status.Gateway)
}

func TestNew_InvalidRescanSchedule(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.PluginsDir = filepath.Join(dir, "plugins")
	cfg.Plugins.RescanSchedule = "not a cron spec"

	log, err := logger.New(logger.Config{Level: "error", File: filepath.Join(dir, "t.log")})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rescan schedule")
}

func TestLifecycleManager(t *testing.T) {
	d := testDaemon(t)
	l := d.lifecycle

	require.NoError(t, l.Start())

	t.Run("should record the current pid", func(t *testing.T) {
		pid, err := l.GetPID()
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
		assert.True(t, l.IsRunning())
	})

	t.Run("should report not running for a stale pid", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("signal 0 probe is unix only")
		}

		// A reaped child leaves a pid nobody holds anymore.
		cmd := exec.Command("sleep", "0")
		require.NoError(t, cmd.Run())
		require.NoError(t, os.WriteFile(l.PIDFilePath(), []byte(strconv.Itoa(cmd.Process.Pid)), 0o644))
		assert.False(t, l.IsRunning())

		// Restore our own pid for the teardown checks below.
		require.NoError(t, os.WriteFile(l.PIDFilePath(), []byte(strconv.Itoa(os.Getpid())), 0o644))
	})

	t.Run("should remove the pid file on stop", func(t *testing.T) {
		require.NoError(t, l.Stop())
		_, err := os.Stat(l.PIDFilePath())
		assert.True(t, os.IsNotExist(err))
		assert.False(t, l.IsRunning())

		// Stopping again is harmless.
		assert.NoError(t, l.Stop())
	})
}

func TestDaemon_StopWithoutStart(t *testing.T) {
	d := testDaemon(t)
	assert.NoError(t, d.Stop())
}

func TestDaemon_Logger(t *testing.T) {
	d := testDaemon(t)

	// The accessor returns a logger value; callers bind it before chaining.
	zlog := d.Logger()
	zlog.Info().Str("check", "accessor").Msg("daemon logger usable")
}
