package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkent/workbench/pkg/proctrack"
)

// writePluginDir lays one plugin directory with a manifest under root.
func writePluginDir(t *testing.T, root string, manifest Manifest) {
	t.Helper()
	dir := filepath.Join(root, manifest.PluginID)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), data, 0o644))
}

func scannedRegistry(t *testing.T, manifests ...Manifest) *Registry {
	t.Helper()
	root := t.TempDir()
	for _, m := range manifests {
		writePluginDir(t, root, m)
	}
	registry := NewRegistry(zerolog.Nop(), root)
	require.NoError(t, registry.Scan())
	return registry
}

func newTestManager(t *testing.T, sink EventSink, manifests ...Manifest) (*Manager, *proctrack.Tracker) {
	t.Helper()
	registry := scannedRegistry(t, manifests...)
	tracker := proctrack.New(zerolog.Nop())
	cfg := ManagerConfig{
		Supervisor: SupervisorConfig{
			StartTimeout:    time.Second,
			InvokeTimeout:   200 * time.Millisecond,
			StopTimeout:     100 * time.Millisecond,
			MonitorInterval: 10 * time.Millisecond,
		},
		StopAllTimeout:     2 * time.Second,
		UnhealthyThreshold: 2,
		StorageRoot:        t.TempDir(),
	}
	return NewManager(registry, tracker, sink, cfg, zerolog.Nop()), tracker
}

func TestManager_InvokeCommand(t *testing.T) {
	t.Run("should lazily start an instance on first invoke", func(t *testing.T) {
		var pids atomic.Int32
		swapWorker(t, func(Manifest, *proctrack.Tracker, time.Duration, zerolog.Logger) (worker, error) {
			return &fakeWorker{pid: int(pids.Add(1))}, nil
		})

		m, _ := newTestManager(t, nil, testManifest())

		result, err := m.InvokeCommand(context.Background(), "com.acme.clock", "now", "")
		require.NoError(t, err)
		assert.Equal(t, `{"ok":true}`, result)
		assert.Equal(t, int32(1), pids.Load())

		// Second invoke reuses the running instance.
		_, err = m.InvokeCommand(context.Background(), "com.acme.clock", "now", "")
		require.NoError(t, err)
		assert.Equal(t, int32(1), pids.Load())
	})

	t.Run("should fail with not found for unknown plugins", func(t *testing.T) {
		m, _ := newTestManager(t, nil, testManifest())

		_, err := m.InvokeCommand(context.Background(), "com.acme.missing", "now", "")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should fail fast on a crashed instance until restarted", func(t *testing.T) {
		w := &fakeWorker{pid: 1}
		swapWorker(t, alwaysWorker(w))

		m, _ := newTestManager(t, nil, testManifest())
		require.NoError(t, m.StartPlugin(context.Background(), "com.acme.clock"))

		w.exited.Store(true)
		require.Eventually(t, func() bool {
			infos := m.Instances()
			return len(infos) == 1 && infos[0].State == StateCrashed
		}, time.Second, 5*time.Millisecond)

		_, err := m.InvokeCommand(context.Background(), "com.acme.clock", "now", "")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCrashed)
		assert.Contains(t, err.Error(), "restart it explicitly")

		// Restart replaces the crashed instance with a fresh worker.
		fresh := &fakeWorker{pid: 2}
		swapWorker(t, alwaysWorker(fresh))
		require.NoError(t, m.RestartPlugin(context.Background(), "com.acme.clock"))

		result, err := m.InvokeCommand(context.Background(), "com.acme.clock", "now", "")
		require.NoError(t, err)
		assert.Equal(t, `{"ok":true}`, result)
	})
}

func TestManager_ListPlugins(t *testing.T) {
	swapWorker(t, alwaysWorker(&fakeWorker{pid: 1}))

	second := testManifest()
	second.PluginID = "com.acme.other"

	m, _ := newTestManager(t, nil, testManifest(), second)

	t.Run("should report not started for plugins without instances", func(t *testing.T) {
		infos := m.ListPlugins()
		require.Len(t, infos, 2)
		for _, info := range infos {
			assert.Equal(t, StateNotStarted, info.State)
		}
	})

	t.Run("should merge instance state into the listing", func(t *testing.T) {
		require.NoError(t, m.StartPlugin(context.Background(), "com.acme.clock"))

		states := make(map[string]InstanceState)
		for _, info := range m.ListPlugins() {
			states[info.Manifest.PluginID] = info.State
		}
		assert.Equal(t, StateRunning, states["com.acme.clock"])
		assert.Equal(t, StateNotStarted, states["com.acme.other"])
	})
}

func TestManager_GetCommands(t *testing.T) {
	t.Run("should serve static commands without starting a worker", func(t *testing.T) {
		var launches atomic.Int32
		swapWorker(t, func(Manifest, *proctrack.Tracker, time.Duration, zerolog.Logger) (worker, error) {
			launches.Add(1)
			return &fakeWorker{pid: 1}, nil
		})

		m, _ := newTestManager(t, nil, testManifest())

		commands, err := m.GetCommands(context.Background(), "com.acme.clock")
		require.NoError(t, err)
		assert.Len(t, commands, 2)
		assert.Equal(t, int32(0), launches.Load())
	})

	t.Run("should fail with not found for unknown plugins", func(t *testing.T) {
		m, _ := newTestManager(t, nil, testManifest())

		_, err := m.GetCommands(context.Background(), "com.acme.missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestManager_StopAll(t *testing.T) {
	t.Run("should stop every instance and clear the tracker", func(t *testing.T) {
		workers := map[string]*fakeWorker{}
		var nextPid atomic.Int32
		swapWorker(t, func(m Manifest, _ *proctrack.Tracker, _ time.Duration, _ zerolog.Logger) (worker, error) {
			w := &fakeWorker{pid: int(nextPid.Add(1))}
			workers[m.PluginID] = w
			return w, nil
		})

		second := testManifest()
		second.PluginID = "com.acme.other"

		sink := &recordingSink{}
		m, tracker := newTestManager(t, sink, testManifest(), second)

		require.NoError(t, m.StartPlugin(context.Background(), "com.acme.clock"))
		require.NoError(t, m.StartPlugin(context.Background(), "com.acme.other"))
		require.Equal(t, 2, tracker.Count())

		require.NoError(t, m.StopAll(context.Background()))

		assert.Empty(t, m.Instances())
		assert.Equal(t, 0, tracker.Count())
		assert.Equal(t, 2, sink.countOf(EventPluginStopped))
		for id, w := range workers {
			assert.True(t, w.killed.Load(), "worker %s not killed", id)
		}
	})

	t.Run("should finish teardown even when one graceful stop fails", func(t *testing.T) {
		stubborn := &fakeWorker{pid: 1, shutdownErr: errors.New("refusing to shut down")}
		polite := &fakeWorker{pid: 2}
		swapWorker(t, func(m Manifest, _ *proctrack.Tracker, _ time.Duration, _ zerolog.Logger) (worker, error) {
			if m.PluginID == "com.acme.clock" {
				return stubborn, nil
			}
			return polite, nil
		})

		second := testManifest()
		second.PluginID = "com.acme.other"
		m, tracker := newTestManager(t, nil, testManifest(), second)

		require.NoError(t, m.StartPlugin(context.Background(), "com.acme.clock"))
		require.NoError(t, m.StartPlugin(context.Background(), "com.acme.other"))

		err := m.StopAll(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "com.acme.clock")
		assert.NotContains(t, err.Error(), "com.acme.other")

		// The failure never left a process behind or aborted the rest.
		assert.Empty(t, m.Instances())
		assert.Equal(t, 0, tracker.Count())
		assert.True(t, stubborn.killed.Load())
		assert.True(t, polite.killed.Load())
	})

	t.Run("should be a no-op with nothing running", func(t *testing.T) {
		m, _ := newTestManager(t, nil, testManifest())
		assert.NoError(t, m.StopAll(context.Background()))
	})
}

func TestManager_StopPlugin(t *testing.T) {
	t.Run("should not spawn a second worker while a stop is in flight", func(t *testing.T) {
		gate := make(chan struct{})
		first := &fakeWorker{pid: 1, shutdownGate: gate}
		var launches atomic.Int32
		swapWorker(t, func(Manifest, *proctrack.Tracker, time.Duration, zerolog.Logger) (worker, error) {
			if launches.Add(1) == 1 {
				return first, nil
			}
			return &fakeWorker{pid: 2}, nil
		})

		// A long stop timeout keeps the graceful phase open while the
		// shutdown is held at the gate.
		registry := scannedRegistry(t, testManifest())
		tracker := proctrack.New(zerolog.Nop())
		m := NewManager(registry, tracker, nil, ManagerConfig{
			Supervisor: SupervisorConfig{
				StartTimeout:    time.Second,
				InvokeTimeout:   200 * time.Millisecond,
				StopTimeout:     5 * time.Second,
				MonitorInterval: 10 * time.Millisecond,
			},
			StorageRoot: t.TempDir(),
		}, zerolog.Nop())

		require.NoError(t, m.StartPlugin(context.Background(), "com.acme.clock"))

		stopDone := make(chan error, 1)
		go func() { stopDone <- m.StopPlugin(context.Background(), "com.acme.clock", true) }()

		require.Eventually(t, func() bool {
			return first.shutdowns.Load() == 1
		}, time.Second, 5*time.Millisecond)

		// The stopping instance still owns the plugin id: an invoke fails
		// instead of launching a second process.
		_, err := m.InvokeCommand(context.Background(), "com.acme.clock", "now", "")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotRunning)
		assert.Equal(t, int32(1), launches.Load())

		close(gate)
		require.NoError(t, <-stopDone)
		assert.True(t, first.killed.Load())
		assert.Equal(t, 0, tracker.Count())

		// Only once the old instance is fully gone may a fresh one start.
		_, err = m.InvokeCommand(context.Background(), "com.acme.clock", "now", "")
		require.NoError(t, err)
		assert.Equal(t, int32(2), launches.Load())
	})

	t.Run("should be a no-op for a plugin without an instance", func(t *testing.T) {
		m, _ := newTestManager(t, nil, testManifest())
		assert.NoError(t, m.StopPlugin(context.Background(), "com.acme.clock", true))
	})
}

func TestManager_HealthSweep(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	w := &fakeWorker{pid: 1, invokeFn: func(Invocation) (string, error) {
		<-block
		return "", nil
	}}
	swapWorker(t, alwaysWorker(w))

	sink := &recordingSink{}
	m, _ := newTestManager(t, sink, testManifest())
	require.NoError(t, m.StartPlugin(context.Background(), "com.acme.clock"))

	// Two consecutive timeouts cross the configured threshold.
	_, err := m.InvokeCommand(context.Background(), "com.acme.clock", "now", "")
	require.ErrorIs(t, err, ErrInvokeTimeout)
	_, err = m.InvokeCommand(context.Background(), "com.acme.clock", "now", "")
	require.ErrorIs(t, err, ErrInvokeTimeout)

	m.HealthSweep()
	assert.Equal(t, 1, sink.countOf(EventPluginUnhealthy))

	// The counter resets: a second sweep without new timeouts stays quiet.
	m.HealthSweep()
	assert.Equal(t, 1, sink.countOf(EventPluginUnhealthy))
}

func TestManager_Rescan(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, testManifest())

	registry := NewRegistry(zerolog.Nop(), root)
	require.NoError(t, registry.Scan())
	tracker := proctrack.New(zerolog.Nop())
	m := NewManager(registry, tracker, nil, ManagerConfig{}, zerolog.Nop())

	require.Equal(t, 1, registry.Count())

	extra := testManifest()
	extra.PluginID = "com.acme.extra"
	writePluginDir(t, root, extra)

	require.NoError(t, m.Rescan())
	assert.Equal(t, 2, registry.Count())
}
