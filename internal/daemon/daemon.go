package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mkent/workbench/internal/config"
	"github.com/mkent/workbench/internal/logger"
	"github.com/mkent/workbench/pkg/gateway"
	"github.com/mkent/workbench/pkg/plugin"
	"github.com/mkent/workbench/pkg/proctrack"
	"github.com/mkent/workbench/pkg/storage"
)

// Daemon is the Workbench host process: it owns the plugin runtime, the
// gateway server and the event bridge, and tears them all down together.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	tracker     *proctrack.Tracker
	registry    *plugin.Registry
	manager     *plugin.Manager
	bridge      *gateway.Bridge
	store       *storage.Store
	connections *connectionProviders
	dispatcher  *gateway.Dispatcher

	// Services
	gatewayServer *gateway.Server
	dirWatcher    *plugin.DirWatcher
	scheduler     *cron.Cron

	// Internal
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	zlog := d.logger.GetZerolog()

	d.tracker = proctrack.New(zlog)
	zlog.Info().Msg("Process tracker initialized")

	d.registry = plugin.NewRegistry(zlog, d.config.PluginsDir)
	if err := os.MkdirAll(d.config.PluginsDir, 0755); err != nil {
		return fmt.Errorf("failed to create plugins directory: %w", err)
	}
	if err := d.registry.Scan(); err != nil {
		return fmt.Errorf("initial plugin scan failed: %w", err)
	}
	zlog.Info().Int("plugins", d.registry.Count()).Str("dir", d.config.PluginsDir).Msg("Plugin registry initialized")

	d.bridge = gateway.NewBridge(d.config.Plugins.EventQueueSize, zlog)

	store, err := storage.Open(filepath.Join(d.config.DataDir, "plugin-storage.db"), zlog)
	if err != nil {
		return fmt.Errorf("failed to open plugin storage: %w", err)
	}
	d.store = store

	d.connections = newConnectionProviders(d.config.Connections)

	d.manager = plugin.NewManager(d.registry, d.tracker, d.bridge, plugin.ManagerConfig{
		Supervisor: plugin.SupervisorConfig{
			StartTimeout:  time.Duration(d.config.Plugins.StartTimeoutSec) * time.Second,
			InvokeTimeout: time.Duration(d.config.Plugins.InvokeTimeoutSec) * time.Second,
			StopTimeout:   time.Duration(d.config.Plugins.StopTimeoutSec) * time.Second,
		},
		UnhealthyThreshold: d.config.Plugins.UnhealthyThreshold,
		StorageRoot:        filepath.Join(d.config.DataDir, "plugin-data"),
	}, zlog)
	d.manager.ActiveConnection = d.connections.ActiveID
	zlog.Info().Msg("Plugin host manager initialized")

	return nil
}

func (d *Daemon) initializeServices() error {
	zlog := d.logger.GetZerolog()

	d.dispatcher = gateway.NewDispatcher(gateway.DispatcherConfig{
		Backend:     d.manager,
		Connections: d.connections,
		Auth:        d.connections,
		Storage:     d.store,
		Logger:      zlog,
	})

	server, err := gateway.NewServer(gateway.ServerConfig{
		Host:         d.config.Gateway.Host,
		Port:         d.config.Gateway.Port,
		SharedSecret: d.config.Gateway.SharedSecret,
		Dispatcher:   d.dispatcher,
		Bridge:       d.bridge,
		Logger:       zlog,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server

	if d.config.Plugins.WatchDir {
		watcher, err := plugin.NewDirWatcher(d.registry, d.config.PluginsDir, 500*time.Millisecond, zlog)
		if err != nil {
			zlog.Warn().Err(err).Msg("Plugin directory watcher unavailable, relying on scheduled rescan")
		} else {
			d.dirWatcher = watcher
		}
	}

	d.scheduler = cron.New()
	if d.config.Plugins.RescanSchedule != "" {
		if _, err := d.scheduler.AddFunc(d.config.Plugins.RescanSchedule, func() {
			if err := d.registry.Scan(); err != nil {
				zlog.Warn().Err(err).Msg("Scheduled plugin rescan failed")
			}
		}); err != nil {
			return fmt.Errorf("invalid rescan schedule %q: %w", d.config.Plugins.RescanSchedule, err)
		}
	}
	if _, err := d.scheduler.AddFunc("@every 30s", d.manager.HealthSweep); err != nil {
		return fmt.Errorf("failed to schedule health sweep: %w", err)
	}

	return nil
}

// Start brings the daemon up and blocks until a shutdown signal arrives.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	zlog := d.logger.GetZerolog()

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	if d.dirWatcher != nil {
		if err := d.dirWatcher.Start(); err != nil {
			zlog.Warn().Err(err).Msg("Failed to start plugin directory watcher")
		}
	}
	d.scheduler.Start()

	zlog.Info().
		Str("gateway", d.gatewayServer.Addr()).
		Int("plugins", d.registry.Count()).
		Msg("Workbench daemon started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		zlog.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-d.ctx.Done():
	}

	return d.Stop()
}

// Stop tears everything down: gateway first so no new requests arrive,
// then all plugin instances, then whatever the tracker still knows about.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	zlog := d.logger.GetZerolog()
	zlog.Info().Msg("Stopping Workbench daemon")

	d.cancel()

	schedCtx := d.scheduler.Stop()
	select {
	case <-schedCtx.Done():
	case <-time.After(5 * time.Second):
		zlog.Warn().Msg("Scheduler jobs did not finish in time")
	}

	if d.dirWatcher != nil {
		d.dirWatcher.Stop()
	}

	if err := d.gatewayServer.Stop(); err != nil {
		zlog.Error().Err(err).Msg("Gateway server shutdown failed")
	}

	if err := d.manager.StopAll(context.Background()); err != nil {
		zlog.Warn().Err(err).Msg("Some plugin instances did not stop cleanly")
	}

	// Last line of defense against orphans.
	if n := d.tracker.Count(); n > 0 {
		zlog.Warn().Int("remaining", n).Msg("Killing remaining tracked plugin processes")
		d.tracker.KillAll()
	}

	if err := d.store.Close(); err != nil {
		zlog.Error().Err(err).Msg("Failed to close plugin storage")
	}

	if err := d.lifecycle.Stop(); err != nil {
		zlog.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.wg.Wait()
	zlog.Info().Msg("Workbench daemon stopped")
	return nil
}

// Shutdown requests an asynchronous stop.
func (d *Daemon) Shutdown() {
	d.cancel()
}

// Status describes the running daemon.
type Status struct {
	Running   bool          `json:"running"`
	PID       int           `json:"pid"`
	Uptime    time.Duration `json:"uptime"`
	Gateway   string        `json:"gateway"`
	Plugins   int           `json:"plugins"`
	Instances int           `json:"instances"`
	Clients   int           `json:"clients"`
}

// Status returns a snapshot of the daemon state.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		PID:     os.Getpid(),
		Gateway: d.gatewayServer.Addr(),
		Plugins: d.registry.Count(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.Instances = len(d.manager.Instances())
		status.Clients = len(d.gatewayServer.GetConnectedClients())
	}
	return status
}

// Logger exposes the daemon logger for subcommands.
func (d *Daemon) Logger() zerolog.Logger {
	return d.logger.GetZerolog()
}
