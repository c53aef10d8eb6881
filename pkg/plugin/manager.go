package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkent/workbench/pkg/proctrack"
)

// ManagerConfig configures the host manager.
type ManagerConfig struct {
	Supervisor SupervisorConfig

	// StopAllTimeout bounds the whole teardown across every instance.
	StopAllTimeout time.Duration

	// UnhealthyThreshold is the number of consecutive invoke timeouts
	// after which an instance is reported unhealthy.
	UnhealthyThreshold int

	// StorageRoot is where per-plugin isolated storage directories live.
	StorageRoot string
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.StopAllTimeout <= 0 {
		c.StopAllTimeout = 15 * time.Second
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 3
	}
	return c
}

// Manager orchestrates all active plugin supervisors. It is the single
// owner of which plugin instances currently exist: at most one instance
// per plugin ID, enforced under the instance-map lock even when starts
// race.
type Manager struct {
	registry *Registry
	tracker  *proctrack.Tracker
	sink     EventSink
	cfg      ManagerConfig
	logger   zerolog.Logger

	// ActiveConnection supplies the connection id handed to workers in
	// their context bundle. Optional.
	ActiveConnection func() string

	mu        sync.Mutex
	instances map[string]*Supervisor
}

// NewManager creates a host manager over the given registry.
func NewManager(registry *Registry, tracker *proctrack.Tracker, sink EventSink, cfg ManagerConfig, logger zerolog.Logger) *Manager {
	return &Manager{
		registry:  registry,
		tracker:   tracker,
		sink:      sink,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "plugin-manager").Logger(),
		instances: make(map[string]*Supervisor),
	}
}

// ListPlugins returns every installed plugin with its instance state.
func (m *Manager) ListPlugins() []PluginInfo {
	manifests := m.registry.ListPlugins()

	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]PluginInfo, 0, len(manifests))
	for _, manifest := range manifests {
		info := PluginInfo{Manifest: manifest, State: StateNotStarted}
		if sup, ok := m.instances[manifest.PluginID]; ok {
			info.State = sup.State()
			if err := sup.LastError(); err != nil {
				info.LastErr = err.Error()
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// Instances returns a snapshot of every live instance.
func (m *Manager) Instances() []InstanceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]InstanceInfo, 0, len(m.instances))
	for _, sup := range m.instances {
		infos = append(infos, sup.Info())
	}
	return infos
}

// ensure returns the single supervisor for a plugin ID, creating it if
// none exists. A crashed instance fails fast; restart is explicit.
func (m *Manager) ensure(pluginID string) (*Supervisor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sup, ok := m.instances[pluginID]; ok {
		if sup.State() == StateCrashed {
			return nil, fmt.Errorf("%w: plugin %s (last error: %v); restart it explicitly", ErrCrashed, pluginID, sup.LastError())
		}
		return sup, nil
	}

	manifest, err := m.registry.GetManifest(pluginID)
	if err != nil {
		return nil, err
	}

	sup := NewSupervisor(manifest, m.hostInfo(manifest), m.cfg.Supervisor, m.tracker, m.sink, m.logger)
	m.instances[pluginID] = sup
	return sup, nil
}

func (m *Manager) hostInfo(manifest Manifest) HostInfo {
	info := HostInfo{PluginID: manifest.PluginID}
	if m.cfg.StorageRoot != "" {
		dir := filepath.Join(m.cfg.StorageRoot, manifest.PluginID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			m.logger.Warn().Err(err).Str("plugin", manifest.PluginID).Msg("Failed to create plugin storage directory")
		} else {
			info.StorageDir = dir
		}
	}
	if m.ActiveConnection != nil {
		info.ConnectionID = m.ActiveConnection()
	}
	return info
}

// StartPlugin explicitly starts a plugin instance.
func (m *Manager) StartPlugin(ctx context.Context, pluginID string) error {
	sup, err := m.ensure(pluginID)
	if err != nil {
		return err
	}
	return sup.Start(ctx)
}

// InvokeCommand invokes a command on a plugin, lazily starting an instance
// on first use.
func (m *Manager) InvokeCommand(ctx context.Context, pluginID, command, payload string) (string, error) {
	sup, err := m.ensure(pluginID)
	if err != nil {
		return "", err
	}
	if err := sup.Start(ctx); err != nil {
		return "", err
	}
	return sup.Invoke(ctx, command, payload)
}

// GetCommands returns a plugin's commands, starting an instance only when
// the manifest declares no static list.
func (m *Manager) GetCommands(ctx context.Context, pluginID string) ([]Command, error) {
	manifest, err := m.registry.GetManifest(pluginID)
	if err != nil {
		return nil, err
	}
	if len(manifest.Commands) > 0 {
		return manifest.Commands, nil
	}

	sup, err := m.ensure(pluginID)
	if err != nil {
		return nil, err
	}
	if err := sup.Start(ctx); err != nil {
		return nil, err
	}
	return sup.GetCommands(ctx)
}

// StopPlugin stops a plugin instance and removes it from the instance map.
// The supervisor stays in the map until its teardown completes, so a
// racing invoke addresses the stopping instance (and fails with not
// running) instead of creating a second live process for the plugin.
func (m *Manager) StopPlugin(ctx context.Context, pluginID string, graceful bool) error {
	m.mu.Lock()
	sup, ok := m.instances[pluginID]
	m.mu.Unlock()

	if !ok {
		return nil
	}

	err := sup.Stop(ctx, graceful)

	m.mu.Lock()
	if m.instances[pluginID] == sup {
		delete(m.instances, pluginID)
	}
	m.mu.Unlock()
	return err
}

// RestartPlugin tears down any existing instance and starts a fresh one.
// This is the explicit recovery path for crashed instances.
func (m *Manager) RestartPlugin(ctx context.Context, pluginID string) error {
	if err := m.StopPlugin(ctx, pluginID, true); err != nil {
		m.logger.Warn().Err(err).Str("plugin", pluginID).Msg("Stop before restart failed")
	}
	return m.StartPlugin(ctx, pluginID)
}

// StopAll gracefully stops every live instance, bounded by an overall
// timeout. Partial failure never aborts the teardown: a supervisor whose
// graceful stop fails force-terminates its worker itself, and the failure
// is collected for the caller while the rest keep stopping.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	instances := make(map[string]*Supervisor, len(m.instances))
	for id, sup := range m.instances {
		instances[id] = sup
	}
	m.instances = make(map[string]*Supervisor)
	m.mu.Unlock()

	if len(instances) == 0 {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StopAllTimeout)
	defer cancel()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for id, sup := range instances {
		wg.Add(1)
		go func(id string, sup *Supervisor) {
			defer wg.Done()
			if err := sup.Stop(ctx, true); err != nil {
				// The worker was force-terminated inside Stop; only the
				// graceful failure itself is surfaced.
				errMu.Lock()
				errs = append(errs, fmt.Errorf("plugin %s: %w", id, err))
				errMu.Unlock()
			}
		}(id, sup)
	}
	wg.Wait()

	m.logger.Info().Int("stopped", len(instances)).Int("failures", len(errs)).Msg("All plugin instances stopped")
	return errors.Join(errs...)
}

// Rescan reloads the plugin directory. Running instances keep the
// manifest they started with; new manifests apply on the next start.
func (m *Manager) Rescan() error {
	return m.registry.Scan()
}

// HealthSweep reports instances whose consecutive invoke timeouts crossed
// the threshold. Marking unhealthy is a manager policy, not a supervisor
// one; the counter resets after reporting so each episode is flagged once.
func (m *Manager) HealthSweep() {
	m.mu.Lock()
	instances := make([]*Supervisor, 0, len(m.instances))
	for _, sup := range m.instances {
		instances = append(instances, sup)
	}
	m.mu.Unlock()

	for _, sup := range instances {
		if sup.State() != StateRunning {
			continue
		}
		if sup.ConsecutiveTimeouts() < m.cfg.UnhealthyThreshold {
			continue
		}
		sup.ResetTimeouts()
		m.logger.Warn().Str("plugin", sup.manifest.PluginID).Msg("Plugin instance unhealthy after repeated timeouts")
		if m.sink != nil {
			m.sink.Publish(Event{
				Type:      EventPluginUnhealthy,
				PluginID:  sup.manifest.PluginID,
				Timestamp: time.Now(),
			})
		}
	}
}
