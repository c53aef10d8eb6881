package plugin

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Registry holds the manifests of installed plugins. Read-only after a
// scan except for explicit rescans.
type Registry struct {
	mu        sync.RWMutex
	manifests map[string]Manifest
	dir       string
	discovery *Discovery
	logger    zerolog.Logger
}

// NewRegistry creates a registry over the given plugins directory.
func NewRegistry(logger zerolog.Logger, dir string) *Registry {
	return &Registry{
		manifests: make(map[string]Manifest),
		dir:       dir,
		discovery: NewDiscovery(logger),
		logger:    logger.With().Str("component", "plugin-registry").Logger(),
	}
}

// Scan (re)loads manifests from the plugins directory. Duplicate plugin IDs
// keep the first manifest seen and log the rest.
func (r *Registry) Scan() error {
	manifests, err := r.discovery.Scan(r.dir)
	if err != nil {
		return fmt.Errorf("plugin scan failed: %w", err)
	}

	loaded := make(map[string]Manifest, len(manifests))
	for _, m := range manifests {
		if _, dup := loaded[m.PluginID]; dup {
			r.logger.Warn().
				Str("pluginId", m.PluginID).
				Str("dir", m.Dir).
				Msg("Duplicate plugin ID, keeping the first one")
			continue
		}
		loaded[m.PluginID] = m
	}

	r.mu.Lock()
	r.manifests = loaded
	r.mu.Unlock()

	r.logger.Info().Int("count", len(loaded)).Msg("Plugin registry loaded")
	return nil
}

// ListPlugins returns all known manifests.
func (r *Registry) ListPlugins() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	manifests := make([]Manifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		manifests = append(manifests, m)
	}
	return manifests
}

// GetManifest returns the manifest for a plugin ID.
func (r *Registry) GetManifest(pluginID string) (Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.manifests[pluginID]
	if !ok {
		return Manifest{}, fmt.Errorf("%w: %s", ErrNotFound, pluginID)
	}
	return m, nil
}

// Count returns the number of installed plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.manifests)
}
