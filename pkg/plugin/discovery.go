package plugin

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// ManifestFileName is the manifest file expected inside each plugin directory.
const ManifestFileName = "plugin.json"

// Discovery scans the plugins directory for installed plugins.
type Discovery struct {
	logger zerolog.Logger
	loader *ManifestLoader
}

// NewDiscovery creates a new plugin discovery instance
func NewDiscovery(logger zerolog.Logger) *Discovery {
	return &Discovery{
		logger: logger.With().Str("component", "plugin-discovery").Logger(),
		loader: NewManifestLoader(logger),
	}
}

// Scan walks the plugins directory and returns the manifests of every
// loadable plugin. A plugin directory missing a manifest, or with a
// manifest that fails validation, is skipped with a warning; one broken
// plugin never prevents the others from loading.
func (d *Discovery) Scan(dir string) ([]Manifest, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			d.logger.Debug().Str("dir", dir).Msg("Plugins directory does not exist, skipping")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat plugins directory %s: %w", dir, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugins directory %s: %w", dir, err)
	}

	var manifests []Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pluginDir := filepath.Join(dir, entry.Name())
		manifestPath := filepath.Join(pluginDir, ManifestFileName)

		if _, err := os.Stat(manifestPath); err != nil {
			if os.IsNotExist(err) {
				d.logger.Debug().
					Str("dir", pluginDir).
					Msg("Directory does not contain plugin.json, skipping")
				continue
			}
			d.logger.Warn().
				Err(err).
				Str("dir", pluginDir).
				Msg("Failed to check for plugin.json")
			continue
		}

		manifest, err := d.loader.LoadManifest(manifestPath)
		if err != nil {
			d.logger.Warn().
				Err(err).
				Str("dir", pluginDir).
				Msg("Skipping plugin with invalid manifest")
			continue
		}

		manifest.Dir = pluginDir
		manifests = append(manifests, *manifest)
		d.logger.Debug().
			Str("pluginId", manifest.PluginID).
			Str("path", pluginDir).
			Msg("Discovered plugin")
	}

	d.logger.Info().Int("count", len(manifests)).Str("dir", dir).Msg("Plugin discovery completed")
	return manifests, nil
}
