package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

var (
	// pluginIDRegex validates plugin ID format (lowercase reverse-domain,
	// e.g. com.contoso.ddk.helloworld)
	pluginIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*(\.[a-z0-9][a-z0-9-]*)*$`)

	// semverRegex validates semver version format
	semverRegex = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// ManifestLoader loads and validates plugin manifests
type ManifestLoader struct {
	logger       zerolog.Logger
	schemaLoader gojsonschema.JSONLoader
}

// NewManifestLoader creates a new manifest loader
func NewManifestLoader(logger zerolog.Logger) *ManifestLoader {
	schemaLoader := gojsonschema.NewStringLoader(ManifestSchema)
	return &ManifestLoader{
		logger:       logger.With().Str("component", "manifest-loader").Logger(),
		schemaLoader: schemaLoader,
	}
}

// LoadManifest loads and validates a plugin manifest from a file
func (m *ManifestLoader) LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}

	if err := m.validateSchema(data); err != nil {
		return nil, fmt.Errorf("manifest schema validation failed: %w", err)
	}

	if err := m.validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}

	m.logger.Debug().
		Str("pluginId", manifest.PluginID).
		Str("version", manifest.Version).
		Msg("Loaded manifest")

	return &manifest, nil
}

// validateSchema validates the manifest against the JSON schema
func (m *ManifestLoader) validateSchema(data []byte) error {
	documentLoader := gojsonschema.NewBytesLoader(data)
	result, err := gojsonschema.Validate(m.schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var errMsg string
		for i, err := range result.Errors() {
			if i > 0 {
				errMsg += "; "
			}
			errMsg += err.String()
		}
		return fmt.Errorf("schema validation errors: %s", errMsg)
	}

	return nil
}

// validateManifest performs additional validation beyond JSON schema
func (m *ManifestLoader) validateManifest(manifest *Manifest) error {
	if !pluginIDRegex.MatchString(manifest.PluginID) {
		return fmt.Errorf("invalid plugin ID format: %s (must be lowercase reverse-domain)", manifest.PluginID)
	}

	if !semverRegex.MatchString(manifest.Version) {
		return fmt.Errorf("invalid version format: %s (must be semver: X.Y.Z)", manifest.Version)
	}

	if manifest.EntryPoint == "" {
		return fmt.Errorf("entry point cannot be empty")
	}

	// Command names must be unique within the plugin.
	seen := make(map[string]bool, len(manifest.Commands))
	for i, cmd := range manifest.Commands {
		if cmd.Name == "" {
			return fmt.Errorf("command %d: name cannot be empty", i)
		}
		if seen[cmd.Name] {
			return fmt.Errorf("command %d: duplicate command name %q", i, cmd.Name)
		}
		seen[cmd.Name] = true
	}

	return nil
}

// ParseManifest parses a manifest from JSON bytes (for testing)
func ParseManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}
	return &manifest, nil
}
