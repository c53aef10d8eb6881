package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifestFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ManifestFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validManifestJSON = `{
	"pluginId": "com.contoso.ddk.helloworld",
	"name": "Hello World",
	"version": "1.2.3",
	"description": "Example",
	"entryPoint": "helloworld",
	"commands": [
		{"name": "echo", "label": "Echo"},
		{"name": "stats", "label": "Stats"}
	]
}`

func TestManifestLoader_LoadManifest(t *testing.T) {
	loader := NewManifestLoader(zerolog.Nop())

	t.Run("should load a valid manifest", func(t *testing.T) {
		manifest, err := loader.LoadManifest(writeManifestFile(t, validManifestJSON))
		require.NoError(t, err)

		assert.Equal(t, "com.contoso.ddk.helloworld", manifest.PluginID)
		assert.Equal(t, "1.2.3", manifest.Version)
		assert.Equal(t, "helloworld", manifest.EntryPoint)
		assert.Len(t, manifest.Commands, 2)
	})

	t.Run("should reject unreadable files", func(t *testing.T) {
		_, err := loader.LoadManifest(filepath.Join(t.TempDir(), "missing.json"))
		assert.Error(t, err)
	})

	t.Run("should reject invalid json", func(t *testing.T) {
		_, err := loader.LoadManifest(writeManifestFile(t, `{"pluginId": `))
		assert.Error(t, err)
	})

	t.Run("should reject missing required fields", func(t *testing.T) {
		_, err := loader.LoadManifest(writeManifestFile(t, `{"pluginId": "com.acme.x", "name": "X"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "schema validation")
	})

	t.Run("should reject malformed plugin ids", func(t *testing.T) {
		for _, id := range []string{"Com.Acme.X", "com..acme", ".com.acme", "com.acme."} {
			_, err := loader.LoadManifest(writeManifestFile(t, `{
				"pluginId": "`+id+`",
				"name": "X", "version": "1.0.0", "entryPoint": "x"
			}`))
			assert.Error(t, err, "pluginId %q", id)
		}
	})

	t.Run("should reject non-semver versions", func(t *testing.T) {
		_, err := loader.LoadManifest(writeManifestFile(t, `{
			"pluginId": "com.acme.x",
			"name": "X", "version": "1.0", "entryPoint": "x"
		}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "version")
	})

	t.Run("should reject duplicate command names", func(t *testing.T) {
		_, err := loader.LoadManifest(writeManifestFile(t, `{
			"pluginId": "com.acme.x",
			"name": "X", "version": "1.0.0", "entryPoint": "x",
			"commands": [
				{"name": "echo", "label": "Echo"},
				{"name": "echo", "label": "Echo Again"}
			]
		}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate command name")
	})
}

func TestDiscovery_Scan(t *testing.T) {
	discovery := NewDiscovery(zerolog.Nop())

	t.Run("should return nothing for a missing directory", func(t *testing.T) {
		manifests, err := discovery.Scan(filepath.Join(t.TempDir(), "nope"))
		require.NoError(t, err)
		assert.Empty(t, manifests)
	})

	t.Run("should skip broken plugins without failing the scan", func(t *testing.T) {
		root := t.TempDir()

		goodDir := filepath.Join(root, "good")
		require.NoError(t, os.MkdirAll(goodDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(goodDir, ManifestFileName), []byte(validManifestJSON), 0o644))

		brokenDir := filepath.Join(root, "broken")
		require.NoError(t, os.MkdirAll(brokenDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(brokenDir, ManifestFileName), []byte(`{"pluginId"`), 0o644))

		// A directory without a manifest and a stray file are both ignored.
		require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("docs"), 0o644))

		manifests, err := discovery.Scan(root)
		require.NoError(t, err)
		require.Len(t, manifests, 1)
		assert.Equal(t, "com.contoso.ddk.helloworld", manifests[0].PluginID)
		assert.Equal(t, goodDir, manifests[0].Dir)
	})
}

func TestRegistry(t *testing.T) {
	t.Run("should index manifests by plugin id", func(t *testing.T) {
		registry := scannedRegistry(t, testManifest())

		manifest, err := registry.GetManifest("com.acme.clock")
		require.NoError(t, err)
		assert.Equal(t, "Clock", manifest.Name)
		assert.Equal(t, 1, registry.Count())
		assert.Len(t, registry.ListPlugins(), 1)
	})

	t.Run("should wrap unknown ids in ErrNotFound", func(t *testing.T) {
		registry := scannedRegistry(t)

		_, err := registry.GetManifest("com.acme.ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should replace contents on rescan", func(t *testing.T) {
		root := t.TempDir()
		writePluginDir(t, root, testManifest())

		registry := NewRegistry(zerolog.Nop(), root)
		require.NoError(t, registry.Scan())
		require.Equal(t, 1, registry.Count())

		require.NoError(t, os.RemoveAll(filepath.Join(root, "com.acme.clock")))
		require.NoError(t, registry.Scan())
		assert.Equal(t, 0, registry.Count())
	})
}
