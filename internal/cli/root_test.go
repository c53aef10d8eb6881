package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	root := GetRootCmd()

	t.Run("should expose the expected subcommands", func(t *testing.T) {
		names := make(map[string]bool)
		for _, cmd := range root.Commands() {
			names[cmd.Name()] = true
		}
		for _, want := range []string{"start", "stop", "status", "plugins"} {
			assert.True(t, names[want], "missing subcommand %s", want)
		}
	})

	t.Run("should carry the version", func(t *testing.T) {
		assert.Equal(t, version, GetVersion())
		assert.Equal(t, version, root.Version)
	})

	t.Run("should register global flags", func(t *testing.T) {
		assert.NotNil(t, root.PersistentFlags().Lookup("config"))
		assert.NotNil(t, root.PersistentFlags().Lookup("log-level"))
	})
}

func TestPluginsCommand(t *testing.T) {
	sub := map[string]bool{}
	for _, cmd := range pluginsCmd.Commands() {
		sub[cmd.Name()] = true
	}
	require.True(t, sub["list"])
	require.True(t, sub["rescan"])
	require.True(t, sub["start"])
	require.True(t, sub["stop"])
}
