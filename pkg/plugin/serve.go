package plugin

import (
	goplugin "github.com/hashicorp/go-plugin"
)

// Serve runs a tool plugin. Call this from the worker's main; it blocks
// until the host tears the process down.
func Serve(tool Tool) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			ToolPluginName: &ToolPlugin{Impl: tool},
		},
	})
}
