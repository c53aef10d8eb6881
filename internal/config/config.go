package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Workbench host configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Plugins directory (scanned for plugin.json manifests)
	PluginsDir string `json:"plugins_dir" mapstructure:"plugins_dir"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Plugin runtime configuration
	Plugins PluginsConfig `json:"plugins" mapstructure:"plugins"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Connection profiles exposed to plugins
	Connections []ConnectionConfig `json:"connections" mapstructure:"connections"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// PluginsConfig holds plugin runtime tuning
type PluginsConfig struct {
	StartTimeoutSec    int    `json:"start_timeout_sec" mapstructure:"start_timeout_sec"`
	InvokeTimeoutSec   int    `json:"invoke_timeout_sec" mapstructure:"invoke_timeout_sec"`
	StopTimeoutSec     int    `json:"stop_timeout_sec" mapstructure:"stop_timeout_sec"`
	EventQueueSize     int    `json:"event_queue_size" mapstructure:"event_queue_size"`
	UnhealthyThreshold int    `json:"unhealthy_threshold" mapstructure:"unhealthy_threshold"`
	RescanSchedule     string `json:"rescan_schedule" mapstructure:"rescan_schedule"`
	WatchDir           bool   `json:"watch_dir" mapstructure:"watch_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// ConnectionConfig describes one remote connection profile
type ConnectionConfig struct {
	ID      string `json:"id" mapstructure:"id"`
	Name    string `json:"name" mapstructure:"name"`
	URL     string `json:"url" mapstructure:"url"`
	Token   string `json:"token" mapstructure:"token"`
	Default bool   `json:"default" mapstructure:"default"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 7781,
		},
		Plugins: PluginsConfig{
			StartTimeoutSec:    10,
			InvokeTimeoutSec:   30,
			StopTimeoutSec:     5,
			EventQueueSize:     256,
			UnhealthyThreshold: 3,
			RescanSchedule:     "@every 5m",
			WatchDir:           true,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
	}
}

// Validate checks the configuration for obvious mistakes
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}
	if c.PluginsDir == "" {
		return fmt.Errorf("plugins_dir is required")
	}
	if c.Plugins.StartTimeoutSec <= 0 {
		return fmt.Errorf("start_timeout_sec must be positive")
	}
	if c.Plugins.InvokeTimeoutSec <= 0 {
		return fmt.Errorf("invoke_timeout_sec must be positive")
	}

	seenIDs := make(map[string]bool)
	defaults := 0
	for _, conn := range c.Connections {
		if conn.ID == "" {
			return fmt.Errorf("connection profile missing id")
		}
		if seenIDs[conn.ID] {
			return fmt.Errorf("duplicate connection id: %s", conn.ID)
		}
		seenIDs[conn.ID] = true
		if conn.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("at most one connection may be marked default")
	}

	return nil
}

// String returns the config as indented JSON with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}
	masked.Connections = make([]ConnectionConfig, len(c.Connections))
	copy(masked.Connections, c.Connections)
	for i := range masked.Connections {
		if masked.Connections[i].Token != "" {
			masked.Connections[i].Token = "***"
		}
	}

	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", masked)
	}
	return string(data)
}
