package plugin

import (
	"time"
)

// InstanceState represents the lifecycle state of a plugin instance.
type InstanceState string

const (
	StateNotStarted InstanceState = "not_started"
	StateStarting   InstanceState = "starting"
	StateRunning    InstanceState = "running"
	StateStopping   InstanceState = "stopping"
	StateStopped    InstanceState = "stopped"
	// StateCrashed is terminal for an instance. Recovery happens by
	// creating a fresh instance through the host manager.
	StateCrashed InstanceState = "crashed"
)

// Manifest represents the plugin.json file shipped inside a plugin
// directory. Immutable once loaded; the registry owns it.
type Manifest struct {
	PluginID    string    `json:"pluginId"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description,omitempty"`
	Author      string    `json:"author,omitempty"`
	EntryPoint  string    `json:"entryPoint"`
	Commands    []Command `json:"commands,omitempty"`

	// Dir is the plugin directory the manifest was loaded from. Filled in
	// by discovery, not part of the file.
	Dir string `json:"-"`
}

// Command describes a single command a plugin offers. Either declared
// statically in the manifest or reported by the running worker.
type Command struct {
	Name          string         `json:"name"`
	Label         string         `json:"label"`
	Description   string         `json:"description,omitempty"`
	PayloadSchema map[string]any `json:"payloadSchema,omitempty"`
}

// Invocation is one correlated command call against a running instance.
// Transient; exists only for the duration of the call.
type Invocation struct {
	RequestID string `json:"requestId"`
	PluginID  string `json:"pluginId"`
	Command   string `json:"command"`
	Payload   string `json:"payload"`
}

// Event is a fire-and-forget notification produced by a running plugin or
// by the host itself (lifecycle notifications).
type Event struct {
	Type      string            `json:"type"`
	PluginID  string            `json:"pluginId,omitempty"`
	Payload   string            `json:"payload,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Host lifecycle event types delivered through the event bridge.
const (
	EventPluginStarted   = "plugin.started"
	EventPluginStopped   = "plugin.stopped"
	EventPluginCrashed   = "plugin.crashed"
	EventPluginUnhealthy = "plugin.unhealthy"
)

// EventSink receives events for delivery to the UI transport. Implemented
// by the gateway event bridge.
type EventSink interface {
	Publish(event Event)
}

// HostInfo is the context bundle handed to a worker at start time. Its
// shape is the plugin-facing contract and must stay stable across host
// versions.
type HostInfo struct {
	PluginID     string `json:"pluginId"`
	StorageDir   string `json:"storageDir"`
	ConnectionID string `json:"connectionId"`
}

// InstanceInfo is a read-only snapshot of one instance.
type InstanceInfo struct {
	PluginID  string        `json:"pluginId"`
	State     InstanceState `json:"state"`
	Pid       int           `json:"pid,omitempty"`
	StartedAt time.Time     `json:"startedAt,omitempty"`
	LastError string        `json:"lastError,omitempty"`
}

// PluginInfo combines a manifest with the state of its instance, if any.
type PluginInfo struct {
	Manifest Manifest      `json:"manifest"`
	State    InstanceState `json:"state"`
	LastErr  string        `json:"lastError,omitempty"`
}
