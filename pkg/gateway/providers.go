package gateway

import "context"

// The dispatcher consumes its collaborators through these narrow
// interfaces; it never implements connection management, authentication or
// persisted storage itself.

// ConnectionProfile identifies one remote environment the shell can talk to.
type ConnectionProfile struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	URL     string `json:"url"`
	Default bool   `json:"default,omitempty"`
}

// ConnectionProvider supplies connection profiles.
type ConnectionProvider interface {
	Active() (ConnectionProfile, error)
	List() ([]ConnectionProfile, error)
	Get(id string) (ConnectionProfile, error)
}

// AuthProvider supplies a valid credential for a connection.
type AuthProvider interface {
	Token(ctx context.Context, connectionID string) (string, error)
}

// StorageProvider is a key-value store scoped per plugin ID.
type StorageProvider interface {
	Get(pluginID, key string) (string, bool, error)
	Set(pluginID, key, value string) error
	Delete(pluginID, key string) error
}
