package daemon

import (
	"context"
	"fmt"
	"sync"

	"github.com/mkent/workbench/internal/config"
	"github.com/mkent/workbench/pkg/gateway"
)

// connectionProviders serves connection profiles and tokens straight from
// the loaded configuration. Profiles are static for the life of the
// daemon; the host restarts to pick up new ones.
type connectionProviders struct {
	mu       sync.RWMutex
	profiles []config.ConnectionConfig
}

func newConnectionProviders(profiles []config.ConnectionConfig) *connectionProviders {
	return &connectionProviders{profiles: profiles}
}

// Active returns the profile marked default, or the first profile when
// none is marked.
func (p *connectionProviders) Active() (gateway.ConnectionProfile, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.profiles) == 0 {
		return gateway.ConnectionProfile{}, fmt.Errorf("no connection profiles configured")
	}
	for _, c := range p.profiles {
		if c.Default {
			return toProfile(c), nil
		}
	}
	return toProfile(p.profiles[0]), nil
}

// ActiveID returns the active profile's id, or empty when none exists.
func (p *connectionProviders) ActiveID() string {
	profile, err := p.Active()
	if err != nil {
		return ""
	}
	return profile.ID
}

func (p *connectionProviders) List() ([]gateway.ConnectionProfile, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	profiles := make([]gateway.ConnectionProfile, 0, len(p.profiles))
	for _, c := range p.profiles {
		profiles = append(profiles, toProfile(c))
	}
	return profiles, nil
}

func (p *connectionProviders) Get(id string) (gateway.ConnectionProfile, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, c := range p.profiles {
		if c.ID == id {
			return toProfile(c), nil
		}
	}
	return gateway.ConnectionProfile{}, fmt.Errorf("unknown connection: %s", id)
}

// Token returns the configured token for a connection. Tokens never
// appear in profile listings.
func (p *connectionProviders) Token(_ context.Context, connectionID string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, c := range p.profiles {
		if c.ID == connectionID {
			if c.Token == "" {
				return "", fmt.Errorf("no token configured for connection: %s", connectionID)
			}
			return c.Token, nil
		}
	}
	return "", fmt.Errorf("unknown connection: %s", connectionID)
}

func toProfile(c config.ConnectionConfig) gateway.ConnectionProfile {
	return gateway.ConnectionProfile{
		ID:      c.ID,
		Name:    c.Name,
		URL:     c.URL,
		Default: c.Default,
	}
}
