package daemon

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkent/workbench/internal/config"
)

func testProfiles() []config.ConnectionConfig {
	return []config.ConnectionConfig{
		{ID: "staging", Name: "Staging", URL: "https://staging.example.com", Token: "tok-staging"},
		{ID: "prod", Name: "Production", URL: "https://prod.example.com", Token: "tok-prod", Default: true},
	}
}

func TestConnectionProviders_Active(t *testing.T) {
	t.Run("should prefer the default profile", func(t *testing.T) {
		p := newConnectionProviders(testProfiles())

		active, err := p.Active()
		require.NoError(t, err)
		assert.Equal(t, "prod", active.ID)
		assert.Equal(t, "prod", p.ActiveID())
	})

	t.Run("should fall back to the first profile", func(t *testing.T) {
		profiles := testProfiles()
		profiles[1].Default = false
		p := newConnectionProviders(profiles)

		active, err := p.Active()
		require.NoError(t, err)
		assert.Equal(t, "staging", active.ID)
	})

	t.Run("should error with no profiles", func(t *testing.T) {
		p := newConnectionProviders(nil)

		_, err := p.Active()
		assert.Error(t, err)
		assert.Empty(t, p.ActiveID())
	})
}

func TestConnectionProviders_ListAndGet(t *testing.T) {
	p := newConnectionProviders(testProfiles())

	profiles, err := p.List()
	require.NoError(t, err)
	assert.Len(t, profiles, 2)

	profile, err := p.Get("staging")
	require.NoError(t, err)
	assert.Equal(t, "https://staging.example.com", profile.URL)

	_, err = p.Get("nonexistent")
	assert.Error(t, err)
}

func TestConnectionProviders_Token(t *testing.T) {
	p := newConnectionProviders(testProfiles())

	t.Run("should return the configured token", func(t *testing.T) {
		token, err := p.Token(context.Background(), "prod")
		require.NoError(t, err)
		assert.Equal(t, "tok-prod", token)
	})

	t.Run("should not leak tokens through profile listings", func(t *testing.T) {
		profiles, err := p.List()
		require.NoError(t, err)
		for _, profile := range profiles {
			assert.NotContains(t, []string{profile.Name, profile.URL}, "tok-prod")
		}
	})

	t.Run("should error for unknown connections", func(t *testing.T) {
		_, err := p.Token(context.Background(), "nonexistent")
		assert.Error(t, err)
	})

	t.Run("should error when no token is configured", func(t *testing.T) {
		p := newConnectionProviders([]config.ConnectionConfig{{ID: "anon"}})
		_, err := p.Token(context.Background(), "anon")
		assert.Error(t, err)
	})
}
