package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/oauth2"
)

// UserInfo is the identity an upstream provider vouches for
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Provider is an upstream identity provider users log in with
type Provider interface {
	// AuthCodeURL returns the provider's login URL for a PKCE protected authorization request
	AuthCodeURL(ctx context.Context, state, verifier, redirectURI string) (string, error)

	// Exchange trades the provider's authorization code for its tokens
	Exchange(ctx context.Context, code, verifier, redirectURI string) (*oauth2.Token, error)

	// UserInfo retrieves the user the provider's token belongs to
	UserInfo(ctx context.Context, token *oauth2.Token) (*UserInfo, error)

	// Name identifies the provider in access logs and sessions
	Name() string
}

// Manager holds the configured upstream providers by name
type Manager struct {
	lock      sync.RWMutex
	providers map[string]Provider
	fallback  string
}

func NewManager() *Manager {
	return &Manager{providers: make(map[string]Provider)}
}

// RegisterProvider adds a provider. The first registered provider is the default.
func (m *Manager) RegisterProvider(name string, provider Provider) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if len(m.providers) == 0 {
		m.fallback = name
	}
	m.providers[name] = provider
}

// GetProvider returns a provider by name; an empty name selects the default
func (m *Manager) GetProvider(name string) (Provider, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if name == "" {
		name = m.fallback
	}
	provider, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider '%s' not found", name)
	}
	return provider, nil
}

// ListProviders returns the registered provider names in order
func (m *Manager) ListProviders() []string {
	m.lock.RLock()
	defer m.lock.RUnlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
