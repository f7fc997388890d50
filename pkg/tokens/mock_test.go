package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/obot-platform/app-oauth-server/pkg/encryption"
	"github.com/obot-platform/app-oauth-server/pkg/types"
)

// MockStore implements ClientStore and TokenStore in memory for testing
type MockStore struct {
	mu      sync.Mutex
	clients map[string]*types.Client
	tokens  map[string]*types.Token
	// getTokenErr, when set, is returned by every GetToken call
	getTokenErr error
}

func NewMockStore(clients ...*types.Client) *MockStore {
	m := &MockStore{
		clients: make(map[string]*types.Client),
		tokens:  make(map[string]*types.Token),
	}
	for _, c := range clients {
		m.clients[c.ClientID] = c
	}
	return m
}

func (m *MockStore) GetClient(_ context.Context, clientID string) (*types.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return nil, types.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (m *MockStore) IncrementClientTokens(_ context.Context, clientID string, n int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[clientID]; ok {
		c.TokensIssued += n
		c.ActiveTokens += n
		c.LastUsedAt = &now
	}
	return nil
}

func (m *MockStore) DecrementClientActiveTokens(_ context.Context, clientID string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[clientID]; ok {
		c.ActiveTokens = max(0, c.ActiveTokens-n)
	}
	return nil
}

func (m *MockStore) StoreToken(_ context.Context, value string, token *types.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	token.TokenHash = encryption.HashToken(value)
	copied := *token
	m.tokens[token.TokenHash] = &copied
	return nil
}

func (m *MockStore) GetToken(_ context.Context, value string) (*types.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getTokenErr != nil {
		return nil, m.getTokenErr
	}
	t, ok := m.tokens[encryption.HashToken(value)]
	if !ok {
		return nil, types.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (m *MockStore) ConsumeAuthCode(_ context.Context, code, clientID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[encryption.HashToken(code)]
	if !ok || t.ClientID != clientID || t.Status != types.TokenStatusActive || !t.ExpiresAt.After(now) {
		return false, nil
	}
	t.Status = types.TokenStatusUsed
	return true, nil
}

func (m *MockStore) RevokeToken(_ context.Context, value, reason string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getTokenErr != nil {
		return false, m.getTokenErr
	}
	t, ok := m.tokens[encryption.HashToken(value)]
	if !ok || t.Status != types.TokenStatusActive {
		return false, nil
	}
	t.Status = types.TokenStatusRevoked
	t.RevocationReason = reason
	t.RevokedAt = &now
	return true, nil
}

func (m *MockStore) RevokeTokensFor(_ context.Context, userID, clientID, reason string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.tokens {
		if t.UserID != userID || t.ClientID != clientID || t.Status != types.TokenStatusActive {
			continue
		}
		t.Status = types.TokenStatusRevoked
		t.RevocationReason = reason
		t.RevokedAt = &now
		if t.TokenType != types.TokenTypeAuthorizationCode {
			n++
		}
	}
	return n, nil
}

func (m *MockStore) TouchToken(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.ID == id {
			t.LastUsedAt = &now
		}
	}
	return nil
}

func (m *MockStore) CleanupExpiredTokens(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for hash, t := range m.tokens {
		if t.ExpiresAt.Before(now) {
			delete(m.tokens, hash)
			n++
		}
	}
	return n, nil
}

func (m *MockStore) client(clientID string) types.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.clients[clientID]
}
