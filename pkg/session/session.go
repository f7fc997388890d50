package session

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/obot-platform/app-oauth-server/pkg/encryption"
)

var ErrNoSession = errors.New("no valid session")

// Identity is the verified user behind a browser session
type Identity struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// Claims is the signed payload of a session cookie
type Claims struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Provider string `json:"provider,omitempty"`
	jwt.RegisteredClaims
}

// Manager issues and reads session cookies. Each cookie is an HS256 JWT encrypted with AES-GCM.
type Manager struct {
	signingKey    []byte
	encryptionKey []byte
	ttl           time.Duration
	now           func() time.Time
}

// NewManager creates a session manager with the given signing and encryption keys
func NewManager(signingKey, encryptionKey []byte, ttl time.Duration) (*Manager, error) {
	if len(encryptionKey) != encryption.KeySize {
		return nil, fmt.Errorf("session encryption key must be %d bytes, got %d", encryption.KeySize, len(encryptionKey))
	}
	if len(signingKey) == 0 {
		return nil, errors.New("session signing key is required")
	}
	if ttl <= 0 {
		ttl = DefaultMaxAge * time.Second
	}
	return &Manager{
		signingKey:    signingKey,
		encryptionKey: encryptionKey,
		ttl:           ttl,
		now:           time.Now,
	}, nil
}

// Issue creates an encrypted session value for identity
func (m *Manager) Issue(identity Identity) (string, error) {
	now := m.now()
	claims := Claims{
		Name:     identity.Name,
		Email:    identity.Email,
		Provider: identity.Provider,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign session: %w", err)
	}

	encrypted, err := encryption.Encrypt(m.encryptionKey, []byte(signed))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt session: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(encrypted), nil
}

// Parse decrypts and validates a session value
func (m *Manager) Parse(value string) (*Identity, error) {
	encrypted, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}

	signed, err := encryption.Decrypt(m.encryptionKey, encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(string(signed), claims, func(*jwt.Token) (any, error) {
		return m.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrNoSession)
	}

	return &Identity{
		UserID:   claims.Subject,
		Name:     claims.Name,
		Email:    claims.Email,
		Provider: claims.Provider,
	}, nil
}

// Set writes a session cookie for identity
func (m *Manager) Set(w http.ResponseWriter, r *http.Request, identity Identity) error {
	value, err := m.Issue(identity)
	if err != nil {
		return err
	}
	http.SetCookie(w, newCookie(r, value, int(m.ttl.Seconds())))
	return nil
}

// Current returns the identity of the request's session cookie
func (m *Manager) Current(r *http.Request) (*Identity, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return nil, ErrNoSession
	}
	return m.Parse(cookie.Value)
}

// Clear expires the session cookie
func (m *Manager) Clear(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, newCookie(r, "", clearedCookieAge))
}
