package clients

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/obot-platform/app-oauth-server/pkg/consent"
	"github.com/obot-platform/app-oauth-server/pkg/encryption"
	"github.com/obot-platform/app-oauth-server/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidClient   = errors.New("invalid client")
	ErrNotConfidential = errors.New("client is public and has no secret")
)

// ValidationError describes unacceptable registration metadata
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var statuses = []string{
	types.ClientStatusPending,
	types.ClientStatusActive,
	types.ClientStatusRevoked,
	types.ClientStatusSuspended,
}

// Store persists clients
type Store interface {
	CreateClient(ctx context.Context, client *types.Client) error
	GetClient(ctx context.Context, clientID string) (*types.Client, error)
	UpdateClient(ctx context.Context, client *types.Client) error
	ListClientsByOwner(ctx context.Context, ownerID string) ([]types.Client, error)
}

// Registration is what an owner submits to register an application
type Registration struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	RedirectURI string   `json:"redirect_uri"`
	Scopes      []string `json:"scopes"`
	// Public clients get no secret and must use PKCE
	Public      bool `json:"public"`
	RequirePKCE bool `json:"require_pkce"`
}

// Update carries the owner-editable fields of a client; nil fields are left alone
type Update struct {
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	RedirectURI *string  `json:"redirect_uri"`
	Scopes      []string `json:"scopes"`
	RequirePKCE *bool    `json:"require_pkce"`
}

// StatusChange is an administrative change to a client
type StatusChange struct {
	Status      string `json:"status"`
	TrustedApp  *bool  `json:"trusted_app"`
	AutoApprove *bool  `json:"auto_approve"`
}

// Registry validates and manages registered applications
type Registry struct {
	store        Store
	log          *zap.Logger
	autoActivate bool
	now          func() time.Time
}

// NewRegistry creates a registry. With autoActivate new clients start active
// instead of waiting for an administrator.
func NewRegistry(store Store, log *zap.Logger, autoActivate bool) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{store: store, log: log, autoActivate: autoActivate, now: time.Now}
}

// ValidateClient authenticates a client. Unknown, inactive and mismatched clients all
// fail with ErrInvalidClient. Confidential clients must present their secret; public
// clients must not present one.
func (r *Registry) ValidateClient(ctx context.Context, clientID, clientSecret string) (*types.Client, error) {
	client, err := r.Lookup(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if client.IsPublic() {
		if clientSecret != "" {
			return nil, fmt.Errorf("%w: public client presented a secret", ErrInvalidClient)
		}
		return client, nil
	}

	if clientSecret == "" {
		return nil, fmt.Errorf("%w: client secret is required", ErrInvalidClient)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return nil, fmt.Errorf("%w: client secret does not match", ErrInvalidClient)
	}
	return client, nil
}

// Lookup returns an active client without authenticating it
func (r *Registry) Lookup(ctx context.Context, clientID string) (*types.Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrInvalidClient)
	}

	client, err := r.store.GetClient(ctx, clientID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown client", ErrInvalidClient)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	if client.Status != types.ClientStatusActive {
		return nil, fmt.Errorf("%w: client is %s", ErrInvalidClient, client.Status)
	}
	return client, nil
}

// Register creates a client owned by ownerID. The plaintext secret of a confidential
// client is returned only here.
func (r *Registry) Register(ctx context.Context, ownerID string, reg Registration) (*types.Client, string, error) {
	reg.Name = strings.TrimSpace(reg.Name)
	if reg.Name == "" {
		return nil, "", &ValidationError{Field: "name", Message: "is required"}
	}
	if err := ValidateRedirectURI(reg.RedirectURI); err != nil {
		return nil, "", err
	}
	scopes := types.NormalizeScopes(reg.Scopes)
	if len(scopes) == 0 {
		return nil, "", &ValidationError{Field: "scopes", Message: "at least one scope is required"}
	}
	if err := consent.ValidateScopes(scopes); err != nil {
		return nil, "", &ValidationError{Field: "scopes", Message: err.Error()}
	}

	now := r.now()
	client := &types.Client{
		ClientID:    encryption.GenerateRandomString(16),
		OwnerID:     ownerID,
		Name:        reg.Name,
		Description: reg.Description,
		RedirectURI: reg.RedirectURI,
		Scopes:      scopes,
		Status:      types.ClientStatusPending,
		RequirePKCE: reg.RequirePKCE || reg.Public,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if r.autoActivate {
		client.Status = types.ClientStatusActive
	}

	var secret string
	if !reg.Public {
		var err error
		secret, client.ClientSecretHash, err = newSecret()
		if err != nil {
			return nil, "", err
		}
	}

	if err := r.store.CreateClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to create client: %w", err)
	}

	r.log.Info("Registered client",
		zap.String("client_id", client.ClientID),
		zap.String("owner_id", ownerID),
		zap.String("status", client.Status),
		zap.Bool("public", reg.Public))
	return client, secret, nil
}

// ListForOwner returns the clients registered by ownerID
func (r *Registry) ListForOwner(ctx context.Context, ownerID string) ([]types.Client, error) {
	return r.store.ListClientsByOwner(ctx, ownerID)
}

// GetForOwner returns a client only if ownerID registered it
func (r *Registry) GetForOwner(ctx context.Context, ownerID, clientID string) (*types.Client, error) {
	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.OwnerID != ownerID {
		return nil, types.ErrNotFound
	}
	return client, nil
}

// UpdateForOwner applies an owner's edits to a client
func (r *Registry) UpdateForOwner(ctx context.Context, ownerID, clientID string, update Update) (*types.Client, error) {
	client, err := r.GetForOwner(ctx, ownerID, clientID)
	if err != nil {
		return nil, err
	}

	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return nil, &ValidationError{Field: "name", Message: "is required"}
		}
		client.Name = name
	}
	if update.Description != nil {
		client.Description = *update.Description
	}
	if update.RedirectURI != nil {
		if err := ValidateRedirectURI(*update.RedirectURI); err != nil {
			return nil, err
		}
		client.RedirectURI = *update.RedirectURI
	}
	if update.Scopes != nil {
		scopes := types.NormalizeScopes(update.Scopes)
		if len(scopes) == 0 {
			return nil, &ValidationError{Field: "scopes", Message: "at least one scope is required"}
		}
		if err := consent.ValidateScopes(scopes); err != nil {
			return nil, &ValidationError{Field: "scopes", Message: err.Error()}
		}
		client.Scopes = scopes
	}
	if update.RequirePKCE != nil {
		if client.IsPublic() && !*update.RequirePKCE {
			return nil, &ValidationError{Field: "require_pkce", Message: "public clients must use PKCE"}
		}
		client.RequirePKCE = *update.RequirePKCE
	}

	client.UpdatedAt = r.now()
	if err := r.store.UpdateClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to update client: %w", err)
	}
	return client, nil
}

// RotateSecret replaces a confidential client's secret and returns the new plaintext
func (r *Registry) RotateSecret(ctx context.Context, ownerID, clientID string) (string, error) {
	client, err := r.GetForOwner(ctx, ownerID, clientID)
	if err != nil {
		return "", err
	}
	if client.IsPublic() {
		return "", ErrNotConfidential
	}

	secret, hash, err := newSecret()
	if err != nil {
		return "", err
	}
	client.ClientSecretHash = hash
	client.UpdatedAt = r.now()
	if err := r.store.UpdateClient(ctx, client); err != nil {
		return "", fmt.Errorf("failed to update client: %w", err)
	}

	r.log.Info("Rotated client secret", zap.String("client_id", clientID))
	return secret, nil
}

// SetStatus approves, suspends or revokes a client and toggles its trust flags
func (r *Registry) SetStatus(ctx context.Context, clientID string, change StatusChange) (*types.Client, error) {
	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if change.Status != "" {
		if !slices.Contains(statuses, change.Status) {
			return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("must be one of %s", strings.Join(statuses, ", "))}
		}
		client.Status = change.Status
	}
	if change.TrustedApp != nil {
		client.TrustedApp = *change.TrustedApp
	}
	if change.AutoApprove != nil {
		client.AutoApprove = *change.AutoApprove
	}

	client.UpdatedAt = r.now()
	if err := r.store.UpdateClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to update client: %w", err)
	}

	r.log.Info("Changed client status",
		zap.String("client_id", clientID),
		zap.String("status", client.Status),
		zap.Bool("trusted_app", client.TrustedApp),
		zap.Bool("auto_approve", client.AutoApprove))
	return client, nil
}

// ValidateRedirectURI accepts absolute http(s) URIs without a fragment
func ValidateRedirectURI(raw string) error {
	if raw == "" {
		return &ValidationError{Field: "redirect_uri", Message: "is required"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Field: "redirect_uri", Message: "is not a valid URI"}
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return &ValidationError{Field: "redirect_uri", Message: "must use http or https"}
	}
	if u.Host == "" {
		return &ValidationError{Field: "redirect_uri", Message: "must be absolute"}
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return &ValidationError{Field: "redirect_uri", Message: "must not contain a fragment"}
	}
	return nil
}

func newSecret() (string, string, error) {
	secret := encryption.GenerateRandomString(32)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return secret, string(hash), nil
}
