package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const githubUserinfoEndpoint = "https://api.github.com/user"

// Metadata is the subset of an authorization server discovery document the login flow needs
type Metadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
}

// GenericProvider logs users in with any OAuth2 or OpenID Connect provider, discovering its
// endpoints from the authorize URL's host
type GenericProvider struct {
	name         string
	clientID     string
	clientSecret string
	authorizeURL string
	scopes       []string
	httpClient   *http.Client
	log          *zap.Logger

	lock     sync.Mutex
	metadata *Metadata
}

// NewGenericProvider creates a provider for the upstream authorize URL
func NewGenericProvider(clientID, clientSecret, authorizeURL string, scopes []string, log *zap.Logger) (*GenericProvider, error) {
	parsed, err := url.Parse(authorizeURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid authorize URL %q", authorizeURL)
	}
	if log == nil {
		log = zap.NewNop()
	}

	name := parsed.Hostname()
	if name == "github.com" {
		name = "github"
	}

	return &GenericProvider{
		name:         name,
		clientID:     clientID,
		clientSecret: clientSecret,
		authorizeURL: authorizeURL,
		scopes:       scopes,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}, nil
}

// discover fetches the provider's metadata once, falling back to conventional paths
func (p *GenericProvider) discover(ctx context.Context) (*Metadata, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.metadata != nil {
		return p.metadata, nil
	}

	parsedURL, err := url.Parse(p.authorizeURL)
	if err != nil {
		return nil, fmt.Errorf("invalid authorize URL: %w", err)
	}
	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)

	wellKnownPaths := []string{
		"/.well-known/oauth-authorization-server",
		"/.well-known/openid-configuration",
	}
	for _, path := range wellKnownPaths {
		metadata, err := p.fetchMetadata(ctx, baseURL+path)
		if err != nil {
			p.log.Debug("Metadata discovery failed", zap.String("url", baseURL+path), zap.Error(err))
			continue
		}
		// GitHub publishes no userinfo endpoint
		if metadata.UserinfoEndpoint == "" && parsedURL.Host == "github.com" {
			metadata.UserinfoEndpoint = githubUserinfoEndpoint
		}
		p.metadata = metadata
		return metadata, nil
	}

	p.metadata = &Metadata{
		Issuer:                baseURL,
		AuthorizationEndpoint: p.authorizeURL,
		TokenEndpoint:         baseURL + "/token",
		UserinfoEndpoint:      baseURL + "/userinfo",
	}
	if parsedURL.Host == "github.com" {
		p.metadata.TokenEndpoint = "https://github.com/login/oauth/access_token"
		p.metadata.UserinfoEndpoint = githubUserinfoEndpoint
	}
	return p.metadata, nil
}

func (p *GenericProvider) fetchMetadata(ctx context.Context, metadataURL string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			p.log.Warn("Error closing response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch metadata: %s", resp.Status)
	}

	var metadata Metadata
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if metadata.AuthorizationEndpoint == "" || metadata.TokenEndpoint == "" {
		return nil, fmt.Errorf("metadata at %s is missing endpoints", metadataURL)
	}
	return &metadata, nil
}

func (p *GenericProvider) config(metadata *Metadata, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       p.scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  metadata.AuthorizationEndpoint,
			TokenURL: metadata.TokenEndpoint,
		},
	}
}

// AuthCodeURL returns the provider's login URL
func (p *GenericProvider) AuthCodeURL(ctx context.Context, state, verifier, redirectURI string) (string, error) {
	metadata, err := p.discover(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to discover endpoints: %w", err)
	}
	return p.config(metadata, redirectURI).AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// Exchange trades an authorization code for the provider's tokens
func (p *GenericProvider) Exchange(ctx context.Context, code, verifier, redirectURI string) (*oauth2.Token, error) {
	metadata, err := p.discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to discover endpoints: %w", err)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	return p.config(metadata, redirectURI).Exchange(ctx, code, oauth2.VerifierOption(verifier))
}

// UserInfo retrieves the user behind a provider token
func (p *GenericProvider) UserInfo(ctx context.Context, token *oauth2.Token) (*UserInfo, error) {
	metadata, err := p.discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to discover endpoints: %w", err)
	}
	if metadata.UserinfoEndpoint == "" {
		return nil, fmt.Errorf("userinfo endpoint not available")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadata.UserinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	resp, err := p.config(metadata, "").Client(ctx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			p.log.Warn("Error closing response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed: %s", resp.Status)
	}

	var userInfoResp map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&userInfoResp); err != nil {
		return nil, fmt.Errorf("failed to decode user info response: %w", err)
	}

	userInfo := &UserInfo{
		ID:    getString(userInfoResp, "sub"),
		Email: getString(userInfoResp, "email"),
		Name:  getString(userInfoResp, "name"),
	}
	if metadata.UserinfoEndpoint == githubUserinfoEndpoint {
		userInfo.ID = getString(userInfoResp, "login")
	}
	// If sub is not available, try other common ID fields
	if userInfo.ID == "" {
		userInfo.ID = getString(userInfoResp, "id")
	}
	if userInfo.ID == "" {
		return nil, fmt.Errorf("userinfo response has no subject")
	}
	return userInfo, nil
}

// Name returns the provider name
func (p *GenericProvider) Name() string {
	return p.name
}

func getString(m map[string]any, key string) string {
	switch val := m[key].(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return fmt.Sprintf("%.0f", val)
	}
	return ""
}
