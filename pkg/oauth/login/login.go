package login

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/obot-platform/app-oauth-server/pkg/encryption"
	"github.com/obot-platform/app-oauth-server/pkg/handlerutils"
	"github.com/obot-platform/app-oauth-server/pkg/providers"
	"github.com/obot-platform/app-oauth-server/pkg/security"
	"github.com/obot-platform/app-oauth-server/pkg/session"
	"github.com/obot-platform/app-oauth-server/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

type Store interface {
	StoreAuthRequest(ctx context.Context, key string, data map[string]any) error
	GetAuthRequest(ctx context.Context, key string) (map[string]any, error)
	DeleteAuthRequest(ctx context.Context, key string) error
	UpsertUser(ctx context.Context, user *types.User) error
}

type ProviderLookup interface {
	GetProvider(name string) (providers.Provider, error)
}

type Sessions interface {
	Set(w http.ResponseWriter, r *http.Request, identity session.Identity) error
	Clear(w http.ResponseWriter, r *http.Request)
}

type Revoker interface {
	Revoke(ctx context.Context, token, reason string) (bool, error)
}

type Recorder interface {
	Record(ctx context.Context, event security.Event)
}

// Handler hands users off to an upstream identity provider and turns the result into a session
type Handler struct {
	db        Store
	providers ProviderLookup
	sessions  Sessions
	tokens    Revoker
	monitor   Recorder
	log       *zap.Logger
}

func NewHandler(db Store, providers ProviderLookup, sessions Sessions, tokens Revoker, monitor Recorder, log *zap.Logger) *Handler {
	return &Handler{
		db:        db,
		providers: providers,
		sessions:  sessions,
		tokens:    tokens,
		monitor:   monitor,
		log:       log,
	}
}

// isValidRelativePath validates that a redirect path is relative and safe
func isValidRelativePath(path string) bool {
	// Must start with / and not be a protocol-relative URL
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") {
		return false
	}
	return !strings.Contains(path, "\\")
}

func getString(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func callbackURL(r *http.Request) string {
	return handlerutils.GetBaseURL(r) + "/callback"
}

// Login starts the upstream authorization request
func (p *Handler) Login(w http.ResponseWriter, r *http.Request) {
	returnTo := r.URL.Query().Get("return_to")
	if returnTo == "" {
		returnTo = "/"
	}
	if !isValidRelativePath(returnTo) {
		handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_request", "Invalid return_to path")
		return
	}

	provider, err := p.providers.GetProvider(r.URL.Query().Get("provider"))
	if err != nil {
		handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	state := encryption.GenerateRandomString(32)
	verifier := oauth2.GenerateVerifier()
	if err := p.db.StoreAuthRequest(r.Context(), state, map[string]any{
		"return_to": returnTo,
		"provider":  provider.Name(),
		"verifier":  verifier,
	}); err != nil {
		p.log.Error("Failed to store login request", zap.Error(err))
		handlerutils.OAuthError(w, http.StatusInternalServerError, "server_error", "Failed to start login")
		return
	}

	authURL, err := provider.AuthCodeURL(r.Context(), state, verifier, callbackURL(r))
	if err != nil {
		p.log.Error("Failed to build upstream authorization URL", zap.String("provider", provider.Name()), zap.Error(err))
		handlerutils.OAuthError(w, http.StatusBadGateway, "server_error", "Identity provider unavailable")
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback completes the upstream authorization request and starts a session
func (p *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	event := security.RequestEvent(r, security.ActionLogin, false)
	query := r.URL.Query()

	if upstreamErr := query.Get("error"); upstreamErr != "" {
		p.monitor.Record(r.Context(), event.With("error", upstreamErr))
		handlerutils.OAuthError(w, http.StatusBadRequest, upstreamErr, query.Get("error_description"))
		return
	}

	code, state := query.Get("code"), query.Get("state")
	if code == "" || state == "" {
		p.monitor.Record(r.Context(), event.With("error", "invalid_request"))
		handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_request", "Missing code or state")
		return
	}

	data, err := p.db.GetAuthRequest(r.Context(), state)
	if err != nil {
		p.monitor.Record(r.Context(), event.With("error", "invalid_state").With("reason", "unknown or replayed state, possibly suspicious"))
		handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_request", "Invalid or expired state parameter")
		return
	}
	defer func() {
		if err := p.db.DeleteAuthRequest(r.Context(), state); err != nil {
			p.log.Warn("Failed to delete login request", zap.Error(err))
		}
	}()

	provider, err := p.providers.GetProvider(getString(data, "provider"))
	if err != nil {
		p.monitor.Record(r.Context(), event.With("error", "invalid_request"))
		handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	event = event.WithProvider(provider.Name())

	token, err := provider.Exchange(r.Context(), code, getString(data, "verifier"), callbackURL(r))
	if err != nil {
		p.log.Warn("Failed to exchange upstream code", zap.String("provider", provider.Name()), zap.Error(err))
		p.monitor.Record(r.Context(), event.With("error", "invalid_grant"))
		handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_grant", "Failed to exchange authorization code")
		return
	}

	info, err := provider.UserInfo(r.Context(), token)
	if err != nil {
		p.log.Warn("Failed to get upstream user info", zap.String("provider", provider.Name()), zap.Error(err))
		p.monitor.Record(r.Context(), event.With("error", "invalid_grant"))
		handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_grant", "Failed to get user information")
		return
	}

	user := &types.User{
		ID:          provider.Name() + ":" + info.ID,
		Email:       info.Email,
		Name:        info.Name,
		Provider:    provider.Name(),
		LastLoginAt: time.Now(),
	}
	event = event.WithUser(user.ID)
	if err := p.db.UpsertUser(r.Context(), user); err != nil {
		p.log.Error("Failed to save user", zap.String("user_id", user.ID), zap.Error(err))
		p.monitor.Record(r.Context(), event.With("error", "server_error"))
		handlerutils.OAuthError(w, http.StatusInternalServerError, "server_error", "Failed to save user")
		return
	}

	if err := p.sessions.Set(w, r, session.Identity{
		UserID:   user.ID,
		Name:     user.Name,
		Email:    user.Email,
		Provider: user.Provider,
	}); err != nil {
		p.log.Error("Failed to set session", zap.String("user_id", user.ID), zap.Error(err))
		p.monitor.Record(r.Context(), event.With("error", "server_error"))
		handlerutils.OAuthError(w, http.StatusInternalServerError, "server_error", "Failed to start session")
		return
	}

	event.Success = true
	p.monitor.Record(r.Context(), event)

	returnTo := getString(data, "return_to")
	if !isValidRelativePath(returnTo) {
		returnTo = "/"
	}
	http.Redirect(w, r, handlerutils.GetBaseURL(r)+returnTo, http.StatusFound)
}

// Logout clears the session. A bearer token presented alongside is revoked; invalid
// tokens are ignored.
func (p *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	event := security.RequestEvent(r, security.ActionLogout, true)
	p.sessions.Clear(w, r)

	if token, ok := handlerutils.BearerToken(r); ok {
		revoked, err := p.tokens.Revoke(r.Context(), token, "logout")
		if err != nil {
			p.log.Warn("Failed to revoke token on logout", zap.Error(err))
		}
		event = event.With("token_revoked", revoked)
	}

	p.monitor.Record(r.Context(), event)
	handlerutils.JSON(w, http.StatusOK, map[string]bool{"success": true})
}
