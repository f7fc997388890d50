package token

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/obot-platform/app-oauth-server/pkg/handlerutils"
	"github.com/obot-platform/app-oauth-server/pkg/security"
	"github.com/obot-platform/app-oauth-server/pkg/tokens"
	"github.com/obot-platform/app-oauth-server/pkg/types"
	"go.uber.org/zap"
)

var invalidGrantDescriptions = map[string]string{
	"authorization_code": "The authorization code is invalid or expired",
	"refresh_token":      "The refresh token is invalid or expired",
}

type ClientValidator interface {
	ValidateClient(ctx context.Context, clientID, clientSecret string) (*types.Client, error)
}

type TokenService interface {
	ExchangeCode(ctx context.Context, req tokens.ExchangeRequest) (*tokens.Grant, error)
	Refresh(ctx context.Context, refreshToken, clientID string) (*tokens.Grant, error)
}

type Recorder interface {
	Record(ctx context.Context, event security.Event)
}

type Handler struct {
	clients ClientValidator
	tokens  TokenService
	monitor Recorder
	log     *zap.Logger
}

func NewHandler(clients ClientValidator, tokens TokenService, monitor Recorder, log *zap.Logger) http.Handler {
	return &Handler{
		clients: clients,
		tokens:  tokens,
		monitor: monitor,
		log:     log,
	}
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	event := security.RequestEvent(r, security.ActionTokenExchange, false)
	if err := r.ParseForm(); err != nil {
		p.monitor.Record(r.Context(), event.With("error", "invalid_request"))
		handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	grantType := r.PostForm.Get("grant_type")
	if grantType == "refresh_token" {
		event.Action = security.ActionTokenRefresh
	}

	clientID, clientSecret := handlerutils.ClientCredentials(r)
	event = event.With("client_id", clientID)

	client, err := p.clients.ValidateClient(r.Context(), clientID, clientSecret)
	if err != nil {
		p.monitor.Record(r.Context(), event.With("error", "invalid_client"))
		handlerutils.OAuthError(w, http.StatusUnauthorized, "invalid_client", "Client authentication failed")
		return
	}

	var grant *tokens.Grant
	switch grantType {
	case "authorization_code":
		code := r.PostForm.Get("code")
		if code == "" {
			p.monitor.Record(r.Context(), event.With("error", "invalid_request"))
			handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_request", "code is required")
			return
		}
		grant, err = p.tokens.ExchangeCode(r.Context(), tokens.ExchangeRequest{
			Code:         code,
			ClientID:     client.ClientID,
			RedirectURI:  r.PostForm.Get("redirect_uri"),
			CodeVerifier: r.PostForm.Get("code_verifier"),
		})
	case "refresh_token":
		refreshToken := r.PostForm.Get("refresh_token")
		if refreshToken == "" {
			p.monitor.Record(r.Context(), event.With("error", "invalid_request"))
			handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
			return
		}
		grant, err = p.tokens.Refresh(r.Context(), refreshToken, client.ClientID)
	default:
		p.monitor.Record(r.Context(), event.With("error", "unsupported_grant_type").With("grant_type", grantType))
		handlerutils.OAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "The grant type is not supported by this authorization server")
		return
	}

	if errors.Is(err, tokens.ErrInvalidGrant) {
		p.log.Info("Rejected token request", zap.String("client_id", client.ClientID), zap.String("grant_type", grantType), zap.Error(err))
		p.monitor.Record(r.Context(), event.With("error", "invalid_grant"))
		handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_grant", invalidGrantDescriptions[grantType])
		return
	} else if err != nil {
		p.log.Error("Failed to issue tokens", zap.String("client_id", client.ClientID), zap.String("grant_type", grantType), zap.Error(err))
		p.monitor.Record(r.Context(), event.With("error", "server_error"))
		handlerutils.OAuthError(w, http.StatusInternalServerError, "server_error", "Failed to issue tokens")
		return
	}

	event.Success = true
	p.monitor.Record(r.Context(), event.WithUser(grant.UserID))

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	handlerutils.JSON(w, http.StatusOK, types.TokenResponse{
		AccessToken:  grant.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    grant.ExpiresIn,
		RefreshToken: grant.RefreshToken,
		Scope:        strings.Join(grant.Scopes, " "),
	})
}
