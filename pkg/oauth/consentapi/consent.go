package consentapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/obot-platform/app-oauth-server/pkg/consent"
	"github.com/obot-platform/app-oauth-server/pkg/handlerutils"
	"github.com/obot-platform/app-oauth-server/pkg/security"
	"github.com/obot-platform/app-oauth-server/pkg/session"
	"github.com/obot-platform/app-oauth-server/pkg/tokens"
	"github.com/obot-platform/app-oauth-server/pkg/types"
	"go.uber.org/zap"
)

type ClientLookup interface {
	Lookup(ctx context.Context, clientID string) (*types.Client, error)
}

type ConsentStore interface {
	Approve(ctx context.Context, userID, clientID string, scopes []string, metadata map[string]any, opts ...consent.ApproveOption) (*types.Permission, error)
	RevokeScopes(ctx context.Context, userID, clientID string, scopes []string, metadata map[string]any) (*types.Permission, error)
	ListForUser(ctx context.Context, userID string) ([]types.Permission, error)
}

type TokenService interface {
	IssueCode(ctx context.Context, req tokens.CodeRequest) (string, error)
	RevokeAll(ctx context.Context, userID, clientID, reason string) (int64, error)
}

type SessionReader interface {
	Current(r *http.Request) (*session.Identity, error)
}

type Recorder interface {
	Record(ctx context.Context, event security.Event)
}

type Handler struct {
	clients  ClientLookup
	consent  ConsentStore
	tokens   TokenService
	sessions SessionReader
	monitor  Recorder
	log      *zap.Logger
}

func NewHandler(clients ClientLookup, consent ConsentStore, tokens TokenService, sessions SessionReader, monitor Recorder, log *zap.Logger) *Handler {
	return &Handler{
		clients:  clients,
		consent:  consent,
		tokens:   tokens,
		sessions: sessions,
		monitor:  monitor,
		log:      log,
	}
}

// decisionRequest is posted by the consent screen
type decisionRequest struct {
	ClientID            string   `json:"client_id"`
	RedirectURI         string   `json:"redirect_uri"`
	State               string   `json:"state"`
	ApprovedScopes      []string `json:"approved_scopes"`
	CodeChallenge       string   `json:"code_challenge"`
	CodeChallengeMethod string   `json:"code_challenge_method"`
}

type redirectResponse struct {
	RedirectURL string `json:"redirectUrl"`
}

type revokeRequest struct {
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
}

type revokeResponse struct {
	Permission    *types.Permission `json:"permission"`
	RevokedTokens int64             `json:"revoked_tokens"`
}

func (p *Handler) identity(w http.ResponseWriter, r *http.Request, event security.Event) (*session.Identity, bool) {
	identity, err := p.sessions.Current(r)
	if err != nil {
		p.monitor.Record(r.Context(), event.With("error", "login_required"))
		handlerutils.ResourceError(w, http.StatusUnauthorized, "login_required", "A signed in user is required")
		return nil, false
	}
	return identity, true
}

// decision validates a consent screen post, responding with an error when it is unusable
func (p *Handler) decision(w http.ResponseWriter, r *http.Request, event security.Event) (*decisionRequest, *types.Client, bool) {
	var req decisionRequest
	if err := handlerutils.DecodeJSON(r, &req); err != nil {
		p.monitor.Record(r.Context(), event.With("error", "invalid_request"))
		handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return nil, nil, false
	}

	client, err := p.clients.Lookup(r.Context(), req.ClientID)
	if err != nil {
		p.monitor.Record(r.Context(), event.With("error", "invalid_client").With("client_id", req.ClientID))
		handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_client", "Client not found or not active")
		return nil, nil, false
	}
	if client.RedirectURI != req.RedirectURI {
		p.monitor.Record(r.Context(), event.With("error", "invalid_request").With("client_id", req.ClientID))
		handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri does not match the registered redirect URI")
		return nil, nil, false
	}
	return &req, client, true
}

// Approve records the user's approval and issues an authorization code
func (p *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	event := security.RequestEvent(r, security.ActionConsentApprove, false)
	identity, ok := p.identity(w, r, event)
	if !ok {
		return
	}
	event = event.WithUser(identity.UserID)

	req, client, ok := p.decision(w, r, event)
	if !ok {
		return
	}
	event = event.With("client_id", client.ClientID)

	scopes := types.NormalizeScopes(req.ApprovedScopes)
	if len(scopes) == 1 && strings.Contains(scopes[0], " ") {
		scopes = types.ParseScopes(scopes[0])
	}
	if err := consent.ValidateScopes(scopes); err != nil {
		p.monitor.Record(r.Context(), event.With("error", "invalid_scope"))
		handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_scope", err.Error())
		return
	}
	if undeclared := consent.Subset(scopes, client.Scopes); len(undeclared) > 0 {
		p.monitor.Record(r.Context(), event.With("error", "invalid_scope"))
		handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_scope", "Scopes not registered for this client: "+strings.Join(undeclared, ", "))
		return
	}

	_, err := p.consent.Approve(r.Context(), identity.UserID, client.ClientID, scopes, map[string]any{
		"ip":         handlerutils.GetClientIP(r),
		"user_agent": r.UserAgent(),
	})
	if errors.Is(err, consent.ErrNoScopes) {
		p.monitor.Record(r.Context(), event.With("error", "invalid_scope"))
		handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_scope", err.Error())
		return
	} else if err != nil {
		p.log.Error("Failed to save consent", zap.String("client_id", client.ClientID), zap.Error(err))
		p.monitor.Record(r.Context(), event.With("error", "server_error"))
		handlerutils.OAuthError(w, http.StatusInternalServerError, "server_error", "Failed to save consent")
		return
	}

	code, err := p.tokens.IssueCode(r.Context(), tokens.CodeRequest{
		UserID:              identity.UserID,
		ClientID:            client.ClientID,
		Scopes:              scopes,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	})
	if errors.Is(err, tokens.ErrPKCERequired) || errors.Is(err, tokens.ErrUnsupportedChallengeMethod) || errors.Is(err, tokens.ErrRedirectURIMismatch) {
		p.monitor.Record(r.Context(), event.With("error", "invalid_request"))
		handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	} else if err != nil {
		p.log.Error("Failed to issue authorization code", zap.String("client_id", client.ClientID), zap.Error(err))
		p.monitor.Record(r.Context(), event.With("error", "server_error"))
		handlerutils.OAuthError(w, http.StatusInternalServerError, "server_error", "Failed to issue authorization code")
		return
	}

	event.Success = true
	p.monitor.Record(r.Context(), event.With("scopes", strings.Join(scopes, " ")))
	handlerutils.JSON(w, http.StatusOK, redirectResponse{
		RedirectURL: handlerutils.AppendQuery(req.RedirectURI, url.Values{
			"code":  {code},
			"state": {req.State},
		}),
	})
}

// Deny sends the user back to the client with access_denied
func (p *Handler) Deny(w http.ResponseWriter, r *http.Request) {
	event := security.RequestEvent(r, security.ActionConsentDeny, false)
	identity, ok := p.identity(w, r, event)
	if !ok {
		return
	}
	event = event.WithUser(identity.UserID)

	req, client, ok := p.decision(w, r, event)
	if !ok {
		return
	}

	event.Success = true
	p.monitor.Record(r.Context(), event.With("client_id", client.ClientID))
	handlerutils.JSON(w, http.StatusOK, redirectResponse{
		RedirectURL: handlerutils.AppendQuery(req.RedirectURI, url.Values{
			"error":             {"access_denied"},
			"error_description": {"The user denied the request"},
			"state":             {req.State},
		}),
	})
}

// List returns the signed in user's consent records
func (p *Handler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := p.identity(w, r, security.RequestEvent(r, security.ActionConsentRevoke, false))
	if !ok {
		return
	}

	permissions, err := p.consent.ListForUser(r.Context(), identity.UserID)
	if err != nil {
		p.log.Error("Failed to list permissions", zap.String("user_id", identity.UserID), zap.Error(err))
		handlerutils.ResourceError(w, http.StatusInternalServerError, "server_error", "Failed to list consents")
		return
	}
	if permissions == nil {
		permissions = []types.Permission{}
	}
	handlerutils.JSON(w, http.StatusOK, permissions)
}

// Revoke withdraws scopes from a client. Once nothing remains approved every token the
// client holds for the user is revoked too.
func (p *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	event := security.RequestEvent(r, security.ActionConsentRevoke, false)
	identity, ok := p.identity(w, r, event)
	if !ok {
		return
	}
	event = event.WithUser(identity.UserID)

	var req revokeRequest
	if err := handlerutils.DecodeJSON(r, &req); err != nil || req.ClientID == "" {
		p.monitor.Record(r.Context(), event.With("error", "invalid_request"))
		handlerutils.ResourceError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}
	event = event.With("client_id", req.ClientID)

	permission, err := p.consent.RevokeScopes(r.Context(), identity.UserID, req.ClientID, req.Scopes, map[string]any{
		"ip":         handlerutils.GetClientIP(r),
		"user_agent": r.UserAgent(),
	})
	if errors.Is(err, types.ErrNotFound) {
		p.monitor.Record(r.Context(), event.With("error", "not_found"))
		handlerutils.ResourceError(w, http.StatusNotFound, "not_found", "No consent recorded for this client")
		return
	} else if err != nil {
		p.log.Error("Failed to revoke consent", zap.String("client_id", req.ClientID), zap.Error(err))
		p.monitor.Record(r.Context(), event.With("error", "server_error"))
		handlerutils.ResourceError(w, http.StatusInternalServerError, "server_error", "Failed to revoke consent")
		return
	}

	resp := revokeResponse{Permission: permission}
	if permission.Status == types.PermissionStatusRevoked {
		resp.RevokedTokens, err = p.tokens.RevokeAll(r.Context(), identity.UserID, req.ClientID, "consent_revoked")
		if err != nil {
			p.log.Error("Failed to revoke tokens", zap.String("client_id", req.ClientID), zap.Error(err))
			p.monitor.Record(r.Context(), event.With("error", "server_error"))
			handlerutils.ResourceError(w, http.StatusInternalServerError, "server_error", "Failed to revoke tokens")
			return
		}
	}

	event.Success = true
	p.monitor.Record(r.Context(), event.With("revoked_tokens", resp.RevokedTokens))
	handlerutils.JSON(w, http.StatusOK, resp)
}
