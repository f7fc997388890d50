package authorize

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
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

type ConsentChecker interface {
	CheckPermissions(ctx context.Context, userID, clientID string, requested []string) (*consent.Check, error)
}

type CodeIssuer interface {
	IssueCode(ctx context.Context, req tokens.CodeRequest) (string, error)
}

type SessionReader interface {
	Current(r *http.Request) (*session.Identity, error)
}

type Recorder interface {
	Record(ctx context.Context, event security.Event)
}

type Handler struct {
	clients    ClientLookup
	consent    ConsentChecker
	codes      CodeIssuer
	sessions   SessionReader
	monitor    Recorder
	consentURL string
	log        *zap.Logger
}

func NewHandler(clients ClientLookup, consent ConsentChecker, codes CodeIssuer, sessions SessionReader, monitor Recorder, consentURL string, log *zap.Logger) http.Handler {
	return &Handler{
		clients:    clients,
		consent:    consent,
		codes:      codes,
		sessions:   sessions,
		monitor:    monitor,
		consentURL: consentURL,
		log:        log,
	}
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Get parameters from query or form
	var params url.Values
	if r.Method == http.MethodGet {
		params = r.URL.Query()
	} else {
		if err := r.ParseForm(); err != nil {
			handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_request", "Failed to parse form data")
			return
		}
		params = r.Form
	}

	authReq := types.AuthRequest{
		ResponseType:        params.Get("response_type"),
		ClientID:            params.Get("client_id"),
		RedirectURI:         params.Get("redirect_uri"),
		Scope:               params.Get("scope"),
		State:               params.Get("state"),
		CodeChallenge:       params.Get("code_challenge"),
		CodeChallengeMethod: params.Get("code_challenge_method"),
	}

	event := security.RequestEvent(r, security.ActionAuthorize, false).With("client_id", authReq.ClientID)

	// Until the client and its redirect URI check out, errors cannot be redirected
	if authReq.ClientID == "" || authReq.RedirectURI == "" {
		p.monitor.Record(r.Context(), event.With("error", "invalid_request"))
		handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_request", "client_id and redirect_uri are required")
		return
	}

	client, err := p.clients.Lookup(r.Context(), authReq.ClientID)
	if err != nil {
		p.monitor.Record(r.Context(), event.With("error", "invalid_client"))
		handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_client", "Client not found or not active")
		return
	}
	if client.RedirectURI != authReq.RedirectURI {
		p.monitor.Record(r.Context(), event.With("error", "invalid_request").With("redirect_uri", authReq.RedirectURI))
		handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri does not match the registered redirect URI")
		return
	}

	fail := func(code, description string) {
		p.monitor.Record(r.Context(), event.With("error", code))
		handlerutils.RedirectWithError(w, r, authReq.RedirectURI, code, description, authReq.State)
	}

	if authReq.ResponseType != "code" {
		fail("unsupported_response_type", "Only the 'code' response type is supported")
		return
	}

	scopes := types.ParseScopes(authReq.Scope)
	if len(scopes) == 0 {
		scopes = client.Scopes
	}
	if err := consent.ValidateScopes(scopes); err != nil {
		fail("invalid_scope", err.Error())
		return
	}
	if undeclared := consent.Subset(scopes, client.Scopes); len(undeclared) > 0 {
		fail("invalid_scope", "Scopes not registered for this client: "+strings.Join(undeclared, ", "))
		return
	}

	if client.RequirePKCE && authReq.CodeChallenge == "" {
		fail("invalid_request", "code_challenge is required for this client")
		return
	}
	method, err := tokens.NormalizeChallengeMethod(authReq.CodeChallenge, authReq.CodeChallengeMethod)
	if err != nil {
		fail("invalid_request", err.Error())
		return
	}

	identity, err := p.sessions.Current(r)
	if err != nil {
		http.Redirect(w, r, handlerutils.AppendQuery("/login", url.Values{"return_to": {r.URL.RequestURI()}}), http.StatusFound)
		return
	}
	event = event.WithUser(identity.UserID)

	check, err := p.consent.CheckPermissions(r.Context(), identity.UserID, client.ClientID, scopes)
	if err != nil {
		p.log.Error("Failed to check permissions", zap.String("client_id", client.ClientID), zap.Error(err))
		fail("server_error", "Failed to check permissions")
		return
	}

	if !client.AutoApprove || !check.Granted {
		event.Success = true
		p.monitor.Record(r.Context(), event.With("consent", "required"))
		http.Redirect(w, r, handlerutils.AppendQuery(p.consentURL, url.Values{
			"client_id":             {client.ClientID},
			"client_name":           {client.Name},
			"redirect_uri":          {authReq.RedirectURI},
			"scope":                 {strings.Join(scopes, " ")},
			"state":                 {authReq.State},
			"code_challenge":        {authReq.CodeChallenge},
			"code_challenge_method": {method},
			"missing_scopes":        {strings.Join(check.MissingScopes, " ")},
			"granted_scopes":        {strings.Join(check.GrantedScopes, " ")},
			"trusted":               {strconv.FormatBool(client.TrustedApp)},
		}), http.StatusFound)
		return
	}

	code, err := p.codes.IssueCode(r.Context(), tokens.CodeRequest{
		UserID:              identity.UserID,
		ClientID:            client.ClientID,
		Scopes:              scopes,
		RedirectURI:         authReq.RedirectURI,
		CodeChallenge:       authReq.CodeChallenge,
		CodeChallengeMethod: method,
	})
	if errors.Is(err, tokens.ErrRedirectURIMismatch) || errors.Is(err, tokens.ErrPKCERequired) || errors.Is(err, tokens.ErrUnsupportedChallengeMethod) {
		fail("invalid_request", err.Error())
		return
	} else if err != nil {
		p.log.Error("Failed to issue authorization code", zap.String("client_id", client.ClientID), zap.Error(err))
		fail("server_error", "Failed to issue authorization code")
		return
	}

	event.Success = true
	p.monitor.Record(r.Context(), event.With("consent", "auto_approved"))
	http.Redirect(w, r, handlerutils.AppendQuery(authReq.RedirectURI, url.Values{
		"code":  {code},
		"state": {authReq.State},
	}), http.StatusFound)
}
