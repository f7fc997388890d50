package revoke

import (
	"context"
	"net/http"

	"github.com/obot-platform/app-oauth-server/pkg/handlerutils"
	"github.com/obot-platform/app-oauth-server/pkg/security"
	"github.com/obot-platform/app-oauth-server/pkg/types"
	"go.uber.org/zap"
)

type ClientValidator interface {
	ValidateClient(ctx context.Context, clientID, clientSecret string) (*types.Client, error)
}

type Revoker interface {
	RevokeForClient(ctx context.Context, token, clientID, reason string) (bool, error)
}

type Recorder interface {
	Record(ctx context.Context, event security.Event)
}

type Handler struct {
	clients ClientValidator
	tokens  Revoker
	monitor Recorder
	log     *zap.Logger
}

func NewHandler(clients ClientValidator, tokens Revoker, monitor Recorder, log *zap.Logger) http.Handler {
	return &Handler{
		clients: clients,
		tokens:  tokens,
		monitor: monitor,
		log:     log,
	}
}

// ServeHTTP implements RFC 7009. Unknown, foreign and already revoked tokens all
// answer 200 so the endpoint reveals nothing about token validity.
func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	event := security.RequestEvent(r, security.ActionTokenRevoke, false)

	if err := r.ParseForm(); err != nil {
		p.monitor.Record(r.Context(), event.With("error", "invalid_request"))
		handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	clientID, clientSecret := handlerutils.ClientCredentials(r)
	event = event.With("client_id", clientID)

	client, err := p.clients.ValidateClient(r.Context(), clientID, clientSecret)
	if err != nil {
		p.monitor.Record(r.Context(), event.With("error", "invalid_client"))
		handlerutils.OAuthError(w, http.StatusUnauthorized, "invalid_client", "Client authentication failed")
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		p.monitor.Record(r.Context(), event.With("error", "invalid_request"))
		handlerutils.OAuthError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	// token_type_hint is accepted but lookups are by hash regardless of type
	revoked, err := p.tokens.RevokeForClient(r.Context(), token, client.ClientID, "client_request")
	if err != nil {
		p.log.Error("Failed to revoke token", zap.String("client_id", client.ClientID), zap.Error(err))
	}

	event.Success = err == nil
	p.monitor.Record(r.Context(), event.With("revoked", revoked).With("token_type_hint", r.PostForm.Get("token_type_hint")))
	w.WriteHeader(http.StatusOK)
}
