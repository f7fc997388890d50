package userinfo

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/obot-platform/app-oauth-server/pkg/consent"
	"github.com/obot-platform/app-oauth-server/pkg/handlerutils"
	"github.com/obot-platform/app-oauth-server/pkg/oauth/validate"
	"github.com/obot-platform/app-oauth-server/pkg/types"
	"go.uber.org/zap"
)

type UserStore interface {
	GetUser(ctx context.Context, userID string) (*types.User, error)
}

type Handler struct {
	users UserStore
	log   *zap.Logger
}

// NewHandler serves the user behind an access token. It must sit behind
// validate.Require(consent.ScopeProfileRead).
func NewHandler(users UserStore, log *zap.Logger) http.Handler {
	return &Handler{users: users, log: log}
}

type response struct {
	Sub      string `json:"sub"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Provider string `json:"provider,omitempty"`
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims := validate.GetClaims(r)
	if claims == nil {
		handlerutils.ResourceError(w, http.StatusUnauthorized, "invalid_token", "Missing access token")
		return
	}

	user, err := p.users.GetUser(r.Context(), claims.Subject)
	if errors.Is(err, types.ErrNotFound) {
		handlerutils.ResourceError(w, http.StatusNotFound, "not_found", "User not found")
		return
	} else if err != nil {
		p.log.Error("Failed to get user", zap.String("user_id", claims.Subject), zap.Error(err))
		handlerutils.ResourceError(w, http.StatusInternalServerError, "server_error", "Failed to get user")
		return
	}

	resp := response{
		Sub:      user.ID,
		Name:     user.Name,
		Provider: user.Provider,
	}
	if slices.Contains(claims.Scopes, consent.ScopeEmailRead) {
		resp.Email = user.Email
	}
	handlerutils.JSON(w, http.StatusOK, resp)
}
