package validate

import (
	"context"
	"net/http"
	"strings"

	"github.com/obot-platform/app-oauth-server/pkg/consent"
	"github.com/obot-platform/app-oauth-server/pkg/handlerutils"
	"github.com/obot-platform/app-oauth-server/pkg/security"
	"github.com/obot-platform/app-oauth-server/pkg/tokens"
	"github.com/obot-platform/app-oauth-server/pkg/types"
	"go.uber.org/zap"
)

type Verifier interface {
	Verify(ctx context.Context, token, expectedType string) (*tokens.Claims, error)
}

type UsageRecorder interface {
	RecordUsage(ctx context.Context, userID, clientID string, scopes []string) error
}

type Recorder interface {
	Record(ctx context.Context, event security.Event)
}

type TokenValidator struct {
	tokens  Verifier
	usage   UsageRecorder
	monitor Recorder
	log     *zap.Logger
}

func NewTokenValidator(tokens Verifier, usage UsageRecorder, monitor Recorder, log *zap.Logger) *TokenValidator {
	return &TokenValidator{
		tokens:  tokens,
		usage:   usage,
		monitor: monitor,
		log:     log,
	}
}

// Require admits requests carrying an active access token that grants every scope listed
func (p *TokenValidator) Require(scopes ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			event := security.RequestEvent(r, security.ActionResourceAccess, false).With("path", r.URL.Path)

			token, ok := handlerutils.BearerToken(r)
			if !ok {
				p.monitor.Record(r.Context(), event.With("error", "invalid_token"))
				handlerutils.ResourceError(w, http.StatusUnauthorized, "invalid_token", "Missing or malformed Authorization header")
				return
			}

			claims, err := p.tokens.Verify(r.Context(), token, types.TokenTypeAccess)
			if err != nil {
				p.monitor.Record(r.Context(), event.With("error", "invalid_token"))
				handlerutils.ResourceError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired token")
				return
			}
			event = event.WithUser(claims.Subject).With("client_id", claims.App)

			if missing := consent.Subset(scopes, claims.Scopes); len(missing) > 0 {
				p.monitor.Record(r.Context(), event.With("error", "insufficient_scope"))
				handlerutils.ResourceError(w, http.StatusForbidden, "insufficient_scope", "Token is missing required scopes: "+strings.Join(missing, ", "))
				return
			}

			if len(scopes) > 0 {
				if err := p.usage.RecordUsage(r.Context(), claims.Subject, claims.App, scopes); err != nil {
					p.log.Warn("Failed to record scope usage", zap.String("client_id", claims.App), zap.Error(err))
				}
			}

			next(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		}
	}
}

// GetClaims returns the verified claims of a request admitted by Require
func GetClaims(r *http.Request) *tokens.Claims {
	claims, _ := r.Context().Value(claimsKey{}).(*tokens.Claims)
	return claims
}

type claimsKey struct{}
