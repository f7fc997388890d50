package securityapi

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/obot-platform/app-oauth-server/pkg/handlerutils"
	"github.com/obot-platform/app-oauth-server/pkg/oauth/validate"
	"github.com/obot-platform/app-oauth-server/pkg/security"
	"github.com/obot-platform/app-oauth-server/pkg/types"
	"go.uber.org/zap"
)

type Monitor interface {
	GetAnalytics(ctx context.Context, start, end time.Time, userID string) (*security.Analytics, error)
	Alerts(ctx context.Context, filter types.AlertFilter) ([]types.SecurityAlert, error)
	ResolveAlert(ctx context.Context, id string) error
}

type UserStore interface {
	GetUser(ctx context.Context, userID string) (*types.User, error)
}

// Handler exposes security analytics and alerts to administrators. Routes must sit
// behind validate.Require(consent.ScopeAdminRead).
type Handler struct {
	monitor Monitor
	users   UserStore
	admins  []string
	log     *zap.Logger
}

func NewHandler(monitor Monitor, users UserStore, admins []string, log *zap.Logger) *Handler {
	return &Handler{
		monitor: monitor,
		users:   users,
		admins:  admins,
		log:     log,
	}
}

// admin checks the token subject against the administrator list, by id or by email
func (p *Handler) admin(w http.ResponseWriter, r *http.Request) bool {
	claims := validate.GetClaims(r)
	if claims == nil {
		handlerutils.ResourceError(w, http.StatusUnauthorized, "invalid_token", "Missing access token")
		return false
	}
	if slices.Contains(p.admins, claims.Subject) {
		return true
	}
	if user, err := p.users.GetUser(r.Context(), claims.Subject); err == nil && user.Email != "" && slices.Contains(p.admins, user.Email) {
		return true
	}
	handlerutils.ResourceError(w, http.StatusForbidden, "forbidden", "Administrator access is required")
	return false
}

func parseTime(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// Analytics aggregates access logs over [start, end], defaulting to the last 24 hours
func (p *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	if !p.admin(w, r) {
		return
	}

	query := r.URL.Query()
	now := time.Now()
	end, err := parseTime(query.Get("end"), now)
	if err != nil {
		handlerutils.ResourceError(w, http.StatusBadRequest, "invalid_request", "end must be an RFC 3339 timestamp")
		return
	}
	start, err := parseTime(query.Get("start"), end.Add(-24*time.Hour))
	if err != nil {
		handlerutils.ResourceError(w, http.StatusBadRequest, "invalid_request", "start must be an RFC 3339 timestamp")
		return
	}
	if start.After(end) {
		handlerutils.ResourceError(w, http.StatusBadRequest, "invalid_request", "start must not be after end")
		return
	}

	analytics, err := p.monitor.GetAnalytics(r.Context(), start, end, query.Get("user_id"))
	if err != nil {
		p.log.Error("Failed to compute analytics", zap.Error(err))
		handlerutils.ResourceError(w, http.StatusInternalServerError, "server_error", "Failed to compute analytics")
		return
	}
	handlerutils.JSON(w, http.StatusOK, analytics)
}

// Alerts lists alerts newest first, filtered by type, severity and resolution
func (p *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	if !p.admin(w, r) {
		return
	}

	query := r.URL.Query()
	filter := types.AlertFilter{
		Type:           query.Get("type"),
		Severity:       query.Get("severity"),
		UnresolvedOnly: query.Get("unresolved") == "true",
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			handlerutils.ResourceError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	alerts, err := p.monitor.Alerts(r.Context(), filter)
	if err != nil {
		p.log.Error("Failed to list alerts", zap.Error(err))
		handlerutils.ResourceError(w, http.StatusInternalServerError, "server_error", "Failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []types.SecurityAlert{}
	}
	handlerutils.JSON(w, http.StatusOK, alerts)
}

func (p *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	if !p.admin(w, r) {
		return
	}

	err := p.monitor.ResolveAlert(r.Context(), r.PathValue("id"))
	if errors.Is(err, types.ErrNotFound) {
		handlerutils.ResourceError(w, http.StatusNotFound, "not_found", "Alert not found")
		return
	} else if err != nil {
		p.log.Error("Failed to resolve alert", zap.String("alert_id", r.PathValue("id")), zap.Error(err))
		handlerutils.ResourceError(w, http.StatusInternalServerError, "server_error", "Failed to resolve alert")
		return
	}
	handlerutils.JSON(w, http.StatusOK, map[string]bool{"resolved": true})
}
