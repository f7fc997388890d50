package apps

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/obot-platform/app-oauth-server/pkg/clients"
	"github.com/obot-platform/app-oauth-server/pkg/handlerutils"
	"github.com/obot-platform/app-oauth-server/pkg/security"
	"github.com/obot-platform/app-oauth-server/pkg/session"
	"github.com/obot-platform/app-oauth-server/pkg/types"
	"go.uber.org/zap"
)

type Registry interface {
	Register(ctx context.Context, ownerID string, reg clients.Registration) (*types.Client, string, error)
	ListForOwner(ctx context.Context, ownerID string) ([]types.Client, error)
	GetForOwner(ctx context.Context, ownerID, clientID string) (*types.Client, error)
	UpdateForOwner(ctx context.Context, ownerID, clientID string, update clients.Update) (*types.Client, error)
	RotateSecret(ctx context.Context, ownerID, clientID string) (string, error)
	SetStatus(ctx context.Context, clientID string, change clients.StatusChange) (*types.Client, error)
}

type SessionReader interface {
	Current(r *http.Request) (*session.Identity, error)
}

type Recorder interface {
	Record(ctx context.Context, event security.Event)
}

// Handler serves application management for signed in owners and administrators
type Handler struct {
	registry Registry
	sessions SessionReader
	monitor  Recorder
	admins   []string
	log      *zap.Logger
}

func NewHandler(registry Registry, sessions SessionReader, monitor Recorder, admins []string, log *zap.Logger) *Handler {
	return &Handler{
		registry: registry,
		sessions: sessions,
		monitor:  monitor,
		admins:   admins,
		log:      log,
	}
}

// registered is returned once, when the plaintext secret is still known
type registered struct {
	*types.Client
	ClientSecret string `json:"client_secret,omitempty"`
}

type secretResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// IsAdmin reports whether identity appears in the administrator list by user id or email
func IsAdmin(admins []string, identity *session.Identity) bool {
	if identity == nil {
		return false
	}
	return slices.Contains(admins, identity.UserID) || (identity.Email != "" && slices.Contains(admins, identity.Email))
}

func (p *Handler) identity(w http.ResponseWriter, r *http.Request) (*session.Identity, security.Event, bool) {
	event := security.RequestEvent(r, security.ActionClientManage, false).With("path", r.URL.Path)
	identity, err := p.sessions.Current(r)
	if err != nil {
		p.monitor.Record(r.Context(), event.With("error", "login_required"))
		handlerutils.ResourceError(w, http.StatusUnauthorized, "login_required", "A signed in user is required")
		return nil, event, false
	}
	return identity, event.WithUser(identity.UserID), true
}

func (p *Handler) fail(w http.ResponseWriter, r *http.Request, event security.Event, err error) {
	var validation *clients.ValidationError
	switch {
	case errors.As(err, &validation):
		p.monitor.Record(r.Context(), event.With("error", "invalid_client_metadata"))
		handlerutils.ResourceError(w, http.StatusBadRequest, "invalid_client_metadata", validation.Error())
	case errors.Is(err, types.ErrNotFound):
		p.monitor.Record(r.Context(), event.With("error", "not_found"))
		handlerutils.ResourceError(w, http.StatusNotFound, "not_found", "Application not found")
	case errors.Is(err, clients.ErrNotConfidential):
		p.monitor.Record(r.Context(), event.With("error", "invalid_request"))
		handlerutils.ResourceError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		p.log.Error("Application request failed", zap.String("path", r.URL.Path), zap.Error(err))
		p.monitor.Record(r.Context(), event.With("error", "server_error"))
		handlerutils.ResourceError(w, http.StatusInternalServerError, "server_error", "Failed to process application request")
	}
}

func (p *Handler) List(w http.ResponseWriter, r *http.Request) {
	identity, event, ok := p.identity(w, r)
	if !ok {
		return
	}

	apps, err := p.registry.ListForOwner(r.Context(), identity.UserID)
	if err != nil {
		p.fail(w, r, event, err)
		return
	}
	if apps == nil {
		apps = []types.Client{}
	}
	handlerutils.JSON(w, http.StatusOK, apps)
}

func (p *Handler) Create(w http.ResponseWriter, r *http.Request) {
	identity, event, ok := p.identity(w, r)
	if !ok {
		return
	}

	var reg clients.Registration
	if err := handlerutils.DecodeJSON(r, &reg); err != nil {
		p.monitor.Record(r.Context(), event.With("error", "invalid_request"))
		handlerutils.ResourceError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	client, secret, err := p.registry.Register(r.Context(), identity.UserID, reg)
	if err != nil {
		p.fail(w, r, event, err)
		return
	}

	event.Success = true
	p.monitor.Record(r.Context(), event.With("client_id", client.ClientID).With("operation", "register"))
	handlerutils.JSON(w, http.StatusCreated, registered{Client: client, ClientSecret: secret})
}

func (p *Handler) Get(w http.ResponseWriter, r *http.Request) {
	identity, event, ok := p.identity(w, r)
	if !ok {
		return
	}

	client, err := p.registry.GetForOwner(r.Context(), identity.UserID, r.PathValue("id"))
	if err != nil {
		p.fail(w, r, event, err)
		return
	}
	handlerutils.JSON(w, http.StatusOK, client)
}

func (p *Handler) Update(w http.ResponseWriter, r *http.Request) {
	identity, event, ok := p.identity(w, r)
	if !ok {
		return
	}

	var update clients.Update
	if err := handlerutils.DecodeJSON(r, &update); err != nil {
		p.monitor.Record(r.Context(), event.With("error", "invalid_request"))
		handlerutils.ResourceError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	client, err := p.registry.UpdateForOwner(r.Context(), identity.UserID, r.PathValue("id"), update)
	if err != nil {
		p.fail(w, r, event, err)
		return
	}

	event.Success = true
	p.monitor.Record(r.Context(), event.With("client_id", client.ClientID).With("operation", "update"))
	handlerutils.JSON(w, http.StatusOK, client)
}

func (p *Handler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	identity, event, ok := p.identity(w, r)
	if !ok {
		return
	}

	clientID := r.PathValue("id")
	secret, err := p.registry.RotateSecret(r.Context(), identity.UserID, clientID)
	if err != nil {
		p.fail(w, r, event, err)
		return
	}

	event.Success = true
	p.monitor.Record(r.Context(), event.With("client_id", clientID).With("operation", "rotate_secret"))
	w.Header().Set("Cache-Control", "no-store")
	handlerutils.JSON(w, http.StatusOK, secretResponse{ClientID: clientID, ClientSecret: secret})
}

// SetStatus is restricted to administrators
func (p *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	identity, event, ok := p.identity(w, r)
	if !ok {
		return
	}
	if !IsAdmin(p.admins, identity) {
		p.monitor.Record(r.Context(), event.With("error", "forbidden"))
		handlerutils.ResourceError(w, http.StatusForbidden, "forbidden", "Administrator access is required")
		return
	}

	var change clients.StatusChange
	if err := handlerutils.DecodeJSON(r, &change); err != nil {
		p.monitor.Record(r.Context(), event.With("error", "invalid_request"))
		handlerutils.ResourceError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	client, err := p.registry.SetStatus(r.Context(), r.PathValue("id"), change)
	if err != nil {
		p.fail(w, r, event, err)
		return
	}

	event.Success = true
	p.monitor.Record(r.Context(), event.With("client_id", client.ClientID).With("operation", "set_status").With("status", client.Status))
	handlerutils.JSON(w, http.StatusOK, client)
}
