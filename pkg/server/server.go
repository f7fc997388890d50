package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/obot-platform/app-oauth-server/pkg/clients"
	"github.com/obot-platform/app-oauth-server/pkg/consent"
	"github.com/obot-platform/app-oauth-server/pkg/db"
	"github.com/obot-platform/app-oauth-server/pkg/encryption"
	"github.com/obot-platform/app-oauth-server/pkg/handlerutils"
	"github.com/obot-platform/app-oauth-server/pkg/oauth/apps"
	"github.com/obot-platform/app-oauth-server/pkg/oauth/authorize"
	"github.com/obot-platform/app-oauth-server/pkg/oauth/consentapi"
	"github.com/obot-platform/app-oauth-server/pkg/oauth/login"
	"github.com/obot-platform/app-oauth-server/pkg/oauth/revoke"
	"github.com/obot-platform/app-oauth-server/pkg/oauth/securityapi"
	"github.com/obot-platform/app-oauth-server/pkg/oauth/token"
	"github.com/obot-platform/app-oauth-server/pkg/oauth/userinfo"
	"github.com/obot-platform/app-oauth-server/pkg/oauth/validate"
	"github.com/obot-platform/app-oauth-server/pkg/providers"
	"github.com/obot-platform/app-oauth-server/pkg/ratelimit"
	"github.com/obot-platform/app-oauth-server/pkg/security"
	"github.com/obot-platform/app-oauth-server/pkg/session"
	"github.com/obot-platform/app-oauth-server/pkg/tokens"
	"github.com/obot-platform/app-oauth-server/pkg/types"
	"go.uber.org/zap"
)

const (
	SharedStateMemory   = "memory"
	SharedStateDatabase = "database"

	EnvironmentProduction = "production"

	cleanupInterval = time.Hour
)

// Server wires the registry, consent, token and security services behind the HTTP endpoints
type Server struct {
	config      *types.Config
	log         *zap.Logger
	db          *db.Store
	registry    *clients.Registry
	consent     *consent.Store
	tokens      *tokens.Service
	monitor     *security.Monitor
	rateLimiter *ratelimit.RateLimiter
	sessions    *session.Manager
	providers   *providers.Manager

	ctx    context.Context
	cancel context.CancelFunc
}

func New(config *types.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}

	if config.Port == "" {
		config.Port = "8080"
	}
	if config.ConsentURL == "" {
		config.ConsentURL = "/consent"
	}
	if config.LogRetentionDays <= 0 {
		config.LogRetentionDays = 90
	}
	if config.RateLimitWindow <= 0 {
		config.RateLimitWindow = 15 * time.Minute
	}
	if config.RateLimitMax <= 0 {
		config.RateLimitMax = 1000
	}

	switch config.SharedState {
	case "":
		config.SharedState = SharedStateMemory
	case SharedStateMemory, SharedStateDatabase:
	default:
		return nil, fmt.Errorf("invalid shared state backend: %s", config.SharedState)
	}

	switch {
	case config.DatabaseDSN == "":
		log.Info("DATABASE_DSN not set, using SQLite database at data/oauth_server.db")
	case db.IsPostgresDSN(config.DatabaseDSN):
		log.Info("Using PostgreSQL database")
	default:
		log.Info("Using SQLite database", zap.String("path", config.DatabaseDSN))
	}

	store, err := db.New(config.DatabaseDSN, log.Named("db"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	s, err := newServer(config, log, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return s, nil
}

func newServer(config *types.Config, log *zap.Logger, store *db.Store) (*Server, error) {
	signingKey, generated, err := encryption.DecodeKey(config.TokenSigningKey, encryption.KeySize)
	if err != nil {
		return nil, fmt.Errorf("invalid token signing key: %w", err)
	}
	if generated {
		log.Warn("No token signing key configured, generated a random key; issued tokens will not survive a restart")
	}
	signer, err := tokens.NewSigner(signingKey)
	if err != nil {
		return nil, err
	}

	encryptionKey, generated, err := encryption.DecodeKey(config.EncryptionKey, encryption.KeySize)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	if generated {
		log.Warn("No encryption key configured, generated a random key; sessions will not survive a restart")
	}
	sessions, err := session.NewManager(signingKey, encryptionKey, 0)
	if err != nil {
		return nil, err
	}

	var (
		alerts    security.AlertStore = security.NewMemoryAlertStore(security.MaxAlerts)
		rateStore ratelimit.Store     = ratelimit.NewMemoryStore()
	)
	if config.SharedState == SharedStateDatabase {
		alerts = store
		rateStore = store
	}

	providerManager := providers.NewManager()
	if config.OAuthClientID != "" && config.OAuthAuthorizeURL != "" {
		provider, err := providers.NewGenericProvider(config.OAuthClientID, config.OAuthClientSecret, config.OAuthAuthorizeURL, types.ParseScopes(config.LoginScopes), log.Named("providers"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize identity provider: %w", err)
		}
		providerManager.RegisterProvider(provider.Name(), provider)
	} else {
		log.Warn("No upstream identity provider configured, /login is disabled")
	}

	return &Server{
		config:   config,
		log:      log,
		db:       store,
		registry: clients.NewRegistry(store, log.Named("clients"), config.AutoActivateClients),
		consent:  consent.NewStore(store, log.Named("consent")),
		tokens: tokens.NewService(signer, store, store, log.Named("tokens"), tokens.Options{
			RotateRefreshTokens: config.RotateRefreshTokens,
		}),
		monitor:     security.NewMonitor(store, alerts, log.Named("security"), config.Environment == EnvironmentProduction),
		rateLimiter: ratelimit.NewRateLimiter(rateStore, config.RateLimitWindow, config.RateLimitMax, log.Named("ratelimit")),
		sessions:    sessions,
		providers:   providerManager,
	}, nil
}

func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Start runs the hourly maintenance loop until ctx is cancelled or Close is called
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.cleanup(s.ctx)
			}
		}
	}()

	return nil
}

func (s *Server) cleanup(ctx context.Context) {
	if n, err := s.tokens.Cleanup(ctx); err != nil {
		s.log.Error("Failed to cleanup expired tokens", zap.Error(err))
	} else if n > 0 {
		s.log.Info("Deleted expired tokens", zap.Int64("count", n))
	}
	if err := s.db.CleanupExpiredAuthRequests(ctx); err != nil {
		s.log.Error("Failed to cleanup expired login requests", zap.Error(err))
	}
	if n, err := s.monitor.CleanupOldLogs(ctx, s.config.LogRetentionDays); err != nil {
		s.log.Error("Failed to cleanup old access logs", zap.Error(err))
	} else if n > 0 {
		s.log.Info("Deleted old access logs", zap.Int64("count", n))
	}
	if _, err := s.rateLimiter.Sweep(ctx); err != nil {
		s.log.Error("Failed to sweep rate limit windows", zap.Error(err))
	}
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	authorizeHandler := authorize.NewHandler(s.registry, s.consent, s.tokens, s.sessions, s.monitor, s.config.ConsentURL, s.log.Named("authorize"))
	tokenHandler := token.NewHandler(s.registry, s.tokens, s.monitor, s.log.Named("token"))
	revokeHandler := revoke.NewHandler(s.registry, s.tokens, s.monitor, s.log.Named("revoke"))
	consentHandler := consentapi.NewHandler(s.registry, s.consent, s.tokens, s.sessions, s.monitor, s.log.Named("consent"))
	loginHandler := login.NewHandler(s.db, s.providers, s.sessions, s.tokens, s.monitor, s.log.Named("login"))
	appsHandler := apps.NewHandler(s.registry, s.sessions, s.monitor, s.config.AdminUsers, s.log.Named("apps"))
	securityHandler := securityapi.NewHandler(s.monitor, s.db, s.config.AdminUsers, s.log.Named("security"))
	userinfoHandler := userinfo.NewHandler(s.db, s.log.Named("userinfo"))
	validator := validate.NewTokenValidator(s.tokens, s.consent, s.monitor, s.log.Named("validate"))

	mux.HandleFunc("GET /health", s.withCORS(s.healthHandler))
	mux.HandleFunc("OPTIONS /{path...}", s.withCORS(http.NotFound))
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", s.withCORS(s.oauthMetadataHandler))

	// OAuth endpoints
	mux.HandleFunc("GET /authorize", s.withCORS(s.withRateLimit(authorizeHandler.ServeHTTP)))
	mux.HandleFunc("POST /token", s.withCORS(s.withRateLimit(tokenHandler.ServeHTTP)))
	mux.HandleFunc("POST /revoke", s.withCORS(s.withRateLimit(revokeHandler.ServeHTTP)))

	// Consent screen and the user's consent records
	mux.HandleFunc("POST /consent/approve", s.withCORS(s.withRateLimit(consentHandler.Approve)))
	mux.HandleFunc("POST /consent/deny", s.withCORS(s.withRateLimit(consentHandler.Deny)))
	mux.HandleFunc("GET /api/consents", s.withCORS(consentHandler.List))
	mux.HandleFunc("POST /api/consents/revoke", s.withCORS(s.withRateLimit(consentHandler.Revoke)))

	// Upstream login
	mux.HandleFunc("GET /login", s.withCORS(s.withRateLimit(loginHandler.Login)))
	mux.HandleFunc("GET /callback", s.withCORS(s.withRateLimit(loginHandler.Callback)))
	mux.HandleFunc("POST /logout", s.withCORS(loginHandler.Logout))

	// Application management
	mux.HandleFunc("GET /api/apps", s.withCORS(appsHandler.List))
	mux.HandleFunc("POST /api/apps", s.withCORS(s.withRateLimit(appsHandler.Create)))
	mux.HandleFunc("GET /api/apps/{id}", s.withCORS(appsHandler.Get))
	mux.HandleFunc("PATCH /api/apps/{id}", s.withCORS(appsHandler.Update))
	mux.HandleFunc("POST /api/apps/{id}/secret", s.withCORS(s.withRateLimit(appsHandler.RotateSecret)))
	mux.HandleFunc("POST /api/admin/apps/{id}/status", s.withCORS(appsHandler.SetStatus))

	// Bearer protected resources
	mux.HandleFunc("GET /userinfo", s.withCORS(validator.Require(consent.ScopeProfileRead)(userinfoHandler.ServeHTTP)))
	adminOnly := validator.Require(consent.ScopeAdminRead)
	mux.HandleFunc("GET /api/security/analytics", s.withCORS(adminOnly(securityHandler.Analytics)))
	mux.HandleFunc("GET /api/security/alerts", s.withCORS(adminOnly(securityHandler.Alerts)))
	mux.HandleFunc("POST /api/security/alerts/{id}/resolve", s.withCORS(adminOnly(securityHandler.Resolve)))
}

// GetHandler returns the routed handler wrapped with access logging
func (s *Server) GetHandler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return handlers.LoggingHandler(os.Stdout, mux)
}

// withCORS wraps a handler with CORS headers
func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length")
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int((12 * time.Hour).Seconds())))

		// Handle preflight OPTIONS request
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// withRateLimit rejects clients that exceed the per-IP request budget
func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := handlerutils.GetClientIP(r)
		if !s.rateLimiter.Allow(r.Context(), clientIP) {
			s.monitor.Record(r.Context(), security.RequestEvent(r, security.ActionRateLimited, false).With("path", r.URL.Path))
			w.Header().Set("Retry-After", strconv.Itoa(int(s.rateLimiter.Window().Seconds())))
			handlerutils.OAuthError(w, http.StatusTooManyRequests, "too_many_requests", "Rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	handlerutils.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) oauthMetadataHandler(w http.ResponseWriter, r *http.Request) {
	baseURL := strings.TrimSuffix(handlerutils.GetBaseURL(r), "/")
	handlerutils.JSON(w, http.StatusOK, &types.OAuthMetadata{
		Issuer:                                 baseURL,
		AuthorizationEndpoint:                  baseURL + "/authorize",
		TokenEndpoint:                          baseURL + "/token",
		RevocationEndpoint:                     baseURL + "/revoke",
		UserinfoEndpoint:                       baseURL + "/userinfo",
		ResponseTypesSupported:                 []string{"code"},
		CodeChallengeMethodsSupported:          []string{tokens.ChallengeMethodS256, tokens.ChallengeMethodPlain},
		TokenEndpointAuthMethodsSupported:      []string{"client_secret_basic", "client_secret_post", "none"},
		GrantTypesSupported:                    []string{"authorization_code", "refresh_token"},
		ScopesSupported:                        consent.ValidScopes,
		RevocationEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
	})
}
