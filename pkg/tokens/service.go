package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/obot-platform/app-oauth-server/pkg/encryption"
	"github.com/obot-platform/app-oauth-server/pkg/types"
	"go.uber.org/zap"
)

const (
	AccessTokenTTL       = time.Hour
	RefreshTokenTTL      = 30 * 24 * time.Hour
	AuthorizationCodeTTL = 10 * time.Minute

	// codeBytes gives 256 bits of entropy per authorization code
	codeBytes = 32
)

// ClientStore is the slice of client persistence the token service needs
type ClientStore interface {
	GetClient(ctx context.Context, clientID string) (*types.Client, error)
	IncrementClientTokens(ctx context.Context, clientID string, n int64, now time.Time) error
	DecrementClientActiveTokens(ctx context.Context, clientID string, n int64) error
}

// TokenStore persists codes and bearer tokens by the hash of their value
type TokenStore interface {
	StoreToken(ctx context.Context, value string, token *types.Token) error
	GetToken(ctx context.Context, value string) (*types.Token, error)
	ConsumeAuthCode(ctx context.Context, code, clientID string, now time.Time) (bool, error)
	RevokeToken(ctx context.Context, value, reason string, now time.Time) (bool, error)
	RevokeTokensFor(ctx context.Context, userID, clientID, reason string, now time.Time) (int64, error)
	TouchToken(ctx context.Context, id string, now time.Time) error
	CleanupExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// Options tunes token issuance
type Options struct {
	// RotateRefreshTokens revokes the presented refresh token on every refresh and
	// issues a new pair in its place.
	RotateRefreshTokens bool
}

// Service issues, exchanges, verifies and revokes codes and tokens
type Service struct {
	signer  *Signer
	clients ClientStore
	tokens  TokenStore
	log     *zap.Logger
	opts    Options
	now     func() time.Time
}

// NewService creates a token service
func NewService(signer *Signer, clients ClientStore, tokens TokenStore, log *zap.Logger, opts Options) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		signer:  signer,
		clients: clients,
		tokens:  tokens,
		log:     log,
		opts:    opts,
		now:     time.Now,
	}
}

// CodeRequest describes an authorization code to issue
type CodeRequest struct {
	UserID              string
	ClientID            string
	Scopes              []string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ExchangeRequest is an authorization_code grant presented at the token endpoint
type ExchangeRequest struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
}

// Grant is the result of a successful exchange or refresh
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	Scopes       []string
	UserID       string
	ClientID     string
}

// IssueCode generates an opaque authorization code bound to the request
func (s *Service) IssueCode(ctx context.Context, req CodeRequest) (string, error) {
	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return "", ErrInvalidClient
		}
		return "", fmt.Errorf("failed to get client: %w", err)
	}
	if client.Status != types.ClientStatusActive {
		return "", ErrInvalidClient
	}
	if req.RedirectURI != client.RedirectURI {
		return "", ErrRedirectURIMismatch
	}
	if client.RequirePKCE && req.CodeChallenge == "" {
		return "", ErrPKCERequired
	}
	method, err := NormalizeChallengeMethod(req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		return "", err
	}

	code := encryption.GenerateRandomString(codeBytes)

	now := s.now()
	expiresAt := now.Add(AuthorizationCodeTTL)
	record := &types.Token{
		ID:                         uuid.NewString(),
		TokenType:                  types.TokenTypeAuthorizationCode,
		ClientID:                   req.ClientID,
		UserID:                     req.UserID,
		Scopes:                     types.NormalizeScopes(req.Scopes),
		RedirectURI:                req.RedirectURI,
		CodeChallenge:              req.CodeChallenge,
		CodeChallengeMethod:        method,
		AuthorizationCodeExpiresAt: &expiresAt,
		ExpiresAt:                  expiresAt,
		Status:                     types.TokenStatusActive,
		CreatedAt:                  now,
	}
	if err := s.tokens.StoreToken(ctx, code, record); err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}
	return code, nil
}

// ExchangeCode redeems an authorization code for an access and refresh token pair.
// The code is consumed only after the redirect URI and PKCE verifier check out.
func (s *Service) ExchangeCode(ctx context.Context, req ExchangeRequest) (*Grant, error) {
	if req.Code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidGrant)
	}

	now := s.now()
	code, err := s.tokens.GetToken(ctx, req.Code)
	if errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown authorization code", ErrInvalidGrant)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	switch {
	case code.TokenType != types.TokenTypeAuthorizationCode, code.ClientID != req.ClientID:
		return nil, fmt.Errorf("%w: unknown authorization code", ErrInvalidGrant)
	case code.Status != types.TokenStatusActive:
		return nil, fmt.Errorf("%w: authorization code has already been used", ErrInvalidGrant)
	case !code.ExpiresAt.After(now):
		return nil, fmt.Errorf("%w: authorization code has expired", ErrInvalidGrant)
	case code.RedirectURI != req.RedirectURI:
		return nil, fmt.Errorf("%w: redirect_uri does not match", ErrInvalidGrant)
	}

	client, err := s.clients.GetClient(ctx, req.ClientID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, ErrInvalidClient
	} else if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	if client.RequirePKCE || code.CodeChallenge != "" {
		if req.CodeVerifier == "" {
			return nil, fmt.Errorf("%w: code_verifier is required", ErrInvalidGrant)
		}
		if !VerifyPKCE(req.CodeVerifier, code.CodeChallenge, code.CodeChallengeMethod) {
			return nil, fmt.Errorf("%w: code_verifier does not match code_challenge", ErrInvalidGrant)
		}
	}

	consumed, err := s.tokens.ConsumeAuthCode(ctx, req.Code, req.ClientID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	if !consumed {
		return nil, fmt.Errorf("%w: authorization code has already been used", ErrInvalidGrant)
	}

	grant, err := s.issuePair(ctx, code.UserID, code.ClientID, code.Scopes, now)
	if err != nil {
		return nil, err
	}

	s.log.Debug("Exchanged authorization code",
		zap.String("client_id", code.ClientID),
		zap.String("user_id", code.UserID))
	return grant, nil
}

// Refresh issues a new access token for a refresh token held by clientID
func (s *Service) Refresh(ctx context.Context, refreshToken, clientID string) (*Grant, error) {
	claims, err := s.Verify(ctx, refreshToken, types.TokenTypeRefresh)
	if errors.Is(err, ErrInvalidToken) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	} else if err != nil {
		return nil, err
	}
	if claims.App != clientID {
		return nil, fmt.Errorf("%w: refresh token was issued to another client", ErrInvalidGrant)
	}

	now := s.now()
	if s.opts.RotateRefreshTokens {
		revoked, err := s.tokens.RevokeToken(ctx, refreshToken, "rotated", now)
		if err != nil {
			return nil, fmt.Errorf("failed to revoke refresh token: %w", err)
		}
		if !revoked {
			return nil, fmt.Errorf("%w: refresh token has already been used", ErrInvalidGrant)
		}
		if err := s.clients.DecrementClientActiveTokens(ctx, clientID, 1); err != nil {
			s.log.Warn("Failed to update client token counters", zap.String("client_id", clientID), zap.Error(err))
		}
		return s.issuePair(ctx, claims.Subject, clientID, claims.Scopes, now)
	}

	id := uuid.NewString()
	access, err := s.issue(ctx, id, types.TokenTypeAccess, claims.Subject, clientID, claims.Scopes, now)
	if err != nil {
		return nil, err
	}
	if err := s.clients.IncrementClientTokens(ctx, clientID, 1, now); err != nil {
		s.log.Warn("Failed to update client token counters", zap.String("client_id", clientID), zap.Error(err))
	}

	return &Grant{
		AccessToken: access,
		ExpiresIn:   int64(AccessTokenTTL.Seconds()),
		Scopes:      claims.Scopes,
		UserID:      claims.Subject,
		ClientID:    clientID,
	}, nil
}

// Verify checks the signature and claims of a token, then confirms it is still active
// in the store. An empty expectedType accepts either access or refresh tokens.
func (s *Service) Verify(ctx context.Context, token, expectedType string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	claims, err := s.signer.Parse(token)
	if err != nil {
		return nil, err
	}
	if claims.Type != types.TokenTypeAccess && claims.Type != types.TokenTypeRefresh {
		return nil, fmt.Errorf("%w: unknown token type %q", ErrInvalidToken, claims.Type)
	}
	if expectedType != "" && claims.Type != expectedType {
		return nil, fmt.Errorf("%w: expected %s token, got %s", ErrInvalidToken, expectedType, claims.Type)
	}

	record, err := s.tokens.GetToken(ctx, token)
	if errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("%w: token not found", ErrInvalidToken)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	now := s.now()
	switch {
	case record.Status != types.TokenStatusActive:
		return nil, fmt.Errorf("%w: token has been %s", ErrInvalidToken, record.Status)
	case !record.ExpiresAt.After(now):
		return nil, fmt.Errorf("%w: token has expired", ErrInvalidToken)
	case record.TokenType != claims.Type, record.JTI != claims.ID, record.ClientID != claims.App:
		return nil, fmt.Errorf("%w: token does not match its record", ErrInvalidToken)
	}

	if err := s.tokens.TouchToken(ctx, record.ID, now); err != nil {
		s.log.Debug("Failed to update token last use", zap.String("token_id", record.ID), zap.Error(err))
	}
	return claims, nil
}

// Revoke revokes a single code or token by value. It reports whether this call
// changed the token's state; unknown or already revoked tokens are not an error.
func (s *Service) Revoke(ctx context.Context, token, reason string) (bool, error) {
	record, err := s.tokens.GetToken(ctx, token)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to get token: %w", err)
	}
	return s.revoke(ctx, token, record, reason)
}

// RevokeForClient revokes a token only when it was issued to clientID
func (s *Service) RevokeForClient(ctx context.Context, token, clientID, reason string) (bool, error) {
	record, err := s.tokens.GetToken(ctx, token)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to get token: %w", err)
	}
	if record.ClientID != clientID {
		return false, nil
	}
	return s.revoke(ctx, token, record, reason)
}

func (s *Service) revoke(ctx context.Context, token string, record *types.Token, reason string) (bool, error) {
	if reason == "" {
		reason = "revoked"
	}

	revoked, err := s.tokens.RevokeToken(ctx, token, reason, s.now())
	if err != nil {
		return false, fmt.Errorf("failed to revoke token: %w", err)
	}
	if revoked && record.TokenType != types.TokenTypeAuthorizationCode {
		if err := s.clients.DecrementClientActiveTokens(ctx, record.ClientID, 1); err != nil {
			s.log.Warn("Failed to update client token counters", zap.String("client_id", record.ClientID), zap.Error(err))
		}
	}
	return revoked, nil
}

// RevokeAll revokes every active token userID holds for clientID
func (s *Service) RevokeAll(ctx context.Context, userID, clientID, reason string) (int64, error) {
	if reason == "" {
		reason = "revoked"
	}

	n, err := s.tokens.RevokeTokensFor(ctx, userID, clientID, reason, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens: %w", err)
	}
	if n > 0 {
		if err := s.clients.DecrementClientActiveTokens(ctx, clientID, n); err != nil {
			s.log.Warn("Failed to update client token counters", zap.String("client_id", clientID), zap.Error(err))
		}
	}
	return n, nil
}

// Cleanup deletes expired codes and tokens
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	return s.tokens.CleanupExpiredTokens(ctx, s.now())
}

func (s *Service) issuePair(ctx context.Context, userID, clientID string, scopes []string, now time.Time) (*Grant, error) {
	id := uuid.NewString()
	access, err := s.issue(ctx, id, types.TokenTypeAccess, userID, clientID, scopes, now)
	if err != nil {
		return nil, err
	}
	refresh, err := s.issue(ctx, id, types.TokenTypeRefresh, userID, clientID, scopes, now)
	if err != nil {
		return nil, err
	}

	if err := s.clients.IncrementClientTokens(ctx, clientID, 2, now); err != nil {
		s.log.Warn("Failed to update client token counters", zap.String("client_id", clientID), zap.Error(err))
	}

	return &Grant{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(AccessTokenTTL.Seconds()),
		Scopes:       scopes,
		UserID:       userID,
		ClientID:     clientID,
	}, nil
}

func (s *Service) issue(ctx context.Context, id, tokenType, userID, clientID string, scopes []string, now time.Time) (string, error) {
	ttl := AccessTokenTTL
	if tokenType == types.TokenTypeRefresh {
		ttl = RefreshTokenTTL
	}
	expiresAt := now.Add(ttl)
	jti := id + "_" + tokenType

	signed, err := s.signer.Sign(&Claims{
		App:    clientID,
		Scopes: scopes,
		Type:   tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	if err != nil {
		return "", err
	}

	record := &types.Token{
		ID:        jti,
		TokenType: tokenType,
		JTI:       jti,
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    scopes,
		ExpiresAt: expiresAt,
		Status:    types.TokenStatusActive,
		CreatedAt: now,
	}
	if tokenType == types.TokenTypeRefresh {
		record.RefreshTokenExpiresAt = &expiresAt
	} else {
		record.AccessTokenExpiresAt = &expiresAt
	}

	if err := s.tokens.StoreToken(ctx, signed, record); err != nil {
		return "", fmt.Errorf("failed to store %s token: %w", tokenType, err)
	}
	return signed, nil
}
