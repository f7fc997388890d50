package tokens

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/obot-platform/app-oauth-server/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const redirectURI = "https://app.example.com/callback"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T, opts Options, clients ...*types.Client) (*Service, *MockStore, *testClock) {
	t.Helper()

	if len(clients) == 0 {
		clients = []*types.Client{{
			ClientID:    "c1",
			Name:        "C1",
			RedirectURI: redirectURI,
			Scopes:      types.StringSlice{"profile:read", "email:read"},
			Status:      types.ClientStatusActive,
			RequirePKCE: true,
		}}
	}

	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	signer, err := NewSigner(testKey)
	require.NoError(t, err)
	signer.now = clock.Now

	store := NewMockStore(clients...)
	service := NewService(signer, store, store, zap.NewNop(), opts)
	service.now = clock.Now
	return service, store, clock
}

func issueTestCode(t *testing.T, s *Service, verifier string) string {
	t.Helper()
	code, err := s.IssueCode(context.Background(), CodeRequest{
		UserID:              "u1",
		ClientID:            "c1",
		Scopes:              []string{"profile:read"},
		RedirectURI:         redirectURI,
		CodeChallenge:       ChallengeS256(verifier),
		CodeChallengeMethod: ChallengeMethodS256,
	})
	require.NoError(t, err)
	return code
}

func TestIssueCode(t *testing.T) {
	ctx := context.Background()
	s, store, _ := newTestService(t, Options{})

	t.Run("Valid", func(t *testing.T) {
		code := issueTestCode(t, s, "verifier-0123456789-0123456789-0123456789")
		assert.GreaterOrEqual(t, len(code), 43)

		record, err := store.GetToken(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, types.TokenTypeAuthorizationCode, record.TokenType)
		assert.Equal(t, "u1", record.UserID)
		assert.Equal(t, redirectURI, record.RedirectURI)
		assert.Equal(t, ChallengeMethodS256, record.CodeChallengeMethod)
		require.NotNil(t, record.AuthorizationCodeExpiresAt)
		assert.Equal(t, AuthorizationCodeTTL, record.AuthorizationCodeExpiresAt.Sub(record.CreatedAt))
	})

	t.Run("RedirectMismatch", func(t *testing.T) {
		_, err := s.IssueCode(ctx, CodeRequest{
			UserID: "u1", ClientID: "c1", RedirectURI: "https://evil.example.com/callback",
			CodeChallenge: "abc", CodeChallengeMethod: ChallengeMethodS256,
		})
		assert.ErrorIs(t, err, ErrRedirectURIMismatch)
	})

	t.Run("PKCERequired", func(t *testing.T) {
		_, err := s.IssueCode(ctx, CodeRequest{UserID: "u1", ClientID: "c1", RedirectURI: redirectURI})
		assert.ErrorIs(t, err, ErrPKCERequired)
	})

	t.Run("UnknownClient", func(t *testing.T) {
		_, err := s.IssueCode(ctx, CodeRequest{UserID: "u1", ClientID: "nope", RedirectURI: redirectURI})
		assert.ErrorIs(t, err, ErrInvalidClient)
	})
}

func TestExchangeCode(t *testing.T) {
	ctx := context.Background()
	verifier := "verifier-0123456789-0123456789-0123456789"

	t.Run("Success", func(t *testing.T) {
		s, store, _ := newTestService(t, Options{})
		code := issueTestCode(t, s, verifier)

		grant, err := s.ExchangeCode(ctx, ExchangeRequest{Code: code, ClientID: "c1", RedirectURI: redirectURI, CodeVerifier: verifier})
		require.NoError(t, err)
		assert.NotEmpty(t, grant.AccessToken)
		assert.NotEmpty(t, grant.RefreshToken)
		assert.Equal(t, int64(3600), grant.ExpiresIn)
		assert.Equal(t, []string{"profile:read"}, grant.Scopes)

		access, err := s.Verify(ctx, grant.AccessToken, types.TokenTypeAccess)
		require.NoError(t, err)
		refresh, err := s.Verify(ctx, grant.RefreshToken, types.TokenTypeRefresh)
		require.NoError(t, err)
		assert.Equal(t, "u1", access.Subject)
		assert.Equal(t, "c1", access.App)
		assert.Equal(t, types.TokenTypeAccess, access.Type)

		// Both halves of the pair share one identifier prefix
		assert.Equal(t, access.ID[:len(access.ID)-len("_access")], refresh.ID[:len(refresh.ID)-len("_refresh")])

		client := store.client("c1")
		assert.Equal(t, int64(2), client.TokensIssued)
		assert.Equal(t, int64(2), client.ActiveTokens)
	})

	t.Run("SingleUse", func(t *testing.T) {
		s, _, _ := newTestService(t, Options{})
		code := issueTestCode(t, s, verifier)

		req := ExchangeRequest{Code: code, ClientID: "c1", RedirectURI: redirectURI, CodeVerifier: verifier}
		_, err := s.ExchangeCode(ctx, req)
		require.NoError(t, err)

		_, err = s.ExchangeCode(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidGrant)
	})

	t.Run("ConcurrentExchange", func(t *testing.T) {
		s, store, _ := newTestService(t, Options{})
		code := issueTestCode(t, s, verifier)

		var wg sync.WaitGroup
		var successes, failures atomic.Int32
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.ExchangeCode(ctx, ExchangeRequest{Code: code, ClientID: "c1", RedirectURI: redirectURI, CodeVerifier: verifier})
				if err == nil {
					successes.Add(1)
				} else if assert.ErrorIs(t, err, ErrInvalidGrant) {
					failures.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), successes.Load())
		assert.Equal(t, int32(9), failures.Load())
		assert.Equal(t, int64(2), store.client("c1").TokensIssued)
	})

	t.Run("WrongVerifierKeepsCode", func(t *testing.T) {
		s, _, _ := newTestService(t, Options{})
		code := issueTestCode(t, s, verifier)

		_, err := s.ExchangeCode(ctx, ExchangeRequest{Code: code, ClientID: "c1", RedirectURI: redirectURI, CodeVerifier: "wrong"})
		assert.ErrorIs(t, err, ErrInvalidGrant)

		_, err = s.ExchangeCode(ctx, ExchangeRequest{Code: code, ClientID: "c1", RedirectURI: redirectURI})
		assert.ErrorIs(t, err, ErrInvalidGrant)
		assert.Contains(t, err.Error(), "code_verifier is required")

		_, err = s.ExchangeCode(ctx, ExchangeRequest{Code: code, ClientID: "c1", RedirectURI: redirectURI, CodeVerifier: verifier})
		assert.NoError(t, err)
	})

	t.Run("RedirectMismatch", func(t *testing.T) {
		s, _, _ := newTestService(t, Options{})
		code := issueTestCode(t, s, verifier)

		_, err := s.ExchangeCode(ctx, ExchangeRequest{Code: code, ClientID: "c1", RedirectURI: redirectURI + "/other", CodeVerifier: verifier})
		assert.ErrorIs(t, err, ErrInvalidGrant)
	})

	t.Run("OtherClient", func(t *testing.T) {
		s, _, _ := newTestService(t, Options{})
		code := issueTestCode(t, s, verifier)

		_, err := s.ExchangeCode(ctx, ExchangeRequest{Code: code, ClientID: "c2", RedirectURI: redirectURI, CodeVerifier: verifier})
		assert.ErrorIs(t, err, ErrInvalidGrant)
	})

	t.Run("Expired", func(t *testing.T) {
		s, _, clock := newTestService(t, Options{})
		code := issueTestCode(t, s, verifier)
		clock.Advance(AuthorizationCodeTTL + time.Second)

		_, err := s.ExchangeCode(ctx, ExchangeRequest{Code: code, ClientID: "c1", RedirectURI: redirectURI, CodeVerifier: verifier})
		assert.ErrorIs(t, err, ErrInvalidGrant)
		assert.Contains(t, err.Error(), "expired")
	})

	t.Run("Unknown", func(t *testing.T) {
		s, _, _ := newTestService(t, Options{})
		_, err := s.ExchangeCode(ctx, ExchangeRequest{Code: "does-not-exist", ClientID: "c1", RedirectURI: redirectURI})
		assert.ErrorIs(t, err, ErrInvalidGrant)
	})
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	verifier := "verifier-0123456789-0123456789-0123456789"

	t.Run("WrongType", func(t *testing.T) {
		s, _, _ := newTestService(t, Options{})
		grant, err := s.ExchangeCode(ctx, ExchangeRequest{Code: issueTestCode(t, s, verifier), ClientID: "c1", RedirectURI: redirectURI, CodeVerifier: verifier})
		require.NoError(t, err)

		_, err = s.Verify(ctx, grant.RefreshToken, types.TokenTypeAccess)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("RevokedTokenFails", func(t *testing.T) {
		s, _, _ := newTestService(t, Options{})
		grant, err := s.ExchangeCode(ctx, ExchangeRequest{Code: issueTestCode(t, s, verifier), ClientID: "c1", RedirectURI: redirectURI, CodeVerifier: verifier})
		require.NoError(t, err)

		revoked, err := s.Revoke(ctx, grant.AccessToken, "test")
		require.NoError(t, err)
		assert.True(t, revoked)

		// Still cryptographically valid, but no longer active
		_, err = s.signer.Parse(grant.AccessToken)
		require.NoError(t, err)
		_, err = s.Verify(ctx, grant.AccessToken, types.TokenTypeAccess)
		assert.ErrorIs(t, err, ErrInvalidToken)

		// The refresh half is independently revocable
		_, err = s.Verify(ctx, grant.RefreshToken, types.TokenTypeRefresh)
		assert.NoError(t, err)
	})

	t.Run("ExpiredAccessToken", func(t *testing.T) {
		s, _, clock := newTestService(t, Options{})
		grant, err := s.ExchangeCode(ctx, ExchangeRequest{Code: issueTestCode(t, s, verifier), ClientID: "c1", RedirectURI: redirectURI, CodeVerifier: verifier})
		require.NoError(t, err)

		clock.Advance(AccessTokenTTL + time.Second)
		_, err = s.Verify(ctx, grant.AccessToken, types.TokenTypeAccess)
		assert.ErrorIs(t, err, ErrInvalidToken)
		_, err = s.Verify(ctx, grant.RefreshToken, types.TokenTypeRefresh)
		assert.NoError(t, err)
	})

	t.Run("Garbage", func(t *testing.T) {
		s, _, _ := newTestService(t, Options{})
		_, err := s.Verify(ctx, "not-a-jwt", "")
		assert.ErrorIs(t, err, ErrInvalidToken)
		_, err = s.Verify(ctx, "", "")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	verifier := "verifier-0123456789-0123456789-0123456789"

	t.Run("WithoutRotation", func(t *testing.T) {
		s, store, _ := newTestService(t, Options{})
		grant, err := s.ExchangeCode(ctx, ExchangeRequest{Code: issueTestCode(t, s, verifier), ClientID: "c1", RedirectURI: redirectURI, CodeVerifier: verifier})
		require.NoError(t, err)

		refreshed, err := s.Refresh(ctx, grant.RefreshToken, "c1")
		require.NoError(t, err)
		assert.NotEmpty(t, refreshed.AccessToken)
		assert.Empty(t, refreshed.RefreshToken)
		assert.Equal(t, grant.Scopes, refreshed.Scopes)

		_, err = s.Verify(ctx, refreshed.AccessToken, types.TokenTypeAccess)
		assert.NoError(t, err)

		// The refresh token stays usable
		_, err = s.Refresh(ctx, grant.RefreshToken, "c1")
		assert.NoError(t, err)
		assert.Equal(t, int64(4), store.client("c1").TokensIssued)
	})

	t.Run("WithRotation", func(t *testing.T) {
		s, store, _ := newTestService(t, Options{RotateRefreshTokens: true})
		grant, err := s.ExchangeCode(ctx, ExchangeRequest{Code: issueTestCode(t, s, verifier), ClientID: "c1", RedirectURI: redirectURI, CodeVerifier: verifier})
		require.NoError(t, err)

		refreshed, err := s.Refresh(ctx, grant.RefreshToken, "c1")
		require.NoError(t, err)
		assert.NotEmpty(t, refreshed.RefreshToken)

		_, err = s.Refresh(ctx, grant.RefreshToken, "c1")
		assert.ErrorIs(t, err, ErrInvalidGrant)

		client := store.client("c1")
		assert.Equal(t, int64(4), client.TokensIssued)
		assert.Equal(t, int64(3), client.ActiveTokens)
	})

	t.Run("AccessTokenRejected", func(t *testing.T) {
		s, _, _ := newTestService(t, Options{})
		grant, err := s.ExchangeCode(ctx, ExchangeRequest{Code: issueTestCode(t, s, verifier), ClientID: "c1", RedirectURI: redirectURI, CodeVerifier: verifier})
		require.NoError(t, err)

		_, err = s.Refresh(ctx, grant.AccessToken, "c1")
		assert.ErrorIs(t, err, ErrInvalidGrant)
	})

	t.Run("OtherClient", func(t *testing.T) {
		s, _, _ := newTestService(t, Options{})
		grant, err := s.ExchangeCode(ctx, ExchangeRequest{Code: issueTestCode(t, s, verifier), ClientID: "c1", RedirectURI: redirectURI, CodeVerifier: verifier})
		require.NoError(t, err)

		_, err = s.Refresh(ctx, grant.RefreshToken, "c2")
		assert.ErrorIs(t, err, ErrInvalidGrant)
	})

	t.Run("StoreFailure", func(t *testing.T) {
		s, store, _ := newTestService(t, Options{})
		grant, err := s.ExchangeCode(ctx, ExchangeRequest{Code: issueTestCode(t, s, verifier), ClientID: "c1", RedirectURI: redirectURI, CodeVerifier: verifier})
		require.NoError(t, err)

		outage := errors.New("dial tcp 10.0.0.5:5432: connection refused")
		store.mu.Lock()
		store.getTokenErr = outage
		store.mu.Unlock()

		_, err = s.Refresh(ctx, grant.RefreshToken, "c1")
		require.Error(t, err)
		assert.ErrorIs(t, err, outage)
		assert.NotErrorIs(t, err, ErrInvalidGrant)
	})
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	verifier := "verifier-0123456789-0123456789-0123456789"

	t.Run("Idempotent", func(t *testing.T) {
		s, store, _ := newTestService(t, Options{})
		grant, err := s.ExchangeCode(ctx, ExchangeRequest{Code: issueTestCode(t, s, verifier), ClientID: "c1", RedirectURI: redirectURI, CodeVerifier: verifier})
		require.NoError(t, err)

		revoked, err := s.Revoke(ctx, grant.AccessToken, "logout")
		require.NoError(t, err)
		assert.True(t, revoked)

		revoked, err = s.Revoke(ctx, grant.AccessToken, "logout")
		require.NoError(t, err)
		assert.False(t, revoked)

		revoked, err = s.Revoke(ctx, "unknown", "")
		require.NoError(t, err)
		assert.False(t, revoked)

		assert.Equal(t, int64(1), store.client("c1").ActiveTokens)
	})

	t.Run("ForClient", func(t *testing.T) {
		s, _, _ := newTestService(t, Options{})
		grant, err := s.ExchangeCode(ctx, ExchangeRequest{Code: issueTestCode(t, s, verifier), ClientID: "c1", RedirectURI: redirectURI, CodeVerifier: verifier})
		require.NoError(t, err)

		revoked, err := s.RevokeForClient(ctx, grant.AccessToken, "c2", "")
		require.NoError(t, err)
		assert.False(t, revoked)

		revoked, err = s.RevokeForClient(ctx, grant.AccessToken, "c1", "")
		require.NoError(t, err)
		assert.True(t, revoked)
	})

	t.Run("All", func(t *testing.T) {
		s, store, _ := newTestService(t, Options{})
		for range 2 {
			_, err := s.ExchangeCode(ctx, ExchangeRequest{Code: issueTestCode(t, s, verifier), ClientID: "c1", RedirectURI: redirectURI, CodeVerifier: verifier})
			require.NoError(t, err)
		}

		n, err := s.RevokeAll(ctx, "u1", "c1", "consent_revoked")
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)
		assert.Equal(t, int64(0), store.client("c1").ActiveTokens)

		n, err = s.RevokeAll(ctx, "u1", "c1", "consent_revoked")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
