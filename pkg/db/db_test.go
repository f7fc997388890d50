package db

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/obot-platform/app-oauth-server/pkg/consent"
	"github.com/obot-platform/app-oauth-server/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Error closing database: %v", err)
		}
	})
	return db
}

func testClient(id string) *types.Client {
	return &types.Client{
		ClientID:    id,
		OwnerID:     "owner",
		Name:        "Test Client " + id,
		RedirectURI: "https://app.example.com/cb",
		Scopes:      types.StringSlice{"profile:read", "email:read"},
		Status:      types.ClientStatusActive,
	}
}

func TestSQLiteDatabase(t *testing.T) {
	db := newTestStore(t)
	assert.Equal(t, "sqlite", db.Type())
	assert.True(t, IsPostgresDSN("postgres://localhost/db"))
	assert.True(t, IsPostgresDSN("postgresql://localhost/db"))
	assert.False(t, IsPostgresDSN("data/test.db"))
}

func TestClientOperations(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	client := testClient("c1")
	require.NoError(t, db.CreateClient(ctx, client))

	got, err := db.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, client.Name, got.Name)
	assert.Equal(t, client.Scopes, got.Scopes)

	_, err = db.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	got.Status = types.ClientStatusSuspended
	got.AutoApprove = true
	require.NoError(t, db.UpdateClient(ctx, got))
	got, err = db.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.ClientStatusSuspended, got.Status)
	assert.True(t, got.AutoApprove)

	assert.ErrorIs(t, db.UpdateClient(ctx, testClient("missing")), types.ErrNotFound)

	owned, err := db.ListClientsByOwner(ctx, "owner")
	require.NoError(t, err)
	assert.Len(t, owned, 1)

	t.Run("Counters", func(t *testing.T) {
		now := time.Now()
		require.NoError(t, db.IncrementClientTokens(ctx, "c1", 2, now))
		require.NoError(t, db.DecrementClientActiveTokens(ctx, "c1", 1))
		got, err := db.GetClient(ctx, "c1")
		require.NoError(t, err)
		assert.EqualValues(t, 2, got.TokensIssued)
		assert.EqualValues(t, 1, got.ActiveTokens)
		require.NotNil(t, got.LastUsedAt)

		// never below zero
		require.NoError(t, db.DecrementClientActiveTokens(ctx, "c1", 5))
		got, err = db.GetClient(ctx, "c1")
		require.NoError(t, err)
		assert.EqualValues(t, 0, got.ActiveTokens)
	})
}

func storeCode(t *testing.T, db *Store, code, clientID string, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, db.StoreToken(context.Background(), code, &types.Token{
		ID:          "code-" + code,
		TokenType:   types.TokenTypeAuthorizationCode,
		ClientID:    clientID,
		UserID:      "u1",
		Scopes:      types.StringSlice{"profile:read"},
		RedirectURI: "https://app.example.com/cb",
		ExpiresAt:   expiresAt,
	}))
}

func TestTokenOperations(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	now := time.Now()

	t.Run("OnlyHashIsStored", func(t *testing.T) {
		require.NoError(t, db.StoreToken(ctx, "secret-access", &types.Token{
			ID:        "t1_access",
			TokenType: types.TokenTypeAccess,
			ClientID:  "c1",
			UserID:    "u1",
			ExpiresAt: now.Add(time.Hour),
		}))

		got, err := db.GetToken(ctx, "secret-access")
		require.NoError(t, err)
		assert.Equal(t, "t1_access", got.ID)
		assert.Equal(t, types.TokenStatusActive, got.Status)
		assert.NotEqual(t, "secret-access", got.TokenHash)

		_, err = db.GetToken(ctx, "other")
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("ConsumeAuthCode", func(t *testing.T) {
		storeCode(t, db, "code-a", "c1", now.Add(10*time.Minute))

		ok, err := db.ConsumeAuthCode(ctx, "code-a", "other-client", now)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = db.ConsumeAuthCode(ctx, "code-a", "c1", now)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = db.ConsumeAuthCode(ctx, "code-a", "c1", now)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := db.GetToken(ctx, "code-a")
		require.NoError(t, err)
		assert.Equal(t, types.TokenStatusUsed, got.Status)
	})

	t.Run("ConsumeExpiredCode", func(t *testing.T) {
		storeCode(t, db, "code-b", "c1", now.Add(-time.Minute))
		ok, err := db.ConsumeAuthCode(ctx, "code-b", "c1", now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ConcurrentConsume", func(t *testing.T) {
		storeCode(t, db, "code-race", "c1", now.Add(10*time.Minute))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := db.ConsumeAuthCode(ctx, "code-race", "c1", time.Now())
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, wins.Load())
	})

	t.Run("RevokeToken", func(t *testing.T) {
		ok, err := db.RevokeToken(ctx, "secret-access", "test", now)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = db.RevokeToken(ctx, "secret-access", "test", now)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := db.GetToken(ctx, "secret-access")
		require.NoError(t, err)
		assert.Equal(t, types.TokenStatusRevoked, got.Status)
		assert.Equal(t, "test", got.RevocationReason)
		assert.NotNil(t, got.RevokedAt)
	})

	t.Run("RevokeTokensFor", func(t *testing.T) {
		for i, tokenType := range []string{types.TokenTypeAccess, types.TokenTypeRefresh} {
			require.NoError(t, db.StoreToken(ctx, fmt.Sprintf("u2-token-%d", i), &types.Token{
				ID:        fmt.Sprintf("u2_%d_%s", i, tokenType),
				TokenType: tokenType,
				ClientID:  "c2",
				UserID:    "u2",
				ExpiresAt: now.Add(time.Hour),
			}))
		}
		require.NoError(t, db.StoreToken(ctx, "u2-code", &types.Token{
			ID:        "u2_code",
			TokenType: types.TokenTypeAuthorizationCode,
			ClientID:  "c2",
			UserID:    "u2",
			ExpiresAt: now.Add(time.Minute),
		}))

		n, err := db.RevokeTokensFor(ctx, "u2", "c2", "consent_revoked", now)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		code, err := db.GetToken(ctx, "u2-code")
		require.NoError(t, err)
		assert.Equal(t, types.TokenStatusRevoked, code.Status)

		n, err = db.RevokeTokensFor(ctx, "u2", "c2", "consent_revoked", now)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("TouchToken", func(t *testing.T) {
		require.NoError(t, db.TouchToken(ctx, "t1_access", now))
		got, err := db.GetToken(ctx, "secret-access")
		require.NoError(t, err)
		assert.NotNil(t, got.LastUsedAt)
	})
}

func TestCleanupExpiredTokens(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	now := time.Now()

	require.NoError(t, db.CreateClient(ctx, testClient("c1")))
	require.NoError(t, db.IncrementClientTokens(ctx, "c1", 2, now))

	require.NoError(t, db.StoreToken(ctx, "expired", &types.Token{
		ID:        "e_access",
		TokenType: types.TokenTypeAccess,
		ClientID:  "c1",
		UserID:    "u1",
		ExpiresAt: now.Add(-time.Minute),
	}))
	require.NoError(t, db.StoreToken(ctx, "live", &types.Token{
		ID:        "l_refresh",
		TokenType: types.TokenTypeRefresh,
		ClientID:  "c1",
		UserID:    "u1",
		ExpiresAt: now.Add(time.Hour),
	}))

	n, err := db.CleanupExpiredTokens(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = db.GetToken(ctx, "expired")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = db.GetToken(ctx, "live")
	assert.NoError(t, err)

	client, err := db.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, client.ActiveTokens)
}

func TestPermissionOperations(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	now := time.Now().UTC()

	permission := &types.Permission{
		ID:             "u1:c1",
		UserID:         "u1",
		ClientID:       "c1",
		ApprovedScopes: types.StringSlice{"profile:read"},
		Status:         types.PermissionStatusApproved,
		ScopeGrants: datatypes.NewJSONType(map[string]types.ScopeGrant{
			"profile:read": {Granted: true, GrantedAt: &now},
		}),
	}
	permission.AuditLog = append(permission.AuditLog, types.PermissionAuditEntry{
		Action: "granted",
		Scopes: []string{"profile:read"},
		At:     now,
	})
	require.NoError(t, db.SavePermission(ctx, permission))

	got, err := db.GetPermission(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, types.StringSlice{"profile:read"}, got.ApprovedScopes)
	assert.True(t, got.ScopeGrants.Data()["profile:read"].Granted)
	require.Len(t, got.AuditLog, 1)
	assert.Equal(t, "granted", got.AuditLog[0].Action)

	_, err = db.GetPermission(ctx, "u1", "other")
	assert.ErrorIs(t, err, types.ErrNotFound)

	list, err := db.ListPermissions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPermissionVersioning(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	permission := &types.Permission{
		ID:       "u1:c1",
		UserID:   "u1",
		ClientID: "c1",
		Status:   types.PermissionStatusApproved,
	}
	require.NoError(t, db.SavePermission(ctx, permission))
	assert.EqualValues(t, 1, permission.Version)

	// A second insert of the same pair loses
	duplicate := &types.Permission{ID: "u1:c1", UserID: "u1", ClientID: "c1", Status: types.PermissionStatusPending}
	assert.ErrorIs(t, db.SavePermission(ctx, duplicate), types.ErrConflict)
	assert.Zero(t, duplicate.Version)

	first, err := db.GetPermission(ctx, "u1", "c1")
	require.NoError(t, err)
	second, err := db.GetPermission(ctx, "u1", "c1")
	require.NoError(t, err)

	first.Status = types.PermissionStatusRevoked
	require.NoError(t, db.SavePermission(ctx, first))
	assert.EqualValues(t, 2, first.Version)

	second.Status = types.PermissionStatusApproved
	assert.ErrorIs(t, db.SavePermission(ctx, second), types.ErrConflict)

	got, err := db.GetPermission(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, types.PermissionStatusRevoked, got.Status)
	assert.EqualValues(t, 2, got.Version)
}

// interleavingStore runs interleave once, right after the next GetPermission returns
type interleavingStore struct {
	*Store
	interleave func()
}

func (s *interleavingStore) GetPermission(ctx context.Context, userID, clientID string) (*types.Permission, error) {
	permission, err := s.Store.GetPermission(ctx, userID, clientID)
	if hook := s.interleave; hook != nil {
		s.interleave = nil
		hook()
	}
	return permission, err
}

func TestRecordUsageKeepsConcurrentRevoke(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	direct := consent.NewStore(db, zap.NewNop())
	wrapped := &interleavingStore{Store: db}
	usage := consent.NewStore(wrapped, zap.NewNop())

	_, err := direct.Approve(ctx, "u1", "c1", []string{consent.ScopeProfileRead, consent.ScopeEmailRead}, nil)
	require.NoError(t, err)

	wrapped.interleave = func() {
		_, err := direct.RevokeScopes(ctx, "u1", "c1", []string{consent.ScopeEmailRead}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, usage.RecordUsage(ctx, "u1", "c1", []string{consent.ScopeProfileRead, consent.ScopeEmailRead}))

	check, err := direct.CheckPermissions(ctx, "u1", "c1", []string{consent.ScopeEmailRead})
	require.NoError(t, err)
	assert.False(t, check.Granted)
	assert.Equal(t, []string{consent.ScopeEmailRead}, check.MissingScopes)

	permission, err := db.GetPermission(ctx, "u1", "c1")
	require.NoError(t, err)
	grants := permission.ScopeGrants.Data()
	assert.EqualValues(t, 1, grants[consent.ScopeProfileRead].UsageCount)
	assert.Zero(t, grants[consent.ScopeEmailRead].UsageCount)
	assert.EqualValues(t, 3, permission.Version)
}

func TestAccessLogOperations(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	now := time.Now().UTC()

	entries := []*types.AccessLog{
		{UserID: "u1", Action: "login", IP: "10.0.0.1", Success: true, CreatedAt: now.Add(-2 * time.Hour)},
		{UserID: "u1", Action: "login", IP: "10.0.0.1", Success: false, CreatedAt: now.Add(-30 * time.Minute)},
		{UserID: "u2", Action: "login", IP: "10.0.0.1", Success: false, CreatedAt: now.Add(-10 * time.Minute)},
		{UserID: "u1", Action: "login", IP: "10.0.0.2", Success: true, CreatedAt: now.Add(-100 * 24 * time.Hour)},
	}
	for _, entry := range entries {
		require.NoError(t, db.CreateAccessLog(ctx, entry))
	}

	failed, err := db.CountFailedAttempts(ctx, "10.0.0.1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, failed)

	times, err := db.ListLoginTimes(ctx, "u1", "login", entries[0].ID)
	require.NoError(t, err)
	assert.Len(t, times, 1)

	logs, err := db.ListAccessLogs(ctx, now.Add(-3*time.Hour), now, "")
	require.NoError(t, err)
	assert.Len(t, logs, 3)

	logs, err = db.ListAccessLogs(ctx, now.Add(-3*time.Hour), now, "u2")
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	deleted, err := db.DeleteAccessLogsBefore(ctx, now.Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}

func TestAlertOperations(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	now := time.Now().UTC()

	for i, severity := range []string{types.SeverityHigh, types.SeverityCritical, types.SeverityMedium} {
		require.NoError(t, db.AddAlert(ctx, &types.SecurityAlert{
			ID:        fmt.Sprintf("a%d", i),
			Type:      "suspicious_login",
			Severity:  severity,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}

	alerts, err := db.ListAlerts(ctx, types.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	assert.Equal(t, "a2", alerts[0].ID)

	alerts, err = db.ListAlerts(ctx, types.AlertFilter{Severity: types.SeverityCritical})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "a1", alerts[0].ID)

	require.NoError(t, db.ResolveAlert(ctx, "a1", now))
	assert.ErrorIs(t, db.ResolveAlert(ctx, "missing", now), types.ErrNotFound)

	alerts, err = db.ListAlerts(ctx, types.AlertFilter{UnresolvedOnly: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "a2", alerts[0].ID)
}

func TestRateLimitWindows(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		hits, err := db.HitRateLimit(ctx, "10.0.0.1", start.Add(time.Duration(i)*time.Second), time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, hits)
	}

	// next window starts over
	hits, err := db.HitRateLimit(ctx, "10.0.0.1", start.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, hits)

	// other keys are independent
	hits, err = db.HitRateLimit(ctx, "10.0.0.2", start, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, hits)

	swept, err := db.SweepRateLimits(ctx, start.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, swept)
}

func TestUsersAndAuthRequests(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	require.NoError(t, db.UpsertUser(ctx, &types.User{ID: "github:1", Email: "a@example.com", Provider: "github", LastLoginAt: time.Now()}))
	require.NoError(t, db.UpsertUser(ctx, &types.User{ID: "github:1", Email: "b@example.com", Provider: "github", LastLoginAt: time.Now()}))
	user, err := db.GetUser(ctx, "github:1")
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", user.Email)

	_, err = db.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, db.StoreAuthRequest(ctx, "state-1", map[string]any{"return_to": "/authorize?x=1"}))
	data, err := db.GetAuthRequest(ctx, "state-1")
	require.NoError(t, err)
	assert.Equal(t, "/authorize?x=1", data["return_to"])

	require.NoError(t, db.DeleteAuthRequest(ctx, "state-1"))
	_, err = db.GetAuthRequest(ctx, "state-1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, db.CleanupExpiredAuthRequests(ctx))
}
