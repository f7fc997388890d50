package consent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/obot-platform/app-oauth-server/pkg/types"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Audit actions recorded on a Permission
const (
	AuditGranted = "granted"
	AuditRevoked = "revoked"
)

var ErrNoScopes = errors.New("at least one scope must be approved")

const maxSaveAttempts = 5

// PermissionStore persists consent records
type PermissionStore interface {
	GetPermission(ctx context.Context, userID, clientID string) (*types.Permission, error)
	SavePermission(ctx context.Context, permission *types.Permission) error
	ListPermissions(ctx context.Context, userID string) ([]types.Permission, error)
}

// Check is the outcome of comparing requested scopes with a user's consent
type Check struct {
	Granted       bool     `json:"granted"`
	GrantedScopes []string `json:"granted_scopes"`
	MissingScopes []string `json:"missing_scopes"`
}

// Store answers and records per-user, per-client consent
type Store struct {
	store PermissionStore
	log   *zap.Logger
	now   func() time.Time
}

func NewStore(store PermissionStore, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{store: store, log: log, now: time.Now}
}

// ApproveOption customizes the grants created by Approve
type ApproveOption func(*types.ScopeGrant)

// WithExpiry makes the approved scopes lapse at t
func WithExpiry(t time.Time) ApproveOption {
	return func(g *types.ScopeGrant) {
		g.ExpiresAt = &t
	}
}

// WithConditions attaches free-form conditions to the approved scopes
func WithConditions(conditions map[string]any) ApproveOption {
	return func(g *types.ScopeGrant) {
		g.Conditions = conditions
	}
}

// CheckPermissions computes which requested scopes the user has already approved.
// Scopes whose grant has expired count as missing.
func (s *Store) CheckPermissions(ctx context.Context, userID, clientID string, requested []string) (*Check, error) {
	requested = types.NormalizeScopes(requested)
	check := &Check{
		GrantedScopes: []string{},
		MissingScopes: []string{},
	}

	permission, err := s.store.GetPermission(ctx, userID, clientID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}

	now := s.now()
	for _, scope := range requested {
		if permission != nil && isGranted(permission, scope, now) {
			check.GrantedScopes = append(check.GrantedScopes, scope)
		} else {
			check.MissingScopes = append(check.MissingScopes, scope)
		}
	}
	check.Granted = len(check.MissingScopes) == 0
	return check, nil
}

func isGranted(permission *types.Permission, scope string, now time.Time) bool {
	if permission.Status != types.PermissionStatusApproved || !permission.ApprovedScopes.Contains(scope) {
		return false
	}
	grant, ok := permission.ScopeGrants.Data()[scope]
	if !ok || !grant.Granted {
		return false
	}
	return grant.ExpiresAt == nil || grant.ExpiresAt.After(now)
}

// Approve replaces the user's approved scopes for a client with scopes. Previously
// approved scopes that are not listed again are revoked.
func (s *Store) Approve(ctx context.Context, userID, clientID string, scopes []string, metadata map[string]any, opts ...ApproveOption) (*types.Permission, error) {
	scopes = types.NormalizeScopes(scopes)
	if len(scopes) == 0 {
		return nil, ErrNoScopes
	}
	if err := ValidateScopes(scopes); err != nil {
		return nil, err
	}

	permission, err := s.update(ctx, userID, clientID, true, func(permission *types.Permission, now time.Time) bool {
		grants := permission.ScopeGrants.Data()

		var dropped []string
		for scope, grant := range grants {
			if grant.Granted && !slices.Contains(scopes, scope) {
				grant.Granted = false
				grant.RevokedAt = &now
				grants[scope] = grant
				dropped = append(dropped, scope)
			}
		}
		slices.Sort(dropped)

		for _, scope := range scopes {
			grant := grants[scope]
			grant.Granted = true
			grant.GrantedAt = &now
			grant.RevokedAt = nil
			grant.ExpiresAt = nil
			grant.Conditions = nil
			for _, opt := range opts {
				opt(&grant)
			}
			grants[scope] = grant
		}

		permission.ScopeGrants = datatypes.NewJSONType(grants)
		permission.ApprovedScopes = scopes
		permission.Status = types.PermissionStatusApproved
		if len(dropped) > 0 {
			permission.AuditLog = append(permission.AuditLog, types.PermissionAuditEntry{
				Action: AuditRevoked, Scopes: dropped, At: now, Metadata: metadata,
			})
		}
		permission.AuditLog = append(permission.AuditLog, types.PermissionAuditEntry{
			Action: AuditGranted, Scopes: scopes, At: now, Metadata: metadata,
		})
		return true
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Consent approved",
		zap.String("user_id", userID),
		zap.String("client_id", clientID),
		zap.Strings("scopes", scopes))
	return permission, nil
}

// RevokeScopes withdraws the listed scopes; with no scopes listed every approved scope is
// withdrawn. The permission becomes revoked once nothing remains approved.
func (s *Store) RevokeScopes(ctx context.Context, userID, clientID string, scopes []string, metadata map[string]any) (*types.Permission, error) {
	scopes = types.NormalizeScopes(scopes)

	var revoked []string
	permission, err := s.update(ctx, userID, clientID, false, func(permission *types.Permission, now time.Time) bool {
		targets := scopes
		if len(targets) == 0 {
			targets = slices.Clone(permission.ApprovedScopes)
		}

		grants := permission.ScopeGrants.Data()
		revoked = nil
		for _, scope := range targets {
			grant, ok := grants[scope]
			if !ok || !grant.Granted {
				continue
			}
			grant.Granted = false
			grant.RevokedAt = &now
			grants[scope] = grant
			revoked = append(revoked, scope)
		}

		remaining := make([]string, 0, len(permission.ApprovedScopes))
		for _, scope := range permission.ApprovedScopes {
			if !slices.Contains(revoked, scope) {
				remaining = append(remaining, scope)
			}
		}

		permission.ScopeGrants = datatypes.NewJSONType(grants)
		permission.ApprovedScopes = remaining
		if len(remaining) == 0 {
			permission.Status = types.PermissionStatusRevoked
		}
		if len(revoked) > 0 {
			permission.AuditLog = append(permission.AuditLog, types.PermissionAuditEntry{
				Action: AuditRevoked, Scopes: revoked, At: now, Metadata: metadata,
			})
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Consent revoked",
		zap.String("user_id", userID),
		zap.String("client_id", clientID),
		zap.Strings("scopes", revoked))
	return permission, nil
}

// RecordUsage bumps the usage counter of each granted scope that was exercised
func (s *Store) RecordUsage(ctx context.Context, userID, clientID string, scopes []string) error {
	_, err := s.update(ctx, userID, clientID, false, func(permission *types.Permission, now time.Time) bool {
		grants := permission.ScopeGrants.Data()
		changed := false
		for _, scope := range scopes {
			grant, ok := grants[scope]
			if !ok || !grant.Granted {
				continue
			}
			grant.UsageCount++
			grant.LastUsedAt = &now
			grants[scope] = grant
			changed = true
		}
		if changed {
			permission.ScopeGrants = datatypes.NewJSONType(grants)
		}
		return changed
	})
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	return err
}

// update applies mutate to a freshly loaded permission and saves it, starting over
// whenever another writer got there first. mutate reports whether anything changed.
func (s *Store) update(ctx context.Context, userID, clientID string, create bool, mutate func(*types.Permission, time.Time) bool) (*types.Permission, error) {
	for range maxSaveAttempts {
		var (
			permission *types.Permission
			err        error
		)
		if create {
			permission, err = s.load(ctx, userID, clientID)
		} else {
			permission, err = s.store.GetPermission(ctx, userID, clientID)
			if err == nil && permission.ScopeGrants.Data() == nil {
				permission.ScopeGrants = datatypes.NewJSONType(map[string]types.ScopeGrant{})
			}
		}
		if err != nil {
			return nil, err
		}

		if !mutate(permission, s.now()) {
			return permission, nil
		}

		err = s.store.SavePermission(ctx, permission)
		if errors.Is(err, types.ErrConflict) {
			s.log.Debug("Consent record changed while updating, retrying",
				zap.String("user_id", userID),
				zap.String("client_id", clientID))
			continue
		} else if err != nil {
			return nil, fmt.Errorf("failed to save permission: %w", err)
		}
		return permission, nil
	}
	return nil, fmt.Errorf("failed to save permission: %w", types.ErrConflict)
}

// ListForUser returns every consent record of a user
func (s *Store) ListForUser(ctx context.Context, userID string) ([]types.Permission, error) {
	return s.store.ListPermissions(ctx, userID)
}

func (s *Store) load(ctx context.Context, userID, clientID string) (*types.Permission, error) {
	permission, err := s.store.GetPermission(ctx, userID, clientID)
	if errors.Is(err, types.ErrNotFound) {
		return &types.Permission{
			ID:          PermissionID(userID, clientID),
			UserID:      userID,
			ClientID:    clientID,
			Status:      types.PermissionStatusPending,
			ScopeGrants: datatypes.NewJSONType(map[string]types.ScopeGrant{}),
		}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	if permission.ScopeGrants.Data() == nil {
		permission.ScopeGrants = datatypes.NewJSONType(map[string]types.ScopeGrant{})
	}
	return permission, nil
}

// PermissionID is the primary key of the consent record for a (user, client) pair
func PermissionID(userID, clientID string) string {
	return userID + ":" + clientID
}
