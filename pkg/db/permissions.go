package db

import (
	"context"
	"time"

	"github.com/obot-platform/app-oauth-server/pkg/types"
	"gorm.io/gorm/clause"
)

// GetPermission retrieves the consent record for a (user, client) pair
func (d *Store) GetPermission(ctx context.Context, userID, clientID string) (*types.Permission, error) {
	var permission types.Permission
	err := d.db.WithContext(ctx).First(&permission, "user_id = ? AND client_id = ?", userID, clientID).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &permission, nil
}

// SavePermission writes a consent record if nobody else has written it since it was read.
// A record with Version zero is inserted; otherwise the update only applies while the stored
// version still matches. Either way a lost race returns types.ErrConflict and the caller is
// expected to reload and retry. On success Version holds the stored version.
func (d *Store) SavePermission(ctx context.Context, permission *types.Permission) error {
	now := time.Now()

	if permission.Version == 0 {
		permission.Version = 1
		result := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(permission)
		if result.Error != nil {
			permission.Version = 0
			return result.Error
		}
		if result.RowsAffected == 0 {
			permission.Version = 0
			return types.ErrConflict
		}
		return nil
	}

	result := d.db.WithContext(ctx).Model(&types.Permission{}).
		Where("id = ? AND version = ?", permission.ID, permission.Version).
		Updates(map[string]any{
			"approved_scopes": permission.ApprovedScopes,
			"scope_grants":    permission.ScopeGrants,
			"status":          permission.Status,
			"audit_log":       permission.AuditLog,
			"version":         permission.Version + 1,
			"updated_at":      now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrConflict
	}
	permission.Version++
	permission.UpdatedAt = now
	return nil
}

// ListPermissions returns every consent record a user holds
func (d *Store) ListPermissions(ctx context.Context, userID string) ([]types.Permission, error) {
	var permissions []types.Permission
	err := d.db.WithContext(ctx).Where("user_id = ?", userID).Order("updated_at DESC").Find(&permissions).Error
	return permissions, err
}
