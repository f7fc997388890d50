package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/obot-platform/app-oauth-server/pkg/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MaxStoredAlerts bounds the shared alert table, mirroring the in-memory ring buffer
const MaxStoredAlerts = 1000

// AddAlert stores an alert and trims the table to the newest MaxStoredAlerts rows
func (d *Store) AddAlert(ctx context.Context, alert *types.SecurityAlert) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(alert).Error; err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&types.SecurityAlert{}).Count(&count).Error; err != nil {
			return err
		}
		if count <= MaxStoredAlerts {
			return nil
		}

		var oldest []string
		if err := tx.Model(&types.SecurityAlert{}).Order("created_at ASC").Limit(int(count-MaxStoredAlerts)).Pluck("id", &oldest).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", oldest).Delete(&types.SecurityAlert{}).Error
	})
}

// ListAlerts returns alerts newest first
func (d *Store) ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.SecurityAlert, error) {
	query := d.db.WithContext(ctx).Order("created_at DESC")
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.UnresolvedOnly {
		query = query.Where("resolved = ?", false)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var alerts []types.SecurityAlert
	err := query.Find(&alerts).Error
	return alerts, err
}

// ResolveAlert marks an alert resolved
func (d *Store) ResolveAlert(ctx context.Context, id string, now time.Time) error {
	result := d.db.WithContext(ctx).Model(&types.SecurityAlert{}).Where("id = ?", id).Updates(map[string]any{
		"resolved":    true,
		"resolved_at": now,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("alert %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// HitRateLimit counts one request against the fixed window containing now. Windows are
// aligned to multiples of the window length so every instance agrees on the boundary.
func (d *Store) HitRateLimit(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	start := now.Truncate(window)
	row := types.RateLimitWindow{
		Key:         key + "@" + strconv.FormatInt(start.Unix(), 10),
		WindowStart: start,
		Hits:        1,
		ExpiresAt:   start.Add(window),
	}

	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]any{"hits": gorm.Expr("rate_limit_windows.hits + 1")}),
	}).Create(&row).Error
	if err != nil {
		return 0, err
	}

	var current types.RateLimitWindow
	if err := d.db.WithContext(ctx).First(&current, "key = ?", row.Key).Error; err != nil {
		return 0, notFound(err)
	}
	return current.Hits, nil
}

// SweepRateLimits deletes elapsed windows
func (d *Store) SweepRateLimits(ctx context.Context, now time.Time) (int64, error) {
	result := d.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&types.RateLimitWindow{})
	return result.RowsAffected, result.Error
}
