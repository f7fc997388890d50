package db

import (
	"context"
	"time"

	"github.com/obot-platform/app-oauth-server/pkg/types"
	"go.uber.org/zap"
)

// CreateAccessLog writes an access log entry
func (d *Store) CreateAccessLog(ctx context.Context, entry *types.AccessLog) error {
	return d.db.WithContext(ctx).Create(entry).Error
}

// CountFailedAttempts counts failed events from an IP since the given time
func (d *Store) CountFailedAttempts(ctx context.Context, ip string, since time.Time) (int64, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&types.AccessLog{}).
		Where("ip = ? AND success = ? AND created_at >= ?", ip, false, since).
		Count(&count).Error
	return count, err
}

// ListLoginTimes returns the timestamps of a user's successful logins, excluding one entry
func (d *Store) ListLoginTimes(ctx context.Context, userID, action string, excludeID uint64) ([]time.Time, error) {
	var times []time.Time
	err := d.db.WithContext(ctx).Model(&types.AccessLog{}).
		Where("user_id = ? AND action = ? AND success = ? AND id <> ?", userID, action, true, excludeID).
		Pluck("created_at", &times).Error
	return times, err
}

// ListAccessLogs returns entries within [start, end], optionally for one user
func (d *Store) ListAccessLogs(ctx context.Context, start, end time.Time, userID string) ([]types.AccessLog, error) {
	query := d.db.WithContext(ctx).Where("created_at >= ? AND created_at <= ?", start, end)
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	var entries []types.AccessLog
	err := query.Order("created_at ASC").Find(&entries).Error
	return entries, err
}

// DeleteAccessLogsBefore removes entries older than cutoff
func (d *Store) DeleteAccessLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := d.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&types.AccessLog{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		d.log.Info("Deleted old access logs", zap.Int64("count", result.RowsAffected), zap.Time("cutoff", cutoff))
	}
	return result.RowsAffected, nil
}
