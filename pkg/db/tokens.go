package db

import (
	"context"
	"fmt"
	"time"

	"github.com/obot-platform/app-oauth-server/pkg/encryption"
	"github.com/obot-platform/app-oauth-server/pkg/types"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var bearerTokenTypes = []string{types.TokenTypeAccess, types.TokenTypeRefresh}

// StoreToken persists a token record. Only the SHA-256 hash of value is stored.
func (d *Store) StoreToken(ctx context.Context, value string, token *types.Token) error {
	token.TokenHash = encryption.HashToken(value)
	if token.Status == "" {
		token.Status = types.TokenStatusActive
	}
	return d.db.WithContext(ctx).Create(token).Error
}

// GetToken retrieves a token record by its bearer value
func (d *Store) GetToken(ctx context.Context, value string) (*types.Token, error) {
	var token types.Token
	if err := d.db.WithContext(ctx).First(&token, "token_hash = ?", encryption.HashToken(value)).Error; err != nil {
		return nil, notFound(err)
	}
	return &token, nil
}

// ConsumeAuthCode marks an authorization code used. The transition is a single
// conditional update so only one caller can ever observe true for a given code.
func (d *Store) ConsumeAuthCode(ctx context.Context, code, clientID string, now time.Time) (bool, error) {
	result := d.db.WithContext(ctx).Model(&types.Token{}).
		Where("token_hash = ? AND token_type = ? AND client_id = ? AND status = ? AND expires_at > ?",
			encryption.HashToken(code), types.TokenTypeAuthorizationCode, clientID, types.TokenStatusActive, now).
		Updates(map[string]any{
			"status":            types.TokenStatusUsed,
			"revocation_reason": "exchanged",
			"revoked_at":        now,
			"last_used_at":      now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// RevokeToken revokes an active token by value. Returns false when the token was
// unknown or no longer active.
func (d *Store) RevokeToken(ctx context.Context, value, reason string, now time.Time) (bool, error) {
	result := d.db.WithContext(ctx).Model(&types.Token{}).
		Where("token_hash = ? AND status = ?", encryption.HashToken(value), types.TokenStatusActive).
		Updates(map[string]any{
			"status":            types.TokenStatusRevoked,
			"revocation_reason": reason,
			"revoked_at":        now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// RevokeTokensFor revokes every active token a user holds for a client and returns how
// many access/refresh tokens changed state. Outstanding codes are revoked too but not counted.
func (d *Store) RevokeTokensFor(ctx context.Context, userID, clientID, reason string, now time.Time) (int64, error) {
	updates := map[string]any{
		"status":            types.TokenStatusRevoked,
		"revocation_reason": reason,
		"revoked_at":        now,
	}

	var revoked int64
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&types.Token{}).
			Where("user_id = ? AND client_id = ? AND status = ? AND token_type IN ?",
				userID, clientID, types.TokenStatusActive, bearerTokenTypes).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		revoked = result.RowsAffected

		return tx.Model(&types.Token{}).
			Where("user_id = ? AND client_id = ? AND status = ? AND token_type = ?",
				userID, clientID, types.TokenStatusActive, types.TokenTypeAuthorizationCode).
			Updates(updates).Error
	})
	return revoked, err
}

// TouchToken records the last time a token was presented
func (d *Store) TouchToken(ctx context.Context, id string, now time.Time) error {
	return d.db.WithContext(ctx).Model(&types.Token{}).Where("id = ?", id).Update("last_used_at", now).Error
}

// CleanupExpiredTokens deletes tokens past their expiry and releases their slots in the
// owning clients' active counters. Returns the number of deleted rows.
func (d *Store) CleanupExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	var expired []struct {
		ClientID string
		N        int64
	}
	err := d.db.WithContext(ctx).Model(&types.Token{}).
		Select("client_id, COUNT(*) AS n").
		Where("status = ? AND expires_at < ? AND token_type IN ?", types.TokenStatusActive, now, bearerTokenTypes).
		Group("client_id").
		Scan(&expired).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count expired tokens: %w", err)
	}

	for _, row := range expired {
		if err := d.DecrementClientActiveTokens(ctx, row.ClientID, row.N); err != nil {
			return 0, fmt.Errorf("failed to release active tokens for client %s: %w", row.ClientID, err)
		}
	}

	result := d.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&types.Token{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to cleanup expired tokens: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		d.log.Info("Deleted expired tokens", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}
