package db

import (
	"context"
	"fmt"
	"time"

	"github.com/obot-platform/app-oauth-server/pkg/types"
	"gorm.io/gorm"
)

// CreateClient stores a newly registered client
func (d *Store) CreateClient(ctx context.Context, client *types.Client) error {
	return d.db.WithContext(ctx).Create(client).Error
}

// GetClient retrieves a client by ID
func (d *Store) GetClient(ctx context.Context, clientID string) (*types.Client, error) {
	var client types.Client
	if err := d.db.WithContext(ctx).First(&client, "client_id = ?", clientID).Error; err != nil {
		return nil, notFound(err)
	}
	return &client, nil
}

// UpdateClient saves every field of an existing client
func (d *Store) UpdateClient(ctx context.Context, client *types.Client) error {
	result := d.db.WithContext(ctx).Model(&types.Client{}).Where("client_id = ?", client.ClientID).Select(
		"name", "description", "redirect_uri", "scopes", "status", "require_pkce", "trusted_app",
		"auto_approve", "client_secret_hash", "updated_at",
	).Updates(client)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("client %s: %w", client.ClientID, types.ErrNotFound)
	}
	return nil
}

// ListClientsByOwner returns the clients owned by a user, newest first
func (d *Store) ListClientsByOwner(ctx context.Context, ownerID string) ([]types.Client, error) {
	var clients []types.Client
	err := d.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&clients).Error
	return clients, err
}

// IncrementClientTokens bumps the issued and active counters in one statement
func (d *Store) IncrementClientTokens(ctx context.Context, clientID string, n int64, now time.Time) error {
	return d.db.WithContext(ctx).Model(&types.Client{}).Where("client_id = ?", clientID).Updates(map[string]any{
		"tokens_issued": gorm.Expr("tokens_issued + ?", n),
		"active_tokens": gorm.Expr("active_tokens + ?", n),
		"last_used_at":  now,
	}).Error
}

// DecrementClientActiveTokens lowers the active counter without going below zero
func (d *Store) DecrementClientActiveTokens(ctx context.Context, clientID string, n int64) error {
	if n <= 0 {
		return nil
	}
	return d.db.WithContext(ctx).Model(&types.Client{}).Where("client_id = ?", clientID).
		Update("active_tokens", gorm.Expr("CASE WHEN active_tokens > ? THEN active_tokens - ? ELSE 0 END", n, n)).Error
}
