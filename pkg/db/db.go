package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/obot-platform/app-oauth-server/pkg/types"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store represents the database connection and operations
type Store struct {
	db     *gorm.DB
	dbType string // "postgres" or "sqlite"
	log    *zap.Logger
}

// New creates a new database connection and sets up the schema
func New(dsn string, log *zap.Logger) (*Store, error) {
	var gormDB *gorm.DB
	var dbType string
	var err error

	if log == nil {
		log = zap.NewNop()
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	switch {
	case dsn == "":
		dataDir := "data"
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		gormDB, err = gorm.Open(sqlite.Open(sqliteDSN(filepath.Join(dataDir, "oauth_server.db"))), gormConfig)
		dbType = "sqlite"
	case IsPostgresDSN(dsn):
		gormDB, err = gorm.Open(postgres.Open(dsn), gormConfig)
		dbType = "postgres"
	default:
		gormDB, err = gorm.Open(sqlite.Open(sqliteDSN(dsn)), gormConfig)
		dbType = "sqlite"
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbType == "sqlite" {
		// Status transitions rely on single-statement updates; serialize writers so
		// concurrent requests wait instead of failing with SQLITE_BUSY.
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql database: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	database := &Store{db: gormDB, dbType: dbType, log: log}

	if err := database.setupSchema(); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return database, nil
}

// IsPostgresDSN reports whether dsn addresses a PostgreSQL server
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_foreign_keys=on"
}

// setupSchema creates the necessary tables and handles migrations
func (d *Store) setupSchema() error {
	err := d.db.AutoMigrate(
		&types.Client{},
		&types.Token{},
		&types.Permission{},
		&types.AccessLog{},
		&types.SecurityAlert{},
		&types.RateLimitWindow{},
		&types.User{},
		&types.StoredAuthRequest{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database schema: %w", err)
	}
	return nil
}

// Type returns "postgres" or "sqlite"
func (d *Store) Type() string {
	return d.dbType
}

// Close closes the database connection
func (d *Store) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.ErrNotFound
	}
	return err
}

// UpsertUser records the identity handed off by an upstream login
func (d *Store) UpsertUser(ctx context.Context, user *types.User) error {
	return d.db.WithContext(ctx).Save(user).Error
}

// GetUser retrieves a user by ID
func (d *Store) GetUser(ctx context.Context, userID string) (*types.User, error) {
	var user types.User
	if err := d.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// StoreAuthRequest stores a pending login request with a 15-minute TTL
func (d *Store) StoreAuthRequest(ctx context.Context, key string, data map[string]any) error {
	authRequest := &types.StoredAuthRequest{
		Key:       key,
		Data:      data,
		ExpiresAt: time.Now().Add(15 * time.Minute),
	}
	return d.db.WithContext(ctx).Create(authRequest).Error
}

// GetAuthRequest retrieves a pending login request by key and checks TTL
func (d *Store) GetAuthRequest(ctx context.Context, key string) (map[string]any, error) {
	var authRequest types.StoredAuthRequest
	err := d.db.WithContext(ctx).First(&authRequest, "key = ? AND expires_at > ?", key, time.Now()).Error
	if err != nil {
		return nil, notFound(err)
	}
	return authRequest.Data, nil
}

// DeleteAuthRequest deletes a pending login request by key
func (d *Store) DeleteAuthRequest(ctx context.Context, key string) error {
	return d.db.WithContext(ctx).Delete(&types.StoredAuthRequest{}, "key = ?", key).Error
}

// CleanupExpiredAuthRequests removes expired login requests
func (d *Store) CleanupExpiredAuthRequests(ctx context.Context) error {
	result := d.db.WithContext(ctx).Where("expires_at < ?", time.Now()).Delete(&types.StoredAuthRequest{})
	if result.Error != nil {
		return fmt.Errorf("failed to cleanup expired auth requests: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		d.log.Info("Deleted expired auth requests", zap.Int64("count", result.RowsAffected))
	}
	return nil
}
