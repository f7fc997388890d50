package types

import (
	"errors"
	"time"

	"gorm.io/datatypes"
)

var (
	// ErrNotFound is returned by stores when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a versioned record changed since it was read
	ErrConflict = errors.New("record was modified concurrently")
)

// Config holds all configuration values for the authorization server
type Config struct {
	Host        string
	Port        string
	DatabaseDSN string

	// TokenSigningKey is the base64-encoded HS256 key used to sign access and refresh tokens.
	TokenSigningKey string
	// EncryptionKey is the base64-encoded 32-byte AES-256 key used for session cookies.
	EncryptionKey string

	// Upstream identity provider used for the login hand-off
	OAuthClientID     string
	OAuthClientSecret string
	OAuthAuthorizeURL string
	LoginScopes       string

	ConsentURL          string
	Environment         string
	AdminUsers          []string
	SharedState         string
	RateLimitWindow     time.Duration
	RateLimitMax        int
	LogRetentionDays    int
	RotateRefreshTokens bool
	AutoActivateClients bool
}

// Client status values
const (
	ClientStatusPending   = "pending"
	ClientStatusActive    = "active"
	ClientStatusRevoked   = "revoked"
	ClientStatusSuspended = "suspended"
)

// Client is a registered application
type Client struct {
	ClientID         string      `gorm:"primaryKey" json:"client_id"`
	ClientSecretHash string      `json:"-"`
	OwnerID          string      `gorm:"not null;index" json:"owner_id"`
	Name             string      `gorm:"not null" json:"name"`
	Description      string      `json:"description,omitempty"`
	RedirectURI      string      `gorm:"not null" json:"redirect_uri"`
	Scopes           StringSlice `gorm:"type:text" json:"scopes"`
	Status           string      `gorm:"not null;index" json:"status"`
	RequirePKCE      bool        `gorm:"column:require_pkce" json:"require_pkce"`
	TrustedApp       bool        `json:"trusted_app"`
	AutoApprove      bool        `json:"auto_approve"`
	TokensIssued     int64       `gorm:"not null;default:0" json:"tokens_issued"`
	ActiveTokens     int64       `gorm:"not null;default:0" json:"active_tokens"`
	LastUsedAt       *time.Time  `json:"last_used_at,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// IsPublic reports whether the client authenticates without a secret
func (c *Client) IsPublic() bool {
	return c.ClientSecretHash == ""
}

// Token types
const (
	TokenTypeAuthorizationCode = "authorization_code"
	TokenTypeAccess            = "access"
	TokenTypeRefresh           = "refresh"
)

// Token status values
const (
	TokenStatusActive  = "active"
	TokenStatusRevoked = "revoked"
	TokenStatusUsed    = "used"
)

// Token is an authorization code, access token or refresh token. Only a hash of the
// bearer value is stored.
type Token struct {
	ID        string      `gorm:"primaryKey"`
	TokenHash string      `gorm:"uniqueIndex;not null"`
	TokenType string      `gorm:"not null;index"`
	JTI       string      `gorm:"column:jti;index"`
	ClientID  string      `gorm:"not null;index"`
	UserID    string      `gorm:"not null;index"`
	Scopes    StringSlice `gorm:"type:text"`

	// Authorization code only
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string

	AuthorizationCodeExpiresAt *time.Time
	AccessTokenExpiresAt       *time.Time
	RefreshTokenExpiresAt      *time.Time
	ExpiresAt                  time.Time `gorm:"not null;index"`

	Status           string `gorm:"not null;index"`
	RevocationReason string
	RevokedAt        *time.Time
	LastUsedAt       *time.Time
	CreatedAt        time.Time
}

// Permission status values
const (
	PermissionStatusApproved = "approved"
	PermissionStatusPending  = "pending"
	PermissionStatusRevoked  = "revoked"
)

// ScopeGrant is the per-scope consent record
type ScopeGrant struct {
	Granted    bool           `json:"granted"`
	GrantedAt  *time.Time     `json:"grantedAt,omitempty"`
	RevokedAt  *time.Time     `json:"revokedAt,omitempty"`
	ExpiresAt  *time.Time     `json:"expiresAt,omitempty"`
	Conditions map[string]any `json:"conditions,omitempty"`
	UsageCount int64          `json:"usageCount"`
	LastUsedAt *time.Time     `json:"lastUsedAt,omitempty"`
}

// PermissionAuditEntry is one grant or revoke event on a Permission
type PermissionAuditEntry struct {
	Action   string         `json:"action"`
	Scopes   []string       `json:"scopes"`
	At       time.Time      `json:"at"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Permission records what a user approved for a client
type Permission struct {
	ID             string                                    `gorm:"primaryKey" json:"id"`
	UserID         string                                    `gorm:"not null;uniqueIndex:idx_permissions_user_client" json:"user_id"`
	ClientID       string                                    `gorm:"not null;uniqueIndex:idx_permissions_user_client" json:"client_id"`
	ApprovedScopes StringSlice                               `gorm:"type:text" json:"approved_scopes"`
	ScopeGrants    datatypes.JSONType[map[string]ScopeGrant] `json:"scope_grants"`
	Status         string                                    `gorm:"not null" json:"status"`
	AuditLog       datatypes.JSONSlice[PermissionAuditEntry] `json:"audit_log"`
	// Version is bumped on every write; zero means the record has not been stored yet.
	// Stored rows start at 1.
	Version   int64     `gorm:"not null;default:1" json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AccessLog is an immutable record of one authentication or authorization event
type AccessLog struct {
	ID        uint64            `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string            `gorm:"index" json:"user_id,omitempty"`
	Action    string            `gorm:"not null;index" json:"action"`
	Provider  string            `json:"provider,omitempty"`
	IP        string            `gorm:"index" json:"ip"`
	UserAgent string            `json:"user_agent"`
	Success   bool              `gorm:"index" json:"success"`
	RiskScore int               `json:"risk_score"`
	Flagged   bool              `gorm:"index" json:"flagged"`
	Metadata  datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt time.Time         `gorm:"not null;index" json:"created_at"`
}

// Alert severities
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// SecurityAlert is raised by the security monitor when a rule fires
type SecurityAlert struct {
	ID         string            `gorm:"primaryKey" json:"id"`
	Type       string            `gorm:"not null;index" json:"type"`
	Severity   string            `gorm:"not null" json:"severity"`
	Message    string            `json:"message"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	Resolved   bool              `gorm:"index" json:"resolved"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
	CreatedAt  time.Time         `gorm:"not null;index" json:"created_at"`
}

// AlertFilter narrows an alert listing
type AlertFilter struct {
	Type           string
	Severity       string
	UnresolvedOnly bool
	Limit          int
}

// RateLimitWindow is a shared fixed-window counter
type RateLimitWindow struct {
	Key         string    `gorm:"primaryKey"`
	WindowStart time.Time `gorm:"not null"`
	Hits        int       `gorm:"not null;default:0"`
	ExpiresAt   time.Time `gorm:"not null;index"`
}

// User is the identity record written when an upstream login hands off to this server
type User struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Email       string    `json:"email,omitempty"`
	Name        string    `json:"name,omitempty"`
	Provider    string    `json:"provider,omitempty"`
	LastLoginAt time.Time `json:"last_login_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StoredAuthRequest represents a pending upstream login keyed by its state parameter
type StoredAuthRequest struct {
	Key       string            `gorm:"primaryKey"`
	Data      datatypes.JSONMap `gorm:"not null"`
	ExpiresAt time.Time         `gorm:"not null;index"`
	CreatedAt time.Time         `gorm:"autoCreateTime"`
}
