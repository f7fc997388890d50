package security

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/obot-platform/app-oauth-server/pkg/types"
	"go.uber.org/zap"
)

// Actions recorded in the access log
const (
	ActionLogin          = "login"
	ActionLogout         = "logout"
	ActionAuthorize      = "authorize"
	ActionTokenExchange  = "token_exchange"
	ActionTokenRefresh   = "token_refresh"
	ActionTokenRevoke    = "token_revoke"
	ActionConsentApprove = "consent_approve"
	ActionConsentDeny    = "consent_deny"
	ActionConsentRevoke  = "consent_revoke"
	ActionResourceAccess = "resource_access"
	ActionClientManage   = "client_manage"
	ActionRateLimited    = "rate_limited"
)

// Alert types
const (
	AlertMultipleFailedAttempts = "multiple_failed_attempts"
	AlertSuspiciousLogin        = "suspicious_login"
	AlertUnusualActivity        = "unusual_activity"
)

const (
	FlagThreshold = 70

	failedAttemptWindow    = time.Hour
	failedAttemptThreshold = 5
	suspiciousRiskScore    = 80
	minLoginHistory        = 20
	unusualHourShare       = 0.05
)

var automationUserAgent = regexp.MustCompile(`(?i)bot|crawler|spider|scraper|curl|wget|python|postman|insomnia|httpie|java/|go-http-client|axios|node-fetch|headless`)

// Store persists access log entries
type Store interface {
	CreateAccessLog(ctx context.Context, entry *types.AccessLog) error
	CountFailedAttempts(ctx context.Context, ip string, since time.Time) (int64, error)
	ListLoginTimes(ctx context.Context, userID, action string, excludeID uint64) ([]time.Time, error)
	ListAccessLogs(ctx context.Context, start, end time.Time, userID string) ([]types.AccessLog, error)
	DeleteAccessLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AlertStore holds raised alerts
type AlertStore interface {
	AddAlert(ctx context.Context, alert *types.SecurityAlert) error
	ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.SecurityAlert, error)
	ResolveAlert(ctx context.Context, id string, now time.Time) error
}

// Event is one authentication or authorization attempt
type Event struct {
	UserID    string
	Action    string
	Provider  string
	IP        string
	UserAgent string
	Success   bool
	Metadata  map[string]any
}

// Monitor scores events, writes them to the access log and raises alerts
type Monitor struct {
	store      Store
	alerts     AlertStore
	log        *zap.Logger
	production bool
	now        func() time.Time
}

// NewMonitor creates a monitor. In production, requests from private and loopback
// addresses are treated as riskier.
func NewMonitor(store Store, alerts AlertStore, log *zap.Logger, production bool) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	if alerts == nil {
		alerts = NewMemoryAlertStore(MaxAlerts)
	}
	return &Monitor{
		store:      store,
		alerts:     alerts,
		log:        log,
		production: production,
		now:        time.Now,
	}
}

// LogSecurityEvent scores and persists an event, then evaluates the alert rules
func (m *Monitor) LogSecurityEvent(ctx context.Context, event Event) (*types.AccessLog, error) {
	score := m.CalculateRiskScore(event)
	entry := &types.AccessLog{
		UserID:    event.UserID,
		Action:    event.Action,
		Provider:  event.Provider,
		IP:        event.IP,
		UserAgent: event.UserAgent,
		Success:   event.Success,
		RiskScore: score,
		Flagged:   score > FlagThreshold,
		Metadata:  event.Metadata,
		CreatedAt: m.now().UTC(),
	}

	if err := m.store.CreateAccessLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to write access log: %w", err)
	}

	if entry.Flagged {
		m.log.Warn("Flagged security event",
			zap.String("action", entry.Action),
			zap.String("user_id", entry.UserID),
			zap.String("ip", entry.IP),
			zap.Int("risk_score", entry.RiskScore))
	}

	if err := m.evaluateAlerts(ctx, entry); err != nil {
		m.log.Error("Failed to evaluate security alerts", zap.Error(err))
	}
	return entry, nil
}

// Record logs an event and only reports failures to write it through the logger
func (m *Monitor) Record(ctx context.Context, event Event) {
	if _, err := m.LogSecurityEvent(ctx, event); err != nil {
		m.log.Error("Failed to record security event", zap.String("action", event.Action), zap.Error(err))
	}
}

// CalculateRiskScore returns the additive 0-100 risk score of an event
func (m *Monitor) CalculateRiskScore(event Event) int {
	score := 0

	if !event.Success {
		score += 30
	}
	if automationUserAgent.MatchString(event.UserAgent) {
		score += 40
	}
	if len(strings.TrimSpace(event.UserAgent)) < 20 {
		score += 25
	}
	if m.production && isPrivateIP(event.IP) {
		score += 20
	}

	action := strings.ToLower(event.Action)
	if strings.Contains(action, "suspicious") || strings.Contains(action, ActionRateLimited) {
		score += 50
	}
	if reason, ok := event.Metadata["reason"].(string); ok && strings.Contains(strings.ToLower(reason), "suspicious") {
		score += 30
	}

	return min(max(score, 0), 100)
}

func isPrivateIP(raw string) bool {
	ip := net.ParseIP(raw)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback()
}

func (m *Monitor) evaluateAlerts(ctx context.Context, entry *types.AccessLog) error {
	if !entry.Success && entry.IP != "" {
		failures, err := m.store.CountFailedAttempts(ctx, entry.IP, entry.CreatedAt.Add(-failedAttemptWindow))
		if err != nil {
			return fmt.Errorf("failed to count failed attempts: %w", err)
		}
		if failures >= failedAttemptThreshold {
			m.raise(ctx, AlertMultipleFailedAttempts, types.SeverityHigh,
				fmt.Sprintf("%d failed attempts from %s in the last hour", failures, entry.IP),
				map[string]any{"ip": entry.IP, "count": failures})
		}
	}

	if entry.RiskScore > suspiciousRiskScore {
		m.raise(ctx, AlertSuspiciousLogin, types.SeverityCritical,
			fmt.Sprintf("High risk %s event (score %d)", entry.Action, entry.RiskScore),
			map[string]any{"ip": entry.IP, "user_id": entry.UserID, "action": entry.Action, "risk_score": entry.RiskScore})
	}

	if entry.Success && entry.Action == ActionLogin && entry.UserID != "" {
		history, err := m.store.ListLoginTimes(ctx, entry.UserID, ActionLogin, entry.ID)
		if err != nil {
			return fmt.Errorf("failed to list login history: %w", err)
		}
		if len(history) > minLoginHistory {
			hour := entry.CreatedAt.UTC().Hour()
			sameHour := 0
			for _, t := range history {
				if t.UTC().Hour() == hour {
					sameHour++
				}
			}
			if share := float64(sameHour) / float64(len(history)); share < unusualHourShare {
				m.raise(ctx, AlertUnusualActivity, types.SeverityMedium,
					fmt.Sprintf("Login at an unusual hour (%02d:00 UTC)", hour),
					map[string]any{"user_id": entry.UserID, "hour": hour, "share": share})
			}
		}
	}
	return nil
}

func (m *Monitor) raise(ctx context.Context, alertType, severity, message string, metadata map[string]any) {
	alert := &types.SecurityAlert{
		ID:        uuid.NewString(),
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: m.now().UTC(),
	}
	if err := m.alerts.AddAlert(ctx, alert); err != nil {
		m.log.Error("Failed to store security alert", zap.String("type", alertType), zap.Error(err))
		return
	}
	m.log.Warn("Security alert raised",
		zap.String("type", alertType),
		zap.String("severity", severity),
		zap.String("message", message))
}

// Alerts lists raised alerts, newest first
func (m *Monitor) Alerts(ctx context.Context, filter types.AlertFilter) ([]types.SecurityAlert, error) {
	return m.alerts.ListAlerts(ctx, filter)
}

// ResolveAlert marks an alert resolved
func (m *Monitor) ResolveAlert(ctx context.Context, id string) error {
	return m.alerts.ResolveAlert(ctx, id, m.now().UTC())
}

// CleanupOldLogs deletes access log entries older than daysToKeep days
func (m *Monitor) CleanupOldLogs(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep <= 0 {
		return 0, fmt.Errorf("days to keep must be positive, got %d", daysToKeep)
	}
	cutoff := m.now().UTC().AddDate(0, 0, -daysToKeep)
	return m.store.DeleteAccessLogsBefore(ctx, cutoff)
}
