package security

import (
	"context"
	"fmt"
	"time"
)

// Analytics aggregates access log entries over a time range
type Analytics struct {
	Start              time.Time      `json:"start"`
	End                time.Time      `json:"end"`
	TotalEvents        int            `json:"total_events"`
	SuccessfulEvents   int            `json:"successful_events"`
	FailedEvents       int            `json:"failed_events"`
	FlaggedEvents      int            `json:"flagged_events"`
	UniqueIPs          int            `json:"unique_ips"`
	UniqueUsers        int            `json:"unique_users"`
	Actions            map[string]int `json:"actions"`
	HourlyDistribution [24]int        `json:"hourly_distribution"`
	AverageRiskScore   float64        `json:"average_risk_score"`
}

// GetAnalytics summarizes the access log between start and end, optionally for one user
func (m *Monitor) GetAnalytics(ctx context.Context, start, end time.Time, userID string) (*Analytics, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("end %s is before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	entries, err := m.store.ListAccessLogs(ctx, start, end, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list access logs: %w", err)
	}

	analytics := &Analytics{
		Start:   start,
		End:     end,
		Actions: map[string]int{},
	}
	ips := map[string]struct{}{}
	users := map[string]struct{}{}
	totalRisk := 0

	for _, entry := range entries {
		analytics.TotalEvents++
		if entry.Success {
			analytics.SuccessfulEvents++
		} else {
			analytics.FailedEvents++
		}
		if entry.Flagged {
			analytics.FlaggedEvents++
		}
		if entry.IP != "" {
			ips[entry.IP] = struct{}{}
		}
		if entry.UserID != "" {
			users[entry.UserID] = struct{}{}
		}
		analytics.Actions[entry.Action]++
		analytics.HourlyDistribution[entry.CreatedAt.UTC().Hour()]++
		totalRisk += entry.RiskScore
	}

	analytics.UniqueIPs = len(ips)
	analytics.UniqueUsers = len(users)
	if analytics.TotalEvents > 0 {
		analytics.AverageRiskScore = float64(totalRisk) / float64(analytics.TotalEvents)
	}
	return analytics, nil
}
