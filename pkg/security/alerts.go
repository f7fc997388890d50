package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/obot-platform/app-oauth-server/pkg/types"
)

// MaxAlerts is the number of alerts kept before the oldest are evicted
const MaxAlerts = 1000

// MemoryAlertStore keeps the most recent alerts of a single process in a ring buffer
type MemoryAlertStore struct {
	mu     sync.Mutex
	alerts []types.SecurityAlert
	next   int
	full   bool
}

func NewMemoryAlertStore(capacity int) *MemoryAlertStore {
	if capacity <= 0 {
		capacity = MaxAlerts
	}
	return &MemoryAlertStore{alerts: make([]types.SecurityAlert, capacity)}
}

func (s *MemoryAlertStore) AddAlert(_ context.Context, alert *types.SecurityAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts[s.next] = *alert
	s.next = (s.next + 1) % len(s.alerts)
	if s.next == 0 {
		s.full = true
	}
	return nil
}

// ListAlerts returns matching alerts, newest first
func (s *MemoryAlertStore) ListAlerts(_ context.Context, filter types.AlertFilter) ([]types.SecurityAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []types.SecurityAlert
	for i := range s.size() {
		alert := s.alerts[(s.next-1-i+len(s.alerts))%len(s.alerts)]
		if filter.Type != "" && alert.Type != filter.Type {
			continue
		}
		if filter.Severity != "" && alert.Severity != filter.Severity {
			continue
		}
		if filter.UnresolvedOnly && alert.Resolved {
			continue
		}
		result = append(result, alert)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryAlertStore) ResolveAlert(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.size() {
		if s.alerts[i].ID == id {
			s.alerts[i].Resolved = true
			s.alerts[i].ResolvedAt = &now
			return nil
		}
	}
	return fmt.Errorf("alert %s: %w", id, types.ErrNotFound)
}

func (s *MemoryAlertStore) size() int {
	if s.full {
		return len(s.alerts)
	}
	return s.next
}
