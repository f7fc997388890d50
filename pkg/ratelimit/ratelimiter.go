package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store counts hits in fixed windows
type Store interface {
	// HitRateLimit records one hit for key and returns the hit count of the current window
	HitRateLimit(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)
	// SweepRateLimits evicts elapsed windows
	SweepRateLimits(ctx context.Context, now time.Time) (int64, error)
}

// RateLimiter is a fixed-window request counter keyed by client IP
type RateLimiter struct {
	store  Store
	window time.Duration
	max    int
	log    *zap.Logger
	now    func() time.Time
}

func NewRateLimiter(store Store, window time.Duration, max int, log *zap.Logger) *RateLimiter {
	if store == nil {
		store = NewMemoryStore()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimiter{
		store:  store,
		window: window,
		max:    max,
		log:    log,
		now:    time.Now,
	}
}

// Allow counts a request for key and reports whether it is within the limit.
// Store failures let the request through.
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	hits, err := rl.store.HitRateLimit(ctx, key, rl.now(), rl.window)
	if err != nil {
		rl.log.Error("Rate limit store failed, allowing request", zap.String("key", key), zap.Error(err))
		return true
	}
	return hits <= rl.max
}

// Sweep evicts windows that have elapsed
func (rl *RateLimiter) Sweep(ctx context.Context) (int64, error) {
	return rl.store.SweepRateLimits(ctx, rl.now())
}

// Window is the length of one counting window
func (rl *RateLimiter) Window() time.Duration {
	return rl.window
}

type window struct {
	expires time.Time
	hits    int
}

// MemoryStore keeps windows in process memory. Each key's window starts at its first hit.
type MemoryStore struct {
	windows map[string]*window
	lock    sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

func (s *MemoryStore) HitRateLimit(_ context.Context, key string, now time.Time, length time.Duration) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.expires) {
		w = &window{expires: now.Add(length)}
		s.windows[key] = w
	}
	w.hits++
	return w.hits, nil
}

// SweepRateLimits drops windows that have elapsed
func (s *MemoryStore) SweepRateLimits(_ context.Context, now time.Time) (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var evicted int64
	for key, w := range s.windows {
		if !now.Before(w.expires) {
			delete(s.windows, key)
			evicted++
		}
	}
	return evicted, nil
}
