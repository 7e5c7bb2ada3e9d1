// Package store holds sliding-window request counters.
package store

import (
	"context"
	"math"
	"sync"
	"time"

	"trustcore/internal/ratelimit/models"
)

// InMemoryStore counts requests per key in process memory. It is the
// default store and the fallback while the shared store is unreachable.
// Buckets whose window has fully elapsed are dropped by a periodic sweep,
// so the map only holds addresses seen within the last window.
type InMemoryStore struct {
	mu            sync.Mutex
	buckets       map[string]*slidingWindow
	now           func() time.Time
	sweepInterval time.Duration
	lastSweep     time.Time
}

const defaultSweepInterval = time.Minute

type slidingWindow struct {
	timestamps []time.Time
	window     time.Duration
}

type MemoryOption func(*InMemoryStore)

// WithClock overrides time.Now, used by tests to move the window.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) {
		s.now = now
	}
}

func NewInMemory(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		buckets:       make(map[string]*slidingWindow),
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastSweep = s.now()
	return s
}

// Allow records one request against key if the window has room.
func (s *InMemoryStore) Allow(_ context.Context, key string, limit models.Limit) (*models.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.maybeSweep(now)
	sw := s.bucket(key, limit.Window)
	sw.cleanup(now)

	if len(sw.timestamps) < limit.Requests {
		sw.timestamps = append(sw.timestamps, now)
		return &models.Result{
			Allowed:   true,
			Limit:     limit.Requests,
			Remaining: limit.Requests - len(sw.timestamps),
			ResetAt:   sw.timestamps[0].Add(limit.Window),
		}, nil
	}

	resetAt := now.Add(limit.Window)
	if len(sw.timestamps) > 0 {
		resetAt = sw.timestamps[0].Add(limit.Window)
	}
	return denied(limit.Requests, resetAt, now), nil
}

// maybeSweep must be called with s.mu held.
func (s *InMemoryStore) maybeSweep(now time.Time) {
	if now.Sub(s.lastSweep) < s.sweepInterval {
		return
	}
	s.lastSweep = now
	for key, sw := range s.buckets {
		sw.cleanup(now)
		if len(sw.timestamps) == 0 {
			delete(s.buckets, key)
		}
	}
}

// bucket must be called with s.mu held.
func (s *InMemoryStore) bucket(key string, window time.Duration) *slidingWindow {
	if sw := s.buckets[key]; sw != nil {
		return sw
	}
	sw := &slidingWindow{window: window}
	s.buckets[key] = sw
	return sw
}

func (sw *slidingWindow) cleanup(now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for ; i < len(sw.timestamps); i++ {
		if sw.timestamps[i].After(cutoff) {
			break
		}
	}
	sw.timestamps = sw.timestamps[i:]
}

func denied(limit int, resetAt, now time.Time) *models.Result {
	retry := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if retry < 1 {
		retry = 1
	}
	return &models.Result{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: retry,
	}
}
