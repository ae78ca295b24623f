package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	commonerrors "github.com/vnykmshr/admit/pkg/common/errors"
)

// MemoryStore implements Store behind a mutex. It mirrors RedisStore's
// semantics exactly (including TTL expiry) and is intended for tests and
// single-instance deployments; it offers no cross-instance coordination.
type MemoryStore struct {
	mu         sync.Mutex
	counters   map[string]*memCounter
	windows    map[string]*memWindow
	violations map[string]*memWindow
	closed     bool

	logger          *slog.Logger
	cleanupInterval time.Duration
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

type memCounter struct {
	tokens  float64
	last    time.Time
	expires time.Time
}

// memWindow holds event timestamps in ascending order.
type memWindow struct {
	stamps  []time.Time
	expires time.Time
}

// MemoryConfig holds configuration for the in-memory store.
type MemoryConfig struct {
	// CleanupInterval controls how often the janitor sweeps expired keys.
	// Defaults to 1 minute. Keys are also expired lazily on access.
	CleanupInterval time.Duration

	// Logger receives sweep debug logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewMemoryStore creates an in-memory store with default settings.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithConfig(MemoryConfig{})
}

// NewMemoryStoreWithConfig creates an in-memory store with custom settings.
func NewMemoryStoreWithConfig(config MemoryConfig) *MemoryStore {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &MemoryStore{
		counters:        make(map[string]*memCounter),
		windows:         make(map[string]*memWindow),
		violations:      make(map[string]*memWindow),
		logger:          config.Logger,
		cleanupInterval: config.CleanupInterval,
		stopChan:        make(chan struct{}),
	}
}

// ConsumeTokens implements the token bucket check-and-consume atomically
// under the store mutex.
func (s *MemoryStore) ConsumeTokens(_ context.Context, req TokenRequest, now time.Time) (TokenState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return TokenState{}, commonerrors.ErrClosed
	}

	c, ok := s.counters[req.Key]
	if !ok || now.After(c.expires) {
		c = &memCounter{tokens: req.Capacity, last: now}
		s.counters[req.Key] = c
	}

	elapsed := now.Sub(c.last).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	refilled := c.tokens + elapsed*req.RefillRate
	if refilled > req.Capacity {
		refilled = req.Capacity
	}

	allowed := refilled >= req.Tokens
	if allowed {
		refilled -= req.Tokens
	}

	c.tokens = refilled
	if now.After(c.last) {
		c.last = now
	}
	c.expires = now.Add(req.TTL)

	return TokenState{Allowed: allowed, Tokens: refilled}, nil
}

// CountWindow implements the sliding window check-and-count atomically
// under the store mutex.
func (s *MemoryStore) CountWindow(_ context.Context, req WindowRequest, now time.Time) (WindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return WindowState{}, commonerrors.ErrClosed
	}

	w, ok := s.windows[req.Key]
	if !ok || now.After(w.expires) {
		w = &memWindow{}
		s.windows[req.Key] = w
	}

	w.prune(now.Add(-req.Window))
	w.expires = now.Add(req.TTL)

	if int64(len(w.stamps))+req.Count <= req.Limit {
		for i := int64(0); i < req.Count; i++ {
			w.stamps = append(w.stamps, now)
		}
		return WindowState{Allowed: true, Used: int64(len(w.stamps))}, nil
	}

	state := WindowState{Allowed: false, Used: int64(len(w.stamps))}
	if len(w.stamps) > 0 {
		state.Oldest = w.stamps[0]
	}
	return state, nil
}

// RecordViolation appends a violation and returns the pruned, capped count.
func (s *MemoryStore) RecordViolation(_ context.Context, key string, window time.Duration, maxEntries int64, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, commonerrors.ErrClosed
	}

	v, ok := s.violations[key]
	if !ok || now.After(v.expires) {
		v = &memWindow{}
		s.violations[key] = v
	}

	v.prune(now.Add(-window))
	v.stamps = append(v.stamps, now)
	if int64(len(v.stamps)) > maxEntries {
		v.stamps = v.stamps[int64(len(v.stamps))-maxEntries:]
	}
	v.expires = now.Add(window)

	return int64(len(v.stamps)), nil
}

// ViolationCount prunes and counts in-window violations.
func (s *MemoryStore) ViolationCount(_ context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, commonerrors.ErrClosed
	}

	v, ok := s.violations[key]
	if !ok || now.After(v.expires) {
		return 0, nil
	}

	v.prune(now.Add(-window))
	return int64(len(v.stamps)), nil
}

// Ping reports whether the store is open.
func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return commonerrors.ErrClosed
	}
	return nil
}

// StartJanitor launches the background sweep of expired keys. It stops
// when ctx is canceled or Close is called.
func (s *MemoryStore) StartJanitor(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.sweep(time.Now())
			}
		}
	}()
}

// sweep drops keys whose TTL has lapsed.
func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	swept := 0
	for key, c := range s.counters {
		if now.After(c.expires) {
			delete(s.counters, key)
			swept++
		}
	}
	for key, w := range s.windows {
		if now.After(w.expires) {
			delete(s.windows, key)
			swept++
		}
	}
	for key, v := range s.violations {
		if now.After(v.expires) {
			delete(s.violations, key)
			swept++
		}
	}

	if swept > 0 {
		s.logger.Debug("memory store sweep completed", "swept_keys", swept)
	}
}

// Close stops the janitor and rejects further operations.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of live keys, for tests and monitoring.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters) + len(s.windows) + len(s.violations)
}

// prune drops stamps at or before cutoff.
func (w *memWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// Compile-time interface checks.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
