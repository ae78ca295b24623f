package store

import (
	"context"
	"time"
)

// TokenRequest describes one token-bucket check-and-consume operation.
type TokenRequest struct {
	// Key identifies the counter (scope:identifier:endpoint:window).
	Key string

	// Capacity is the maximum number of tokens the bucket holds.
	Capacity float64

	// RefillRate is tokens added per second.
	RefillRate float64

	// Tokens is the amount requested, usually 1.
	Tokens float64

	// TTL is the key's idle expiry, refreshed on every write.
	TTL time.Duration
}

// TokenState is the bucket state after a check-and-consume.
type TokenState struct {
	// Allowed reports whether the requested tokens were consumed.
	Allowed bool

	// Tokens is the balance after the operation (post-refill, post-consume).
	Tokens float64
}

// WindowRequest describes one sliding-window check-and-count operation.
type WindowRequest struct {
	Key    string
	Window time.Duration

	// Limit is the maximum number of events inside the window.
	Limit int64

	// Count is the number of events to admit, usually 1.
	Count int64

	TTL time.Duration
}

// WindowState is the window state after a check-and-count.
type WindowState struct {
	// Allowed reports whether the events were appended to the window.
	Allowed bool

	// Used is the number of in-window events after the operation.
	Used int64

	// Oldest is the oldest in-window event; zero when the window is empty.
	// On deny it bounds when capacity frees up (oldest + window).
	Oldest time.Time
}

// Store is the pluggable counter backend. Every mutating method executes
// as a single atomic unit at the backend; implementations must guarantee
// no lost updates under arbitrary concurrency on one key.
//
// The explicit now parameter keeps implementations free of wall-clock
// reads and makes time controllable in tests.
type Store interface {
	// ConsumeTokens refills the bucket for elapsed time and consumes the
	// requested tokens if the balance covers them.
	ConsumeTokens(ctx context.Context, req TokenRequest, now time.Time) (TokenState, error)

	// CountWindow prunes entries older than the window, then appends the
	// requested events if the limit permits.
	CountWindow(ctx context.Context, req WindowRequest, now time.Time) (WindowState, error)

	// RecordViolation appends a violation timestamp to the client's log,
	// prunes entries outside the detection window, caps the log at
	// maxEntries, and returns the resulting count.
	RecordViolation(ctx context.Context, key string, window time.Duration, maxEntries int64, now time.Time) (int64, error)

	// ViolationCount prunes and counts the client's in-window violations.
	ViolationCount(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// timeToFloat converts time to float64 seconds for backend storage.
func timeToFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
