// Package penalty escalates retry-after for repeat offenders. Violations
// are stored per client in the shared counter store, so escalation follows
// the client across instances.
package penalty

import (
	"context"
	"time"

	"github.com/vnykmshr/admit/pkg/policy"
	"github.com/vnykmshr/admit/pkg/store"
)

const keyPrefix = "pen:"

// Tracker records rate-limit violations and derives penalty multipliers
// from the in-window count. Disabled configs make every call a no-op, so
// callers need no enabled checks of their own.
type Tracker struct {
	store store.Store
}

// New creates a tracker backed by the given store.
func New(s store.Store) *Tracker {
	return &Tracker{store: s}
}

// Record registers one violation for the client and returns the pruned
// in-window count. With penalties disabled it records nothing and returns
// zero.
func (t *Tracker) Record(ctx context.Context, clientKey string, cfg policy.PenaltyConfig, now time.Time) (int64, error) {
	if !cfg.Enabled {
		return 0, nil
	}
	return t.store.RecordViolation(ctx, keyPrefix+clientKey, cfg.DetectionWindow, cfg.EffectiveMaxEntries(), now)
}

// Count returns the client's current in-window violation count without
// recording a new one.
func (t *Tracker) Count(ctx context.Context, clientKey string, cfg policy.PenaltyConfig, now time.Time) (int64, error) {
	if !cfg.Enabled {
		return 0, nil
	}
	return t.store.ViolationCount(ctx, keyPrefix+clientKey, cfg.DetectionWindow, now)
}

// Multiplier returns the retry-after multiplier for a violation count:
// 1 below the threshold, then the escalation table indexed by violations
// beyond the threshold, clamped to its last entry.
func Multiplier(count int64, cfg policy.PenaltyConfig) int {
	if !cfg.Enabled || len(cfg.Multipliers) == 0 {
		return 1
	}
	if count < int64(cfg.ViolationThreshold) {
		return 1
	}

	idx := count - int64(cfg.ViolationThreshold)
	if idx >= int64(len(cfg.Multipliers)) {
		idx = int64(len(cfg.Multipliers)) - 1
	}
	return cfg.Multipliers[idx]
}
