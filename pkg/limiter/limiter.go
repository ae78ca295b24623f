package limiter

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/vnykmshr/admit/pkg/policy"
	"github.com/vnykmshr/admit/pkg/store"
)

// Decision is the outcome of evaluating one rule for one client. When a
// rule carries overlapping quotas, the decision reflects the most
// constraining one (on allow) or the quota selected by the snapshot's
// retry-after mode (on deny).
type Decision struct {
	// Allowed reports whether every quota in the rule admitted the request.
	Allowed bool

	// Limit is the reported quota's request budget.
	Limit int

	// Remaining is the reported quota's budget left after this request.
	// Zero on deny.
	Remaining int

	// ResetAt is when the reported quota returns to full capacity (token
	// bucket) or when capacity next frees up (sliding window).
	ResetAt time.Time

	// RetryAfter is how long the client should wait before retrying.
	// Zero on allow.
	RetryAfter time.Duration

	// Algorithm is the algorithm that produced this decision.
	Algorithm policy.Algorithm
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds, never
// less than 1 on a deny. Suitable for the Retry-After header.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	s := int(math.Ceil(d.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// Limiter evaluates resolved rules against a counter store.
type Limiter struct {
	store store.Store
}

// New creates a limiter backed by the given store.
func New(s store.Store) *Limiter {
	return &Limiter{store: s}
}

// Evaluate checks every quota of the rule under the given client/endpoint
// key. All quotas must admit; evaluation is atomic per quota, not across
// quotas, so a denied request may have consumed budget from quotas checked
// earlier (off-by-one at the window boundary, bounded by the quota count).
//
// On deny, mode selects which denying quota's retry-after is reported.
func (l *Limiter) Evaluate(ctx context.Context, key string, rule policy.Rule, mode policy.RetryAfterMode, now time.Time) (Decision, error) {
	// A rule with no quotas constrains nothing.
	if len(rule.Quotas) == 0 {
		return Decision{Allowed: true, Algorithm: rule.Algorithm}, nil
	}

	var (
		tightest     Decision
		haveTightest bool
		denied       []Decision
	)

	for _, q := range rule.Quotas {
		d, err := l.evaluateQuota(ctx, key, rule.Algorithm, q, now)
		if err != nil {
			return Decision{}, err
		}
		if !d.Allowed {
			denied = append(denied, d)
			continue
		}
		if !haveTightest || d.Remaining < tightest.Remaining {
			tightest = d
			haveTightest = true
		}
	}

	if len(denied) == 0 {
		return tightest, nil
	}

	chosen := denied[0]
	for _, d := range denied[1:] {
		switch mode {
		case policy.LongestWindow:
			if d.RetryAfter > chosen.RetryAfter {
				chosen = d
			}
		default:
			if d.RetryAfter < chosen.RetryAfter {
				chosen = d
			}
		}
	}
	return chosen, nil
}

func (l *Limiter) evaluateQuota(ctx context.Context, key string, alg policy.Algorithm, q policy.Quota, now time.Time) (Decision, error) {
	d := Decision{Limit: q.Limit, Algorithm: alg}

	switch alg {
	case policy.SlidingWindow:
		st, err := l.store.CountWindow(ctx, store.WindowRequest{
			Key:    quotaKey(key, q),
			Window: q.Window,
			Limit:  int64(q.Limit),
			Count:  1,
			TTL:    2 * q.Window,
		}, now)
		if err != nil {
			return Decision{}, err
		}

		d.Allowed = st.Allowed
		if st.Allowed {
			d.Remaining = q.Limit - int(st.Used)
			d.ResetAt = now.Add(q.Window)
			return d, nil
		}

		// Capacity frees up when the oldest in-window entry slides out.
		retry := q.Window
		if !st.Oldest.IsZero() {
			retry = st.Oldest.Add(q.Window).Sub(now)
			if retry < 0 {
				retry = 0
			}
		}
		d.RetryAfter = retry
		d.ResetAt = now.Add(retry)
		return d, nil

	default: // token bucket
		st, err := l.store.ConsumeTokens(ctx, store.TokenRequest{
			Key:        quotaKey(key, q),
			Capacity:   q.Capacity(),
			RefillRate: q.RefillRate(),
			Tokens:     1,
			TTL:        2 * q.Window,
		}, now)
		if err != nil {
			return Decision{}, err
		}

		d.Allowed = st.Allowed
		if st.Allowed {
			d.Remaining = int(st.Tokens)
			d.ResetAt = now.Add(secondsToDuration((q.Capacity() - st.Tokens) / q.RefillRate()))
			return d, nil
		}

		d.RetryAfter = secondsToDuration((1 - st.Tokens) / q.RefillRate())
		d.ResetAt = now.Add(d.RetryAfter)
		return d, nil
	}
}

// quotaKey disambiguates counters when a rule carries overlapping quotas.
func quotaKey(key string, q policy.Quota) string {
	return fmt.Sprintf("%s:%gs", key, q.Window.Seconds())
}

func secondsToDuration(sec float64) time.Duration {
	if sec < 0 {
		sec = 0
	}
	return time.Duration(sec * float64(time.Second))
}
