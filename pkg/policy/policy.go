package policy

import (
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/vnykmshr/admit/pkg/identity"
)

// Algorithm selects the admission algorithm for a rule.
type Algorithm string

const (
	// TokenBucket permits bursts up to capacity refilled at a fixed rate.
	TokenBucket Algorithm = "token_bucket"

	// SlidingWindow counts events inside a moving time interval.
	SlidingWindow Algorithm = "sliding_window"
)

// RetryAfterMode chooses the reported Retry-After when several overlapping
// quotas deny at once.
type RetryAfterMode string

const (
	// ShortestWindow reports the soonest time any denying quota frees up.
	ShortestWindow RetryAfterMode = "shortest"

	// LongestWindow reports the time by which every denying quota frees up.
	LongestWindow RetryAfterMode = "longest"
)

// Quota is one limit over one time window. A rule may carry several
// overlapping quotas (e.g. 100/min and 1000/hour); all must admit.
type Quota struct {
	// Limit is the number of requests admitted per Window.
	Limit int

	// Window is the quota's time window.
	Window time.Duration

	// Burst is the token-bucket capacity. Zero means Limit.
	Burst int
}

// Capacity returns the effective bucket capacity.
func (q Quota) Capacity() float64 {
	if q.Burst > 0 {
		return float64(q.Burst)
	}
	return float64(q.Limit)
}

// RefillRate returns tokens added per second.
func (q Quota) RefillRate() float64 {
	return float64(q.Limit) / q.Window.Seconds()
}

// Rule is the effective limit configuration for one evaluation.
type Rule struct {
	Algorithm Algorithm
	Quotas    []Quota
}

// EndpointRule binds a rule to an endpoint pattern. A trailing '*' makes
// the pattern a prefix match; otherwise it matches exactly.
type EndpointRule struct {
	Pattern string
	Rule    Rule
}

// PenaltyConfig configures progressive penalties for repeat offenders.
type PenaltyConfig struct {
	Enabled            bool
	DetectionWindow    time.Duration
	ViolationThreshold int

	// Multipliers is the ordered escalation table, indexed by
	// violations beyond the threshold and clamped to the last entry.
	Multipliers []int

	// MaxEntries bounds the per-client violation log. Zero means 1000.
	MaxEntries int64
}

// EffectiveMaxEntries returns the violation log cap.
func (p PenaltyConfig) EffectiveMaxEntries() int64 {
	if p.MaxEntries > 0 {
		return p.MaxEntries
	}
	return 1000
}

// Snapshot is an immutable policy configuration. Build one with a Loader
// or construct it directly and call Finalize before use.
type Snapshot struct {
	Default        Rule
	Endpoints      []EndpointRule
	Tiers          map[string]Rule
	ExemptUsers    map[string]struct{}
	ExemptNets     []netip.Prefix
	RetryAfterMode RetryAfterMode
	Penalty        PenaltyConfig
}

// Finalize orders endpoint rules for longest-wildcard-wins matching and
// fills mode defaults. It must be called once before the snapshot is
// resolved against; Loader does this automatically.
func (s *Snapshot) Finalize() {
	sort.SliceStable(s.Endpoints, func(i, j int) bool {
		return len(s.Endpoints[i].Pattern) > len(s.Endpoints[j].Pattern)
	})
	if s.RetryAfterMode == "" {
		s.RetryAfterMode = ShortestWindow
	}
	if s.Default.Algorithm == "" {
		s.Default.Algorithm = TokenBucket
	}
}

// IsExempt reports whether the identity is on the exemption list.
func (s *Snapshot) IsExempt(id identity.Identity) bool {
	switch id.Kind {
	case identity.KindUser:
		_, ok := s.ExemptUsers[id.UserID]
		return ok
	case identity.KindIP:
		for _, p := range s.ExemptNets {
			if p.Contains(id.Addr) {
				return true
			}
		}
	}
	return false
}

// Match resolves the effective rule for an endpoint and identity:
// endpoint pattern beats tier beats default.
func (s *Snapshot) Match(endpoint string, id identity.Identity) Rule {
	// Exact match first, then the longest wildcard prefix. Endpoints are
	// sorted longest-first by Finalize, so the first hit wins.
	for _, er := range s.Endpoints {
		if er.Pattern == endpoint {
			return er.Rule
		}
	}
	for _, er := range s.Endpoints {
		if prefix, ok := strings.CutSuffix(er.Pattern, "*"); ok && strings.HasPrefix(endpoint, prefix) {
			return er.Rule
		}
	}

	if id.Tier != "" {
		if rule, ok := s.Tiers[id.Tier]; ok {
			return rule
		}
	}

	return s.Default
}
