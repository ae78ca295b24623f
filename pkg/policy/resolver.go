package policy

import (
	"sync/atomic"

	"github.com/vnykmshr/admit/pkg/identity"
)

// Resolver hands out the current policy snapshot. The snapshot reference
// is swapped atomically as a whole, so an in-flight evaluation never
// observes a partially updated policy.
type Resolver struct {
	snap atomic.Pointer[Snapshot]
}

// NewResolver creates a resolver serving the given initial snapshot.
func NewResolver(initial *Snapshot) *Resolver {
	initial.Finalize()
	r := &Resolver{}
	r.snap.Store(initial)
	return r
}

// Swap installs a new snapshot. Future evaluations see it immediately;
// evaluations already holding the old snapshot finish against it.
func (r *Resolver) Swap(s *Snapshot) {
	s.Finalize()
	r.snap.Store(s)
}

// Snapshot returns the current snapshot.
func (r *Resolver) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Resolve returns the effective rule for the endpoint and identity, or
// exempt=true when the identity is on the exemption list and no counter
// should be touched.
func (r *Resolver) Resolve(endpoint string, id identity.Identity) (Rule, bool) {
	s := r.snap.Load()
	if s.IsExempt(id) {
		return Rule{}, true
	}
	return s.Match(endpoint, id), false
}
