/*
Package admit provides distributed admission control for HTTP services:
rate limiting, progressive penalties, and backend failure isolation behind
a single decision call.

Identity and Policy (pkg/identity, pkg/policy):
  - identity: stable client identities from decoded claims or proxy-aware addresses
  - policy: immutable policy snapshots with endpoint, tier, and exemption rules,
    hot-reloaded from file or on a schedule

Evaluation (pkg/limiter, pkg/store):
  - limiter: token bucket and sliding window over pluggable counters
  - store: Redis-backed atomic counters with an in-memory fallback

Protection (pkg/penalty, pkg/breaker):
  - penalty: escalating retry-after for repeat offenders
  - breaker: circuit breaker with fail-open or fail-closed degradation

Decision point (pkg/gateway):
  - gateway: composes the above into Evaluate(ctx, Request) Decision

Example usage:

	import (
		"github.com/vnykmshr/admit/pkg/gateway"
		"github.com/vnykmshr/admit/pkg/policy"
		"github.com/vnykmshr/admit/pkg/store"
	)

	resolver := policy.NewResolver(snapshot)
	g, _ := gateway.New(gateway.Config{Resolver: resolver, Store: store.NewMemoryStore()})

	d := g.Evaluate(ctx, gateway.Request{
		Headers:  r.Header,
		PeerAddr: r.RemoteAddr,
		Endpoint: r.URL.Path,
	})
	if !d.Allowed {
		// render d.Headers() and d.DenyPayload()
	}
*/
package admit
