package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/vnykmshr/admit/internal/testutil"
	"github.com/vnykmshr/admit/pkg/breaker"
	"github.com/vnykmshr/admit/pkg/metrics"
	"github.com/vnykmshr/admit/pkg/policy"
	"github.com/vnykmshr/admit/pkg/store"
)

func testSnapshot(limit int) *policy.Snapshot {
	return &policy.Snapshot{
		Default: policy.Rule{
			Algorithm: policy.TokenBucket,
			Quotas:    []policy.Quota{{Limit: limit, Window: time.Minute}},
		},
		ExemptUsers: map[string]struct{}{"svc-health": {}},
	}
}

func testGateway(t *testing.T, snap *policy.Snapshot, st store.Store, bcfg breaker.Config, now time.Time) *Gateway {
	t.Helper()

	g, err := New(Config{
		Resolver: policy.NewResolver(snap),
		Store:    st,
		Breaker:  bcfg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:  metrics.NewRegistry(prometheus.NewRegistry()),
		Clock:    func() time.Time { return now },
	})
	testutil.AssertNoError(t, err)
	return g
}

func ipRequest(endpoint string) Request {
	return Request{PeerAddr: "203.0.113.9:43210", Endpoint: endpoint}
}

var errBoom = errors.New("connection refused")

// failingStore simulates an unreachable backend.
type failingStore struct {
	calls int
}

func (f *failingStore) ConsumeTokens(context.Context, store.TokenRequest, time.Time) (store.TokenState, error) {
	f.calls++
	return store.TokenState{}, errBoom
}

func (f *failingStore) CountWindow(context.Context, store.WindowRequest, time.Time) (store.WindowState, error) {
	f.calls++
	return store.WindowState{}, errBoom
}

func (f *failingStore) RecordViolation(context.Context, string, time.Duration, int64, time.Time) (int64, error) {
	return 0, errBoom
}

func (f *failingStore) ViolationCount(context.Context, string, time.Duration, time.Time) (int64, error) {
	return 0, errBoom
}

func (f *failingStore) Ping(context.Context) error { return errBoom }
func (f *failingStore) Close() error               { return nil }

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Store: store.NewMemoryStore()})
	testutil.AssertError(t, err)

	_, err = New(Config{Resolver: policy.NewResolver(testSnapshot(1))})
	testutil.AssertError(t, err)
}

func TestEvaluate_Allowed(t *testing.T) {
	now := time.Unix(1000, 0)
	g := testGateway(t, testSnapshot(3), store.NewMemoryStore(), breaker.Config{}, now)

	d := g.Evaluate(context.Background(), ipRequest("/api/data"))
	testutil.AssertEqual(t, d.Allowed, true)
	testutil.AssertEqual(t, d.Outcome, OutcomeAllowed)
	testutil.AssertEqual(t, d.Identity.Key(), "ip:203.0.113.9")
	testutil.AssertEqual(t, d.Limit, 3)
	testutil.AssertEqual(t, d.Remaining, 2)

	h := d.Headers()
	testutil.AssertEqual(t, h["X-RateLimit-Limit"], "3")
	testutil.AssertEqual(t, h["X-RateLimit-Remaining"], "2")
	if _, ok := h["Retry-After"]; ok {
		t.Error("Retry-After must not be set on allow")
	}
}

func TestEvaluate_Denied(t *testing.T) {
	now := time.Unix(1000, 0)
	g := testGateway(t, testSnapshot(3), store.NewMemoryStore(), breaker.Config{}, now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := g.Evaluate(ctx, ipRequest("/api/data"))
		testutil.AssertEqual(t, d.Allowed, true)
	}

	d := g.Evaluate(ctx, ipRequest("/api/data"))
	testutil.AssertEqual(t, d.Allowed, false)
	testutil.AssertEqual(t, d.Outcome, OutcomeDenied)
	testutil.AssertEqual(t, d.RetryAfter, 20*time.Second) // one token at 3/min

	h := d.Headers()
	testutil.AssertEqual(t, h["Retry-After"], "20")
	testutil.AssertEqual(t, h["X-RateLimit-Remaining"], "0")

	p := d.DenyPayload()
	testutil.AssertEqual(t, p.ErrorCode, "rate_limited")
	testutil.AssertEqual(t, p.RetryAfterSeconds, 20)
}

func TestEvaluate_SeparateClients(t *testing.T) {
	now := time.Unix(1000, 0)
	g := testGateway(t, testSnapshot(1), store.NewMemoryStore(), breaker.Config{}, now)
	ctx := context.Background()

	d := g.Evaluate(ctx, ipRequest("/api/data"))
	testutil.AssertEqual(t, d.Allowed, true)
	d = g.Evaluate(ctx, ipRequest("/api/data"))
	testutil.AssertEqual(t, d.Allowed, false)

	// A different client has its own budget, as does another endpoint.
	other := Request{PeerAddr: "198.51.100.7:1", Endpoint: "/api/data"}
	testutil.AssertEqual(t, g.Evaluate(ctx, other).Allowed, true)
	testutil.AssertEqual(t, g.Evaluate(ctx, ipRequest("/api/other")).Allowed, true)
}

func TestEvaluate_ExemptUser(t *testing.T) {
	now := time.Unix(1000, 0)
	g := testGateway(t, testSnapshot(2), store.NewMemoryStore(), breaker.Config{}, now)
	ctx := context.Background()

	req := Request{
		PeerAddr: "203.0.113.9:1",
		Claims:   map[string]any{"sub": "svc-health"},
		Endpoint: "/api/data",
	}

	// Exempt clients are never counted, so they outlast any quota.
	for i := 0; i < 10; i++ {
		d := g.Evaluate(ctx, req)
		testutil.AssertEqual(t, d.Allowed, true)
		testutil.AssertEqual(t, d.Outcome, OutcomeExempted)
		testutil.AssertEqual(t, d.Limit, 2)
		testutil.AssertEqual(t, d.Remaining, 2)
	}
}

func TestEvaluate_PenaltyEscalation(t *testing.T) {
	now := time.Unix(1000, 0)
	snap := testSnapshot(1)
	snap.Penalty = policy.PenaltyConfig{
		Enabled:            true,
		DetectionWindow:    10 * time.Minute,
		ViolationThreshold: 2,
		Multipliers:        []int{2, 4},
	}
	g := testGateway(t, snap, store.NewMemoryStore(), breaker.Config{}, now)
	ctx := context.Background()

	d := g.Evaluate(ctx, ipRequest("/api/data"))
	testutil.AssertEqual(t, d.Allowed, true)

	// First violation is below the threshold: base retry-after.
	d = g.Evaluate(ctx, ipRequest("/api/data"))
	testutil.AssertEqual(t, d.Allowed, false)
	testutil.AssertEqual(t, d.Multiplier, 1)
	testutil.AssertEqual(t, d.RetryAfter, time.Minute)

	// Second hits the threshold, third escalates further.
	d = g.Evaluate(ctx, ipRequest("/api/data"))
	testutil.AssertEqual(t, d.Multiplier, 2)
	testutil.AssertEqual(t, d.RetryAfter, 2*time.Minute)

	d = g.Evaluate(ctx, ipRequest("/api/data"))
	testutil.AssertEqual(t, d.Multiplier, 4)
	testutil.AssertEqual(t, d.RetryAfter, 4*time.Minute)
}

func TestEvaluate_FailOpen(t *testing.T) {
	now := time.Unix(1000, 0)
	fs := &failingStore{}
	g := testGateway(t, testSnapshot(3), fs, breaker.Config{FailureThreshold: 2}, now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := g.Evaluate(ctx, ipRequest("/api/data"))
		testutil.AssertEqual(t, d.Allowed, true)
		testutil.AssertEqual(t, d.Outcome, OutcomeFailOpen)
	}

	// After two failures the breaker opened; the third request never
	// reached the backend.
	testutil.AssertEqual(t, fs.calls, 2)
	testutil.AssertEqual(t, g.BreakerState(), breaker.StateOpen)
}

func TestEvaluate_FailClosed(t *testing.T) {
	now := time.Unix(1000, 0)
	bcfg := breaker.Config{FailureThreshold: 1, Cooldown: 45 * time.Second, Mode: breaker.FailClosed}
	g := testGateway(t, testSnapshot(3), &failingStore{}, bcfg, now)

	d := g.Evaluate(context.Background(), ipRequest("/api/data"))
	testutil.AssertEqual(t, d.Allowed, false)
	testutil.AssertEqual(t, d.Outcome, OutcomeFailClosed)
	testutil.AssertEqual(t, d.RetryAfter, 45*time.Second)
	testutil.AssertEqual(t, d.Headers()["Retry-After"], "45")
	testutil.AssertEqual(t, d.DenyPayload().ErrorCode, "backend_unavailable")
}

func TestEvaluate_SingleSnapshotPerEvaluation(t *testing.T) {
	// Two alternating policies: one exempts the client with limit 7, the
	// other does not and carries limit 9. Every decision must come wholly
	// from one of them; an exempted decision with the other policy's limit
	// would mean an evaluation mixed two snapshots mid-swap.
	mkSnapshot := func(exempt bool, limit int) *policy.Snapshot {
		s := &policy.Snapshot{
			Default: policy.Rule{
				Algorithm: policy.TokenBucket,
				Quotas:    []policy.Quota{{Limit: limit, Window: time.Minute}},
			},
		}
		if exempt {
			s.ExemptUsers = map[string]struct{}{"svc-health": {}}
		}
		return s
	}

	now := time.Unix(1000, 0)
	resolver := policy.NewResolver(mkSnapshot(true, 7))
	g, err := New(Config{
		Resolver: resolver,
		Store:    store.NewMemoryStore(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:  metrics.NewRegistry(prometheus.NewRegistry()),
		Clock:    func() time.Time { return now },
	})
	testutil.AssertNoError(t, err)

	req := Request{
		PeerAddr: "203.0.113.9:1",
		Claims:   map[string]any{"sub": "svc-health"},
		Endpoint: "/api/data",
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			resolver.Swap(mkSnapshot(false, 9))
			resolver.Swap(mkSnapshot(true, 7))
		}
	}()

	ctx := context.Background()
	for i := 0; i < 5000; i++ {
		d := g.Evaluate(ctx, req)
		if d.Outcome == OutcomeExempted {
			testutil.AssertEqual(t, d.Limit, 7)
		} else {
			testutil.AssertEqual(t, d.Limit, 9)
		}
	}
	close(stop)
	wg.Wait()
}

func TestEvaluate_FailOpenLocalFallback(t *testing.T) {
	now := time.Unix(1000, 0)
	bcfg := breaker.Config{
		FailureThreshold: 1,
		LocalFallback:    rate.NewLimiter(rate.Limit(1), 1),
	}
	g := testGateway(t, testSnapshot(3), &failingStore{}, bcfg, now)
	ctx := context.Background()

	d := g.Evaluate(ctx, ipRequest("/api/data"))
	testutil.AssertEqual(t, d.Allowed, true)
	testutil.AssertEqual(t, d.Outcome, OutcomeFailOpen)

	// The local limiter's burst is spent; fail-open traffic is throttled.
	d = g.Evaluate(ctx, ipRequest("/api/data"))
	testutil.AssertEqual(t, d.Allowed, false)
	testutil.AssertEqual(t, d.Outcome, OutcomeDenied)
}
