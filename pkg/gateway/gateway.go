package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/vnykmshr/admit/pkg/breaker"
	commonerrors "github.com/vnykmshr/admit/pkg/common/errors"
	"github.com/vnykmshr/admit/pkg/identity"
	"github.com/vnykmshr/admit/pkg/limiter"
	"github.com/vnykmshr/admit/pkg/metrics"
	"github.com/vnykmshr/admit/pkg/penalty"
	"github.com/vnykmshr/admit/pkg/policy"
	"github.com/vnykmshr/admit/pkg/store"
)

// Request carries the pre-parsed request attributes the gateway needs. The
// host framework owns HTTP parsing and token verification; claims arrive
// already decoded.
type Request struct {
	Headers  http.Header
	PeerAddr string
	Claims   map[string]any
	Endpoint string
}

// Outcome classifies a decision for logs and metrics.
type Outcome string

const (
	OutcomeAllowed  Outcome = "allowed"
	OutcomeDenied   Outcome = "denied"
	OutcomeExempted Outcome = "exempted"

	// OutcomeFailOpen admits a request the backend could not check.
	OutcomeFailOpen Outcome = "fail_open"

	// OutcomeFailClosed denies a request the backend could not check.
	OutcomeFailClosed Outcome = "fail_closed"
)

// Decision is the gateway's verdict on one request. It always carries
// enough to render the standard rate-limit headers and, on deny, the
// response payload.
type Decision struct {
	limiter.Decision

	Outcome    Outcome
	Identity   identity.Identity
	Multiplier int
}

// Headers returns the standard rate-limit response headers for the
// decision. Retry-After is present only on deny.
func (d Decision) Headers() map[string]string {
	h := map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(d.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(d.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(d.ResetAt.Unix(), 10),
	}
	if !d.Allowed {
		h["Retry-After"] = strconv.Itoa(d.RetryAfterSeconds())
	}
	return h
}

// DenyPayload is the JSON body recommended for denied requests.
type DenyPayload struct {
	ErrorCode         string `json:"error_code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// DenyPayload builds the response body for a denied decision.
func (d Decision) DenyPayload() DenyPayload {
	if d.Outcome == OutcomeFailClosed {
		return DenyPayload{
			ErrorCode:         "backend_unavailable",
			Message:           "service temporarily unavailable",
			RetryAfterSeconds: d.RetryAfterSeconds(),
		}
	}
	return DenyPayload{
		ErrorCode:         "rate_limited",
		Message:           "rate limit exceeded",
		RetryAfterSeconds: d.RetryAfterSeconds(),
	}
}

// Config holds gateway wiring.
type Config struct {
	// Resolver supplies the active policy snapshot; required.
	Resolver *policy.Resolver

	// Store is the shared counter backend; required.
	Store store.Store

	// Identity configures client identification.
	Identity identity.Config

	// Breaker configures backend failure handling.
	Breaker breaker.Config

	// Logger receives structured decision events. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics receives decision counters. Defaults to metrics.DefaultRegistry.
	Metrics *metrics.Registry

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Gateway evaluates requests against the active policy. Evaluate never
// returns an error: every failure mode folds into a Decision per the
// configured breaker mode.
type Gateway struct {
	config  Config
	limiter *limiter.Limiter
	penalty *penalty.Tracker
	breaker *breaker.Breaker
	logger  *slog.Logger
	metrics *metrics.Registry
	clock   func() time.Time
}

// New creates a gateway.
func New(config Config) (*Gateway, error) {
	if config.Resolver == nil {
		return nil, commonerrors.NewValidationError("gateway", "resolver", nil, "policy resolver is required")
	}
	if config.Store == nil {
		return nil, commonerrors.NewValidationError("gateway", "store", nil, "counter store is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.DefaultRegistry
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Breaker.Cooldown <= 0 {
		config.Breaker.Cooldown = 30 * time.Second
	}

	g := &Gateway{
		config:  config,
		limiter: limiter.New(config.Store),
		penalty: penalty.New(config.Store),
		logger:  config.Logger,
		metrics: config.Metrics,
		clock:   config.Clock,
	}

	// Instrument breaker transitions before handing off to any user hook.
	bcfg := config.Breaker
	userHook := bcfg.OnStateChange
	bcfg.OnStateChange = func(from, to breaker.State) {
		g.metrics.BreakerState.Set(float64(to))
		g.metrics.BreakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
		g.logger.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
		if userHook != nil {
			userHook(from, to)
		}
	}
	g.breaker = breaker.New(bcfg)

	return g, nil
}

// Evaluate decides whether to admit the request. Exempt clients bypass
// counting entirely; backend failures resolve per the breaker mode; denials
// feed the penalty tracker and may carry an escalated retry-after.
func (g *Gateway) Evaluate(ctx context.Context, req Request) Decision {
	now := g.clock()
	id := identity.Resolve(req.Headers, req.PeerAddr, req.Claims, g.config.Identity)
	// One snapshot load per evaluation: exemption, rule, and retry-after
	// mode all come from the same policy, even mid-swap.
	snap := g.config.Resolver.Snapshot()
	rule := snap.Match(req.Endpoint, id)

	if snap.IsExempt(id) {
		// Exempt clients still get honest headers for the rule that would
		// have applied.
		g.metrics.Exemptions.Inc()
		g.metrics.Decisions.WithLabelValues(string(OutcomeExempted)).Inc()
		g.logger.Debug("request exempted", "client", id.Key(), "endpoint", req.Endpoint)
		return Decision{
			Decision: limiter.Decision{
				Allowed:   true,
				Limit:     tightestLimit(rule),
				Remaining: tightestLimit(rule),
				ResetAt:   now,
				Algorithm: rule.Algorithm,
			},
			Outcome:  OutcomeExempted,
			Identity: id,
		}
	}

	key := id.Key() + ":" + req.Endpoint
	start := time.Now()
	ld, called, err := breaker.Do(ctx, g.breaker, func(ctx context.Context) (limiter.Decision, error) {
		return g.limiter.Evaluate(ctx, key, rule, snap.RetryAfterMode, now)
	})
	if called {
		g.metrics.BackendLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return g.degraded(id, req.Endpoint, rule, now, err)
	}

	if ld.Allowed {
		g.metrics.Decisions.WithLabelValues(string(OutcomeAllowed)).Inc()
		g.logger.Debug("request allowed",
			"client", id.Key(), "endpoint", req.Endpoint, "remaining", ld.Remaining)
		return Decision{Decision: ld, Outcome: OutcomeAllowed, Identity: id, Multiplier: 1}
	}

	return g.deny(ctx, id, req.Endpoint, snap, ld, now)
}

// deny records the violation and escalates retry-after for repeat offenders.
func (g *Gateway) deny(ctx context.Context, id identity.Identity, endpoint string, snap *policy.Snapshot, ld limiter.Decision, now time.Time) Decision {
	mult := 1
	count, err := g.penalty.Record(ctx, id.Key(), snap.Penalty, now)
	if err != nil {
		// Penalty state is advisory; a deny stands without it.
		g.logger.Warn("violation record failed", "client", id.Key(), "error", err)
	} else {
		mult = penalty.Multiplier(count, snap.Penalty)
	}

	if mult > 1 {
		ld.RetryAfter *= time.Duration(mult)
		ld.ResetAt = now.Add(ld.RetryAfter)
		g.metrics.PenaltyEscalations.Inc()
	}

	g.metrics.Decisions.WithLabelValues(string(OutcomeDenied)).Inc()
	g.logger.Info("request denied",
		"client", id.Key(), "endpoint", endpoint,
		"retry_after", ld.RetryAfter, "penalty_multiplier", mult)

	return Decision{Decision: ld, Outcome: OutcomeDenied, Identity: id, Multiplier: mult}
}

// degraded resolves a request the backend could not check, per the breaker
// mode.
func (g *Gateway) degraded(id identity.Identity, endpoint string, rule policy.Rule, now time.Time, cause error) Decision {
	limit := tightestLimit(rule)

	if g.breaker.Mode() == breaker.FailClosed {
		g.metrics.Decisions.WithLabelValues(string(OutcomeFailClosed)).Inc()
		g.logger.Warn("request denied fail-closed",
			"client", id.Key(), "endpoint", endpoint, "error", cause)
		return Decision{
			Decision: limiter.Decision{
				Limit:      limit,
				ResetAt:    now.Add(g.config.Breaker.Cooldown),
				RetryAfter: g.config.Breaker.Cooldown,
				Algorithm:  rule.Algorithm,
			},
			Outcome:  OutcomeFailClosed,
			Identity: id,
		}
	}

	if !g.breaker.AllowFallback() {
		g.metrics.Decisions.WithLabelValues(string(OutcomeDenied)).Inc()
		g.logger.Warn("request denied by local fallback limiter",
			"client", id.Key(), "endpoint", endpoint)
		return Decision{
			Decision: limiter.Decision{
				Limit:      limit,
				ResetAt:    now.Add(time.Second),
				RetryAfter: time.Second,
				Algorithm:  rule.Algorithm,
			},
			Outcome:  OutcomeDenied,
			Identity: id,
		}
	}

	// Counters are unreachable, so remaining is unknown; report the full
	// budget rather than inventing a count.
	g.metrics.Decisions.WithLabelValues(string(OutcomeFailOpen)).Inc()
	g.logger.Warn("request admitted fail-open",
		"client", id.Key(), "endpoint", endpoint, "error", cause)
	return Decision{
		Decision: limiter.Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit,
			ResetAt:   now,
			Algorithm: rule.Algorithm,
		},
		Outcome:  OutcomeFailOpen,
		Identity: id,
	}
}

// BreakerState exposes the breaker position for health endpoints.
func (g *Gateway) BreakerState() breaker.State {
	return g.breaker.State()
}

// tightestLimit returns the smallest quota limit in the rule, for header
// reporting on paths that never reach the store.
func tightestLimit(rule policy.Rule) int {
	limit := 0
	for _, q := range rule.Quotas {
		if limit == 0 || q.Limit < limit {
			limit = q.Limit
		}
	}
	return limit
}
