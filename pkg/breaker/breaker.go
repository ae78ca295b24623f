// Package breaker protects callers from a failing counter backend. After a
// run of consecutive failures the breaker opens and short-circuits calls
// until a cooldown passes, then admits exactly one trial to probe recovery.
package breaker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	commonerrors "github.com/vnykmshr/admit/pkg/common/errors"
)

// State is the breaker's position in its lifecycle.
type State int32

const (
	// StateClosed passes every call through and counts failures.
	StateClosed State = iota

	// StateOpen short-circuits every call until the cooldown passes.
	StateOpen

	// StateHalfOpen admits a single trial call to probe recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Mode decides what happens to requests while the breaker is open.
type Mode string

const (
	// FailOpen admits requests unchecked while the backend is unavailable.
	FailOpen Mode = "fail_open"

	// FailClosed denies requests while the backend is unavailable.
	FailClosed Mode = "fail_closed"
)

// Config holds breaker tuning.
type Config struct {
	// FailureThreshold is the run of consecutive failures that opens the
	// breaker. Defaults to 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before admitting a
	// half-open trial. Defaults to 30 seconds.
	Cooldown time.Duration

	// Mode selects fail-open or fail-closed behavior while open.
	// Defaults to FailOpen.
	Mode Mode

	// OnStateChange is invoked after each transition, outside the breaker's
	// lock. Optional.
	OnStateChange func(from, to State)

	// LocalFallback optionally bounds fail-open traffic with a coarse local
	// limiter while the backend is down. Nil admits everything.
	LocalFallback *rate.Limiter

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Mode == "" {
		c.Mode = FailOpen
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Breaker is a consecutive-failure circuit breaker. The zero value is not
// usable; construct with New.
type Breaker struct {
	config Config

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

// New creates a closed breaker.
func New(config Config) *Breaker {
	return &Breaker{config: config.withDefaults()}
}

// State returns the current state. An open breaker moves to half-open only
// when the next call arrives after the cooldown, not on inspection.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Mode returns the configured open-state behavior.
func (b *Breaker) Mode() Mode {
	return b.config.Mode
}

// AllowFallback reports whether a fail-open request may pass while the
// breaker is open, consuming from the local fallback limiter when one is
// configured.
func (b *Breaker) AllowFallback() bool {
	if b.config.LocalFallback == nil {
		return true
	}
	return b.config.LocalFallback.Allow()
}

// Do runs fn through the breaker. The bool reports whether fn ran: when the
// breaker short-circuits, it returns (zero, false, ErrCircuitOpen) and fn is
// never invoked. Otherwise fn's result and error pass through and the
// outcome feeds the failure count.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, bool, error) {
	var zero T
	if !b.acquire() {
		return zero, false, commonerrors.ErrCircuitOpen
	}

	result, err := fn(ctx)
	b.record(err == nil)
	return result, true, err
}

// acquire decides whether a call may proceed, transitioning Open to
// HalfOpen once the cooldown has elapsed.
func (b *Breaker) acquire() bool {
	b.mu.Lock()

	var notify func()
	allowed := false

	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.config.Clock().Sub(b.openedAt) >= b.config.Cooldown {
			notify = b.transition(StateHalfOpen)
			b.trialInFlight = true
			allowed = true
		}
	case StateHalfOpen:
		// Only one probe at a time.
		if !b.trialInFlight {
			b.trialInFlight = true
			allowed = true
		}
	}

	b.mu.Unlock()
	if notify != nil {
		notify()
	}
	return allowed
}

// record feeds a call outcome back into the state machine.
func (b *Breaker) record(success bool) {
	b.mu.Lock()

	var notify func()

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
		} else {
			b.failures++
			if b.failures >= b.config.FailureThreshold {
				b.openedAt = b.config.Clock()
				notify = b.transition(StateOpen)
			}
		}
	case StateHalfOpen:
		b.trialInFlight = false
		if success {
			b.failures = 0
			notify = b.transition(StateClosed)
		} else {
			b.openedAt = b.config.Clock()
			notify = b.transition(StateOpen)
		}
	case StateOpen:
		// A call that started before the breaker opened finished late;
		// its outcome is stale.
	}

	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// transition moves to a new state and returns the deferred callback.
// Caller must hold b.mu.
func (b *Breaker) transition(to State) func() {
	from := b.state
	b.state = to
	if b.config.OnStateChange == nil || from == to {
		return nil
	}
	return func() { b.config.OnStateChange(from, to) }
}
