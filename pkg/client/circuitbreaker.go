package client

import (
	"sync"
	"time"

	"github.com/xtls-httpcore/rpcx/internal/rpcerr"
	"github.com/xtls-httpcore/rpcx/pkg/reqctx"
)

// BreakerState is one of the three circuit-breaker states.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerRule classifies a completed attempt as a failure (true) or not,
// for the breaker's counters. The default rule treats any non-nil cause
// or 5xx response as a failure.
type BreakerRule func(ctx *reqctx.Context, resp *HttpResponse, cause error) bool

// DefaultBreakerRule counts transport errors and 5xx responses as
// failures.
func DefaultBreakerRule(_ *reqctx.Context, resp *HttpResponse, cause error) bool {
	if cause != nil {
		return true
	}
	return resp != nil && resp.StatusCode >= 500
}

// BreakerOptions configures NewCircuitBreaker.
type BreakerOptions struct {
	// Rule classifies each attempt as failure/success. Defaults to
	// DefaultBreakerRule.
	Rule BreakerRule
	// FailureThreshold is the number of failures within a window that
	// trips CLOSED to OPEN. Defaults to 5.
	FailureThreshold int
	// OpenDuration is how long the breaker stays OPEN before probing
	// with a single HALF-OPEN request. Defaults to 10s.
	OpenDuration time.Duration
	// WindowDuration bounds how long a failure counts toward the
	// threshold before the window resets. Defaults to 10s.
	WindowDuration time.Duration
	// Now supplies the monotonic clock the breaker ticks against;
	// defaults to time.Now. Tests supply a fake for determinism.
	Now func() time.Time
}

// FailFastError is returned in place of dispatching a request while the
// breaker is OPEN.
var FailFastError = rpcerr.New(component, "circuit breaker is open").WithKind(rpcerr.KindCircuitOpen)

// AbortedStreamError is the cause a breaker trip reports to any in-flight
// request it aborts when transitioning to OPEN.
var AbortedStreamError = rpcerr.New(component, "request aborted by circuit breaker trip").WithKind(rpcerr.KindStreamAborted)

// CircuitBreaker is a fail-fast guard that wraps a Client. Build one
// with NewCircuitBreaker, then call Wrap on the delegate it should
// protect.
type CircuitBreaker struct {
	mu sync.Mutex

	rule      BreakerRule
	threshold int
	openFor   time.Duration
	window    time.Duration
	now       func() time.Time
	inFlight  map[*reqctx.Context]struct{}

	state        BreakerState
	failures     int
	windowStart  time.Time
	openedAt     time.Time
	halfOpenBusy bool
}

// NewCircuitBreaker constructs a CircuitBreaker from opts, applying the
// documented defaults for any zero field.
func NewCircuitBreaker(opts BreakerOptions) *CircuitBreaker {
	b := &CircuitBreaker{
		rule:      opts.Rule,
		threshold: opts.FailureThreshold,
		openFor:   opts.OpenDuration,
		window:    opts.WindowDuration,
		now:       opts.Now,
		inFlight:  make(map[*reqctx.Context]struct{}),
	}
	if b.rule == nil {
		b.rule = DefaultBreakerRule
	}
	if b.threshold <= 0 {
		b.threshold = 5
	}
	if b.openFor <= 0 {
		b.openFor = 10 * time.Second
	}
	if b.window <= 0 {
		b.window = 10 * time.Second
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Wrap returns delegate guarded by the breaker. On a trip to OPEN,
// every request currently inside delegate is cancelled via its
// Context's CancelFunc; if delegate then returns an error, Wrap
// reports AbortedStreamError in its place.
func (b *CircuitBreaker) Wrap(delegate Client) Client {
	return func(ctx *reqctx.Context, req *HttpRequest) (*HttpResponse, error) {
		if !b.admit() {
			return nil, FailFastError
		}

		b.track(ctx, true)
		defer b.track(ctx, false)

		resp, cause := delegate(ctx, req)
		if cause != nil {
			if aborted, _ := ctx.Attr(abortedByTrip{}); aborted == true {
				cause = AbortedStreamError
			}
		}
		b.record(ctx, resp, cause)
		return resp, cause
	}
}

// abortedByTrip is the Context attribute key trip sets on every request
// it cancels.
type abortedByTrip struct{}

// State returns the breaker's current state, advancing the OPEN->HALF_OPEN
// timer as a side effect (the "monotonic ticker" the design calls for).
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

func (b *CircuitBreaker) advanceLocked() {
	now := b.now()
	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) >= b.openFor {
			b.state = StateHalfOpen
			b.halfOpenBusy = false
		}
	case StateClosed:
		if b.windowStart.IsZero() {
			b.windowStart = now
		} else if now.Sub(b.windowStart) >= b.window {
			b.windowStart = now
			b.failures = 0
		}
	}
}

// admit reports whether a new attempt may proceed. In HALF_OPEN, only
// one probe request is admitted at a time.
func (b *CircuitBreaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.halfOpenBusy {
			return false
		}
		b.halfOpenBusy = true
		return true
	default: // StateOpen
		return false
	}
}

func (b *CircuitBreaker) track(ctx *reqctx.Context, add bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if add {
		b.inFlight[ctx] = struct{}{}
	} else {
		delete(b.inFlight, ctx)
	}
}

func (b *CircuitBreaker) record(ctx *reqctx.Context, resp *HttpResponse, cause error) {
	failed := b.rule(ctx, resp, cause)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenBusy = false
		if failed {
			b.trip()
		} else {
			b.state = StateClosed
			b.failures = 0
			b.windowStart = time.Time{}
		}
	case StateClosed:
		if failed {
			b.failures++
			if b.failures >= b.threshold {
				b.trip()
			}
		}
	}
}

// trip transitions to OPEN and cancels every in-flight request's
// Context, releasing it with AbortedStreamError.
func (b *CircuitBreaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	for ctx := range b.inFlight {
		ctx.SetAttr(abortedByTrip{}, true)
		ctx.Cancel()
	}
}
