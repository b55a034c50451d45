package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation, calls pass through.
	BreakerOpen                         // Calls rejected immediately.
	BreakerHalfOpen                     // A bounded number of trial calls test recovery.
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// bucket holds the outcomes recorded during one slice of the rolling window.
type bucket struct {
	epoch     int64
	successes int
	failures  int
}

// CircuitBreaker trips on the failure ratio observed over a rolling window.
// The window is split into fixed-width buckets; stale buckets are recycled
// lazily when the clock moves past them. The breaker only opens once the
// window holds at least minRequests outcomes.
// Thread-safe: all state transitions use a mutex.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	buckets      []bucket
	bucketWidth  time.Duration
	minRequests  int
	failureRatio float64
	resetTimeout time.Duration // how long to stay open before half-open
	halfOpenMax  int           // successes in half-open before closing
	trials       int           // trials admitted in the current half-open phase
	successes    int
	openedAt     time.Time
	now          func() time.Time // injectable clock for testing
	onChange     func(from, to BreakerState)
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerWindow sets the rolling window length and its bucket count.
func WithBreakerWindow(window time.Duration, buckets int) BreakerOption {
	return func(cb *CircuitBreaker) {
		if buckets < 1 {
			buckets = 1
		}
		if window < time.Duration(buckets) {
			window = time.Duration(buckets)
		}
		cb.buckets = make([]bucket, buckets)
		cb.bucketWidth = window / time.Duration(buckets)
	}
}

// WithBreakerMinRequests sets the minimum window volume before the failure
// ratio is evaluated.
func WithBreakerMinRequests(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.minRequests = n }
}

// WithBreakerFailureRatio sets the ratio of failures (0..1] that trips the
// breaker open.
func WithBreakerFailureRatio(r float64) BreakerOption {
	return func(cb *CircuitBreaker) { cb.failureRatio = r }
}

// WithBreakerResetTimeout sets how long the breaker stays open before
// transitioning to half-open.
func WithBreakerResetTimeout(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) { cb.resetTimeout = d }
}

// WithBreakerHalfOpenMax sets how many successful trials in half-open
// are needed to close the breaker. It also bounds concurrent trials.
func WithBreakerHalfOpenMax(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.halfOpenMax = n }
}

// WithBreakerClock sets a custom clock function (for testing).
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = fn }
}

// WithBreakerStateChange registers a callback invoked (under the breaker
// lock) on every state transition. Keep it short.
func WithBreakerStateChange(fn func(from, to BreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// NewCircuitBreaker creates a breaker with defaults: a 60s window in 6
// buckets, at least 5 calls and a 50% failure ratio to open, 30s reset
// timeout, 2 trial successes to close from half-open.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:        BreakerClosed,
		minRequests:  5,
		failureRatio: 0.5,
		resetTimeout: 30 * time.Second,
		halfOpenMax:  2,
		now:          time.Now,
	}
	WithBreakerWindow(60*time.Second, 6)(cb)
	for _, o := range opts {
		o(cb)
	}
	if cb.halfOpenMax < 1 {
		cb.halfOpenMax = 1
	}
	return cb
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeTransition()
	return cb.state
}

// Counts returns the successes and failures inside the current window.
func (cb *CircuitBreaker) Counts() (successes, failures int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.windowCounts()
}

// Allow checks whether a call is allowed. It returns false while the breaker
// is open, and in half-open once halfOpenMax trials are already admitted.
// Every admitted call must be followed by exactly one of RecordSuccess,
// RecordFailure or Release.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeTransition()
	switch cb.state {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if cb.trials >= cb.halfOpenMax {
			return false
		}
		cb.trials++
	}
	return true
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.halfOpenMax {
			cb.resetWindow()
			cb.setState(BreakerClosed)
		}
	case BreakerClosed:
		cb.current().successes++
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerClosed:
		cb.current().failures++
		s, f := cb.windowCounts()
		total := s + f
		if total >= cb.minRequests && float64(f)/float64(total) >= cb.failureRatio {
			cb.trip()
		}
	case BreakerHalfOpen:
		// Any failure in half-open goes back to open.
		cb.trip()
	}
}

// Release gives back a half-open trial slot without recording an outcome,
// for calls that ended in a way that says nothing about upstream health.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerHalfOpen && cb.trials > 0 {
		cb.trials--
	}
}

// Reset forces the breaker back to closed state with an empty window.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.resetWindow()
	cb.setState(BreakerClosed)
}

func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.now()
	cb.setState(BreakerOpen)
}

func (cb *CircuitBreaker) setState(s BreakerState) {
	if s == cb.state {
		return
	}
	from := cb.state
	cb.state = s
	cb.trials = 0
	cb.successes = 0
	if cb.onChange != nil {
		cb.onChange(from, s)
	}
}

// maybeTransition checks if an open breaker should move to half-open.
// Must be called with mu held.
func (cb *CircuitBreaker) maybeTransition() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.setState(BreakerHalfOpen)
	}
}

func (cb *CircuitBreaker) epoch() int64 {
	return cb.now().UnixNano() / int64(cb.bucketWidth)
}

// current returns the bucket for now, recycling it if it belongs to an
// older epoch. Must be called with mu held.
func (cb *CircuitBreaker) current() *bucket {
	e := cb.epoch()
	b := &cb.buckets[int(e%int64(len(cb.buckets)))]
	if b.epoch != e {
		*b = bucket{epoch: e}
	}
	return b
}

// windowCounts sums the buckets that still fall inside the window.
// Must be called with mu held.
func (cb *CircuitBreaker) windowCounts() (successes, failures int) {
	e := cb.epoch()
	oldest := e - int64(len(cb.buckets)) + 1
	for _, b := range cb.buckets {
		if b.epoch >= oldest && b.epoch <= e {
			successes += b.successes
			failures += b.failures
		}
	}
	return successes, failures
}

func (cb *CircuitBreaker) resetWindow() {
	for i := range cb.buckets {
		cb.buckets[i] = bucket{}
	}
}

// WithCircuitBreaker returns a HandlerMiddleware that wraps calls with
// a circuit breaker. When the breaker is open, calls are rejected
// immediately with ErrCircuitOpen. isFailure decides which errors count
// against the window; other errors count as successes, except caller
// cancellation and ErrNotAttempted, which release the slot without an
// outcome. A nil
// isFailure counts every error.
func WithCircuitBreaker(cb *CircuitBreaker, service string, isFailure func(error) bool) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			if !cb.Allow() {
				return nil, &ErrCircuitOpen{Service: service}
			}
			resp, err := next(ctx, payload)
			switch {
			case err == nil:
				cb.RecordSuccess()
			case errors.Is(err, context.Canceled), errors.Is(err, ErrNotAttempted):
				cb.Release()
			case isFailure == nil || isFailure(err):
				cb.RecordFailure()
			default:
				cb.RecordSuccess()
			}
			return resp, err
		}
	}
}
