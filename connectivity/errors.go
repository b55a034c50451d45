package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker for a service is open,
// rejecting the call without attempting the remote handler.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// ErrNotAttempted marks a call refused before it reached the remote
// handler, such as a rate limiter that cannot grant a token before the
// caller's deadline. Breakers record no outcome for it and retries stop.
var ErrNotAttempted = errors.New("connectivity: call not attempted")

// ErrCallTimeout is returned when a call exceeds the deadline set by the
// Timeout middleware while the caller's own context is still live.
type ErrCallTimeout struct {
	After time.Duration
	Cause error
}

func (e *ErrCallTimeout) Error() string {
	return fmt.Sprintf("connectivity: call timeout after %s", e.After)
}

func (e *ErrCallTimeout) Unwrap() error { return e.Cause }

// Transient reports true: a timed-out call may succeed when retried.
func (e *ErrCallTimeout) Transient() bool { return true }

// ErrPanic wraps a recovered panic value as an error.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return "connectivity: handler panicked"
}

// transient is implemented by errors that know whether a retry can help.
type transient interface {
	Transient() bool
}

// IsTransient classifies err for retry and breaker accounting. Errors that
// implement Transient() decide for themselves; deadline and network timeouts
// are transient; everything else (including an open circuit, a refused
// call, a panic, and caller cancellation) is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsCircuitOpen(err) || errors.Is(err, ErrNotAttempted) {
		return false
	}
	var t transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// IsCircuitOpen reports whether err was produced by an open breaker.
func IsCircuitOpen(err error) bool {
	var co *ErrCircuitOpen
	return errors.As(err, &co)
}
