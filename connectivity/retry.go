package connectivity

import (
	"context"
	"log/slog"
	"time"
)

// RetryPolicy controls WithRetry.
type RetryPolicy struct {
	// MaxRetries is the number of retry attempts after the first call
	// (0 = no retry).
	MaxRetries int
	// BaseBackoff is the initial wait between retries, doubled each attempt.
	BaseBackoff time.Duration
	// MaxBackoff caps a single wait (0 = uncapped).
	MaxBackoff time.Duration
	// Retryable decides whether an error is worth another attempt.
	// Defaults to IsTransient.
	Retryable func(error) bool
	// Sleep waits for d or until ctx is done. Defaults to a timer; tests
	// replace it to avoid real waits.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Backoff returns the wait before retry number attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	wait := p.BaseBackoff << uint(attempt)
	if wait < 0 || (p.MaxBackoff > 0 && wait > p.MaxBackoff) {
		wait = p.MaxBackoff
	}
	return wait
}

// WithRetry returns a HandlerMiddleware that retries failed calls with
// exponential backoff. Only errors accepted by the policy's Retryable are
// retried; an open circuit never is. It respects context cancellation
// between retries.
func WithRetry(p RetryPolicy, logger *slog.Logger) HandlerMiddleware {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			var lastErr error
			for attempt := 0; attempt <= p.MaxRetries; attempt++ {
				resp, err := next(ctx, payload)
				if err == nil {
					return resp, nil
				}
				lastErr = err

				// Don't retry if context is done.
				if ctx.Err() != nil {
					return nil, lastErr
				}

				// Don't retry on circuit open, it won't help.
				if IsCircuitOpen(err) || !retryable(err) {
					return nil, err
				}

				if attempt < p.MaxRetries {
					wait := p.Backoff(attempt)
					if logger != nil {
						logger.WarnContext(ctx, "connectivity: retrying call",
							"attempt", attempt+1,
							"max_retries", p.MaxRetries,
							"backoff_ms", wait.Milliseconds(),
							"error", err)
					}
					if err := sleep(ctx, wait); err != nil {
						return nil, lastErr
					}
				}
			}
			return nil, lastErr
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
