// Package shield provides the HTTP middleware placed in front of the kwrank
// API: security headers, JSON body limits, request IDs with a per-request
// logger, per-client request rate limiting, and HEAD method handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultAPIStack(shield.NewRateLimiter(5, 20, "/healthz")) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultAPIStack returns the standard middleware stack for a JSON API.
// Middleware is ordered: HeadToGet → SecurityHeaders → MaxJSONBody → RequestID → RateLimiter.
// A nil limiter is skipped.
func DefaultAPIStack(rl *RateLimiter) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(APIHeaders()),
		MaxJSONBody(DefaultMaxJSONBody),
		RequestID,
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	return stack
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
