package kit

import "context"

// Endpoint is a transport-agnostic service call. HTTP handlers and MCP tools
// both decode into a request value and dispatch through an Endpoint.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(next Endpoint) Endpoint

// Chain composes middlewares left-to-right: the first one is outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// RequireTenant rejects calls whose context carries no tenant.
func RequireTenant(errMissing error) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			if GetTenantID(ctx) == "" {
				return nil, errMissing
			}
			return next(ctx, req)
		}
	}
}
