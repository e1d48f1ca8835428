// ABOUTME: Request context helpers carrying the authenticated internal caller
// ABOUTME: Handlers read the caller for logging; absence means the route was unauthenticated

package auth

import "context"

type callerKey struct{}

// WithCaller returns a context carrying caller.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the caller stored by RequireToken, or "".
func CallerFromContext(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey{}).(string)
	return caller
}
