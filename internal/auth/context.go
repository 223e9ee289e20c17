package auth

import "context"

type callerContextKey struct{}

// Caller identifies who is calling: the tenant API key, the client session id
// and an optional signed challenge proof.
type Caller struct {
	APIKey    string
	SessionID string
	Proof     string
}

// ContextWithCaller attaches the caller identity to the context.
func ContextWithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, &c)
}

// CallerFromContext extracts the caller identity from the context.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	v, ok := ctx.Value(callerContextKey{}).(*Caller)
	if !ok || v == nil {
		return Caller{}, false
	}
	return *v, true
}
