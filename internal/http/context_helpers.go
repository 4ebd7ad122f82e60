package httpx

import "context"

// clientIDKey is an unexported context key type to avoid collisions across packages.
type clientIDKey struct{}

// SetClientIDInContext returns a child context that carries the browser client id.
// If id is empty, the original ctx is returned unchanged.
func SetClientIDInContext(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIDKey{}, id)
}

// ClientIDFromContext returns the browser client id and a boolean indicating presence.
func ClientIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(clientIDKey{}).(string)
	return id, ok && id != ""
}
