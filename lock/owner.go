package lock

import "context"

type ownerCtxKey struct{}

// ContextWithOwner returns a context whose lock operations act on behalf of id.
// Holds taken under one owner can be re-entered and released only by the
// same owner.
func ContextWithOwner(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ownerCtxKey{}, id)
}

// OwnerFromContext returns the owner stored by ContextWithOwner.
func OwnerFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ownerCtxKey{}).(string)
	return id, ok && id != ""
}
