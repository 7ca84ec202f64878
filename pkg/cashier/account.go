package cashier

import "context"

// Connected-account routing is carried on the context rather than on process
// state so that concurrent requests can never observe each other's routing
// target. Restoring the caller's routing after a scoped override is
// structural: the caller's context value is immutable, so every exit path,
// including error returns, leaves it untouched.

type accountContextKey struct{}

// WithAccount returns a context whose gateway calls are routed to the given
// connected account.
func WithAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountContextKey{}, accountID)
}

// PlatformContext returns a context whose gateway calls are routed to the
// platform account, overriding any connected account set on the parent.
func PlatformContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, accountContextKey{}, "")
}

// AccountFrom reports the connected account the context routes to. ok is
// false when the context targets the platform account.
func AccountFrom(ctx context.Context) (accountID string, ok bool) {
	v, _ := ctx.Value(accountContextKey{}).(string)
	return v, v != ""
}

// OnPlatform runs fn with platform-account routing forced, regardless of the
// connected account carried by ctx. The caller's routing is unaffected on
// every exit path, error or not.
func OnPlatform(ctx context.Context, fn func(context.Context) error) error {
	return fn(PlatformContext(ctx))
}
