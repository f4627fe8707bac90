package transport

import "context"

type claimKey struct{}

// WithClaim returns a context whose request is gated by claim. The client
// calls Claim right before writing the request; claim marks the request as
// sent and reports false when every caller gave up while it was waiting
// for a connection.
func WithClaim(ctx context.Context, claim func() bool) context.Context {
	return context.WithValue(ctx, claimKey{}, claim)
}

// Claim runs the claim carried by ctx. Contexts without one always claim.
func Claim(ctx context.Context) bool {
	claim, ok := ctx.Value(claimKey{}).(func() bool)
	if !ok {
		return true
	}
	return claim()
}
