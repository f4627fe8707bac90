package transport

import (
	"context"
	"maps"
)

// Metadata is a set of string headers attached to an outgoing request.
type Metadata map[string]string

type metadataKey struct{}

// WithMetadata returns a context carrying md merged over any metadata
// already present.
func WithMetadata(ctx context.Context, md Metadata) context.Context {
	if len(md) == 0 {
		return ctx
	}
	merged := make(Metadata, len(md))
	if existing, ok := ctx.Value(metadataKey{}).(Metadata); ok {
		maps.Copy(merged, existing)
	}
	maps.Copy(merged, md)
	return context.WithValue(ctx, metadataKey{}, merged)
}

// MetadataFrom returns a copy of the metadata carried by ctx.
func MetadataFrom(ctx context.Context) Metadata {
	existing, ok := ctx.Value(metadataKey{}).(Metadata)
	if !ok {
		return nil
	}
	return maps.Clone(existing)
}
