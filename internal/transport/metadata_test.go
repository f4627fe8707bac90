package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetadata(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, MetadataFrom(ctx))
	assert.Equal(t, ctx, WithMetadata(ctx, nil))

	ctx = WithMetadata(ctx, Metadata{"authorization": "Bearer a", "x-trace": "1"})
	ctx = WithMetadata(ctx, Metadata{"authorization": "Bearer b"})

	md := MetadataFrom(ctx)
	assert.Equal(t, Metadata{"authorization": "Bearer b", "x-trace": "1"}, md)

	md["x-trace"] = "changed"
	assert.Equal(t, "1", MetadataFrom(ctx)["x-trace"])
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "opened", EventOpened.String())
	assert.Equal(t, "push_error", EventPushError.String())
	assert.Equal(t, "event(9)", EventType(9).String())
}
