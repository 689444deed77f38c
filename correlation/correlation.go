// Package correlation propagates correlation and causation ids from
// incoming requests to Commands, and from Commands to the Domain Events
// they produce, through the context.
package correlation

import (
	"context"

	"github.com/get-eventually/eventpipe/message"
)

// Metadata keys used for correlation.
const (
	CorrelationIDKey = "Correlation-Id"
	CausationIDKey   = "Causation-Id"
	ActorKey         = "Actor"
)

type ctxKey string

var keys = []string{CorrelationIDKey, CausationIDKey, ActorKey}

func with(ctx context.Context, key, value string) context.Context {
	if value == "" {
		return ctx
	}

	return context.WithValue(ctx, ctxKey(key), value)
}

func get(ctx context.Context, key string) (string, bool) {
	v, ok := ctx.Value(ctxKey(key)).(string)
	return v, ok && v != ""
}

// WithCorrelationID returns a context carrying the correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return with(ctx, CorrelationIDKey, id)
}

// WithCausationID returns a context carrying the causation id.
func WithCausationID(ctx context.Context, id string) context.Context {
	return with(ctx, CausationIDKey, id)
}

// WithActor returns a context carrying the actor.
func WithActor(ctx context.Context, actor string) context.Context {
	return with(ctx, ActorKey, actor)
}

// CorrelationID returns the correlation id in the context, if any.
func CorrelationID(ctx context.Context) (string, bool) { return get(ctx, CorrelationIDKey) }

// CausationID returns the causation id in the context, if any.
func CausationID(ctx context.Context) (string, bool) { return get(ctx, CausationIDKey) }

// FromMetadata returns a context carrying the correlation entries of the Metadata.
func FromMetadata(ctx context.Context, metadata message.Metadata) context.Context {
	for _, key := range keys {
		ctx = with(ctx, key, metadata[key])
	}

	return ctx
}

// Metadata returns the correlation entries carried by the context.
func Metadata(ctx context.Context) message.Metadata {
	var metadata message.Metadata

	for _, key := range keys {
		if v, ok := get(ctx, key); ok {
			metadata = metadata.With(key, v)
		}
	}

	return metadata
}
