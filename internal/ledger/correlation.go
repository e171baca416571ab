package ledger

import (
	"context"

	"github.com/google/uuid"
)

type correlationKey struct{}

// WithCorrelation stamps a workflow correlation id onto the context.
// Entry points (webhook handling, worker sweeps, operator actions) set
// it once; every audit entry written downstream inherits it.
func WithCorrelation(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationFrom returns the correlation id from the context, if any.
func CorrelationFrom(ctx context.Context) (uuid.UUID, bool) {
	if ctx == nil {
		return uuid.Nil, false
	}
	id, ok := ctx.Value(correlationKey{}).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// EnsureCorrelation returns a context carrying a correlation id,
// generating one when absent, along with the id in effect.
func EnsureCorrelation(ctx context.Context) (context.Context, uuid.UUID) {
	if id, ok := CorrelationFrom(ctx); ok {
		return ctx, id
	}
	id := uuid.New()
	return WithCorrelation(ctx, id), id
}
