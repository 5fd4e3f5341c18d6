package logging

import (
	"context"

	"github.com/rs/zerolog"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// NewContext stores l and the request id in ctx
func NewContext(ctx context.Context, l zerolog.Logger, requestID string) context.Context {
	l = l.With().Str("request_id", requestID).Logger()
	ctx = context.WithValue(ctx, requestIDKey, requestID)
	return l.WithContext(ctx)
}

// FromContext returns the logger stored by NewContext, or a disabled logger
func FromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// RequestID returns the request id stored by NewContext
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
