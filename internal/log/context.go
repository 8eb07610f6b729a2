// SPDX-License-Identifier: MIT

package log

import (
	"context"

	"github.com/rs/zerolog"
)

// Request and correlation ids ride the context so handlers, the saga
// orchestrator and the event store can tag their output without passing
// ids through every signature.
type (
	requestIDKey     struct{}
	correlationIDKey struct{}
)

// ContextWithRequestID attaches a per-request id to the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// ContextWithCorrelationID attaches the id of the causal unit of work,
// typically a saga instance id, to the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// RequestIDFromContext returns the request id, or "" when none is set.
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey{})
}

// CorrelationIDFromContext returns the correlation id, or "" when none is set.
func CorrelationIDFromContext(ctx context.Context) string {
	return stringValue(ctx, correlationIDKey{})
}

func stringValue(ctx context.Context, key any) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(key).(string)
	return s
}

// WithContext stamps the context's request and correlation ids onto the
// logger. Absent ids add no fields.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	rid := RequestIDFromContext(ctx)
	cid := CorrelationIDFromContext(ctx)
	if rid == "" && cid == "" {
		return logger
	}
	builder := logger.With()
	if rid != "" {
		builder = builder.Str("request_id", rid)
	}
	if cid != "" {
		builder = builder.Str("correlation_id", cid)
	}
	return builder.Logger()
}
