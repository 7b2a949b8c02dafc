// Package log carries zap fields through a context so that
// every log line of one call shares the same identifiers.
package log

import (
	"context"

	"go.uber.org/zap"
)

type key int

const (
	fieldsKey key = iota
)

// WithContext enriches the logger with fields from the context
func WithContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	return logger.With(Fields(ctx)...)
}

// WithFields adds log fields to the context
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, fieldsKey, append(Fields(ctx), fields...))
}

// WithTx tags the context with a transaction id
func WithTx(ctx context.Context, txID string) context.Context {
	return WithFields(ctx, zap.String("tx", txID))
}

// WithInvocation tags the context with a logical invocation id
func WithInvocation(ctx context.Context, invocationID string) context.Context {
	return WithFields(ctx, zap.String("invocation", invocationID))
}

// Fields extracts log fields from the context. The result
// is a copy and may be appended to freely.
func Fields(ctx context.Context) []zap.Field {
	fields, ok := ctx.Value(fieldsKey).([]zap.Field)

	if !ok {
		return []zap.Field{}
	}

	return append([]zap.Field(nil), fields...)
}
