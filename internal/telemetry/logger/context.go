package logger

import "context"

type contextKey int

const (
	loggerKey contextKey = iota
	connIDKey
	requestIDKey
)

// WithLogger attaches l to ctx for handlers further down the chain.
func WithLogger(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext returns the logger attached to ctx, or Default.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey).(Logger); ok {
		return l
	}
	return Default()
}

// L returns the logger attached to ctx tagged with the connection and
// request ids ctx carries.
func L(ctx context.Context) Logger {
	return FromContext(ctx).WithContext(ctx)
}

// WithConnID tags the context with the id of the connection being served.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey, id)
}

// ConnIDFromContext returns the connection id, or "".
func ConnIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey).(string)
	return id
}

// WithRequestID tags the context with the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
