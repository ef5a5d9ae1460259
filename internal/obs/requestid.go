package obs

import (
	"context"
	"strings"
)

type requestIDKey struct{}

// RequestIDHeader is read from and echoed to clients, and forwarded downstream.
const RequestIDHeader = "X-Request-ID"

// WithRequestID attaches the request identifier to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}
