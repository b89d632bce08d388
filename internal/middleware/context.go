package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	// KeyNameContextKey holds the API key name attached by the host's auth
	// layer. The gateway itself does not authenticate callers.
	KeyNameContextKey contextKey = "key_name"

	// RequestIDContextKey holds the per-request correlation ID
	RequestIDContextKey contextKey = "request_id"
)

// KeyNameHeader is set by the authenticating proxy in front of the gateway
const KeyNameHeader = "X-API-Key-Name"

// KeyName extracts the caller's key name from the request context
func KeyName(ctx context.Context) string {
	if name, ok := ctx.Value(KeyNameContextKey).(string); ok {
		return name
	}
	return ""
}

// RequestID extracts the request ID from the request context
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDContextKey).(string); ok {
		return id
	}
	return ""
}

// CallContext propagates the key name header and assigns a request ID
func CallContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if name := r.Header.Get(KeyNameHeader); name != "" {
			ctx = context.WithValue(ctx, KeyNameContextKey, name)
		}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx = context.WithValue(ctx, RequestIDContextKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
