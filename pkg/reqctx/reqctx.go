// Package reqctx carries request-scoped values through context: the request
// id that every caller-visible failure must echo back, and the deadline
// inheritance helper used by all external calls.
package reqctx

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// WithRequestID returns a context carrying the given request id, generating
// one when id is empty.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.New().String()
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID extracts the request id from ctx, or "" when absent.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// Middleware injects a request id into every request context and response
// header, reusing a client-supplied X-Request-ID when present.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

// WithTimeout bounds ctx by d without ever extending an inherited deadline:
// if the parent expires sooner, the parent deadline wins.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if parent, ok := ctx.Deadline(); ok && time.Until(parent) < d {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
