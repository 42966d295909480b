package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"regexp"
)

// RequestIDHeader carries the correlation ID between the hub, its proxies,
// and its clients.
const RequestIDHeader = "X-Request-ID"

// Upstream IDs outside this alphabet are replaced rather than propagated:
// anything else could smuggle CRLF into response headers or bloat log lines.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

type requestIDKey struct{}

// NewRequestID returns a fresh 128-bit correlation ID in base64url form.
// A failing system RNG is unrecoverable, so it panics.
func NewRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// WithRequestID stores the correlation ID on the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the correlation ID attached to the context, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// EnsureRequestID gives the request a correlation ID. A well-formed upstream
// X-Request-ID is kept so traces line up across the proxy tier; anything
// missing or malformed is replaced. The ID is echoed on the response and
// attached to the returned request's context.
func EnsureRequestID(w http.ResponseWriter, r *http.Request) *http.Request {
	id := r.Header.Get(RequestIDHeader)
	if !requestIDPattern.MatchString(id) {
		id = NewRequestID()
	}
	w.Header().Set(RequestIDHeader, id)
	return r.WithContext(WithRequestID(r.Context(), id))
}
