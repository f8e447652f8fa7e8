package observability

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
)

// RequestIDHeader is the canonical header carrying a caller-supplied
// request identifier.
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLen bounds accepted identifiers so a hostile header cannot
// bloat logs or span attributes.
const maxRequestIDLen = 128

type contextKey struct{}

var requestIDKey contextKey

// GenerateRequestID returns a 32-character hex identifier.
func GenerateRequestID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the platform entropy source is
		// broken, at which point request IDs are the least concern.
		return "00000000000000000000000000000000"
	}
	return hex.EncodeToString(buf)
}

// ContextWithRequestID stores the request ID on the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request ID, or "" when none is set.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestIDMiddleware honors an incoming X-Request-ID, minting one when
// absent or malformed, and echoes the final value on the response so
// callers can correlate.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := sanitizeRequestID(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = GenerateRequestID()
		}

		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ContextWithRequestID(r.Context(), id)))
	})
}

// sanitizeRequestID rejects identifiers that are too long or contain
// characters outside [A-Za-z0-9_.-]. Rejected IDs are replaced, not
// trimmed, so callers notice the mismatch.
func sanitizeRequestID(id string) string {
	if id == "" || len(id) > maxRequestIDLen {
		return ""
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return ""
		}
	}
	return id
}
