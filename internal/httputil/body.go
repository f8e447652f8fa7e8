// Package httputil provides helpers for reading HTTP payloads safely.
package httputil

import (
	"errors"
	"io"
)

// DefaultMaxResponseBodyBytes caps buffered upstream responses at 10MB.
// Provider completions are text; a body beyond this is a misbehaving
// upstream, not a valid answer.
const DefaultMaxResponseBodyBytes int64 = 10 * 1024 * 1024

// ErrResponseBodyTooLarge reports a body that exceeded the read cap.
var ErrResponseBodyTooLarge = errors.New("response body too large")

// ReadLimitedBody reads at most maxBytes from reader. On overflow it
// returns the truncated prefix together with ErrResponseBodyTooLarge so
// callers can include a sample of the payload in their error.
func ReadLimitedBody(reader io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(reader)
	}

	limited := io.LimitReader(reader, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		return body[:int(maxBytes)], ErrResponseBodyTooLarge
	}
	return body, nil
}
