package provider

import (
	"bufio"
	"bytes"
	"io"
	"sync"

	"github.com/blueberrycongee/relaymux/pkg/types"
)

// ParseFunc turns one SSE data line into a canonical chunk.
// Returning (nil, nil) skips keep-alives and comment lines.
type ParseFunc func(data []byte) (*types.StreamChunk, error)

// SSEStream adapts a provider's SSE response body to the ChunkStream
// contract. Parsing quirks stay with the adapter via the parse func.
type SSEStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	parse   ParseFunc

	closed bool
	mu     sync.Mutex
}

// NewSSEStream wraps a streaming response body.
func NewSSEStream(body io.ReadCloser, parse ParseFunc) *SSEStream {
	scanner := bufio.NewScanner(body)
	// Increase buffer size for large chunks
	scanner.Buffer(make([]byte, 4096), 4096*16)

	return &SSEStream{
		body:    body,
		scanner: scanner,
		parse:   parse,
	}
}

// Next returns the next chunk from the stream.
// Returns io.EOF when the stream is complete.
func (s *SSEStream) Next() (*types.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if bytes.Equal(line, []byte("data: [DONE]")) || bytes.Equal(line, []byte("[DONE]")) {
			s.close()
			return nil, io.EOF
		}

		chunk, err := s.parse(line)
		if err != nil {
			// Unparseable lines are comments or keep-alives.
			continue
		}
		if chunk == nil {
			continue
		}
		return chunk, nil
	}

	if err := s.scanner.Err(); err != nil {
		s.close()
		return nil, err
	}

	s.close()
	return nil, io.EOF
}

// Close releases the underlying body. Safe to call multiple times.
func (s *SSEStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.close()
}

func (s *SSEStream) close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

// DataPayload strips the "data: " prefix from an SSE line, if present.
func DataPayload(line []byte) []byte {
	if bytes.HasPrefix(line, []byte("data: ")) {
		return bytes.TrimPrefix(line, []byte("data: "))
	}
	if bytes.HasPrefix(line, []byte("data:")) {
		return bytes.TrimPrefix(line, []byte("data:"))
	}
	return line
}
