package types //nolint:revive // package name is intentional

import "github.com/goccy/go-json"

// Response is the canonical buffered reply shape all adapters produce.
type Response struct {
	ID         string `json:"id"`
	RequestID  string `json:"requestId"`
	Model      string `json:"model"`
	ProviderID string `json:"providerId"`
	Content    string `json:"content"`

	Usage        TokenUsage `json:"usage"`
	FinishReason string     `json:"finishReason,omitempty"`

	ResponseTimeMs int64   `json:"responseTimeMs"`
	Cost           float64 `json:"cost,omitempty"`

	// FallbackUsed marks a response served by a provider other than the
	// hinted one; OriginalProvider records the hint that failed admission.
	FallbackUsed     bool   `json:"fallbackUsed,omitempty"`
	OriginalProvider string `json:"originalProvider,omitempty"`

	// RawMetadata passes through provider-specific fields untouched.
	RawMetadata map[string]json.RawMessage `json:"rawMetadata,omitempty"`
}

// TokenUsage counts tokens as reported by the upstream provider.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// StreamChunk is one element of a lazy, ordered, finite chunk sequence
// returned by an adapter for a streaming request.
type StreamChunk struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`

	// Tokens and Cost are incremental; the dispatcher accumulates them
	// into session totals.
	Tokens int     `json:"tokens,omitempty"`
	Cost   float64 `json:"cost,omitempty"`

	// Progress is an optional 0..100 hint from the adapter. Zero means
	// the adapter does not report progress.
	Progress float64 `json:"progress,omitempty"`

	FinishReason string `json:"finishReason,omitempty"`

	// Usage arrives on the final chunk for providers that report it.
	Usage *TokenUsage `json:"usage,omitempty"`
}
