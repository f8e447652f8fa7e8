// Package provider defines the adapter contract for upstream AI
// providers and the registry that tracks them. Each adapter owns its
// HTTP client, auth material and serialization quirks; routing state
// lives elsewhere.
package provider

import (
	"context"

	"github.com/blueberrycongee/relaymux/pkg/types"
)

// Adapter is the uniform façade over one upstream provider API.
// Implementations must be safe for concurrent use and must map every
// failure onto the canonical error taxonomy.
type Adapter interface {
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string

	// Capabilities returns the feature tags this provider advertises.
	Capabilities() []types.Capability

	// Models returns the provider's model catalog with pricing.
	Models() []types.ModelInfo

	// SupportsModel checks if the provider serves the given model.
	SupportsModel(model string) bool

	// Execute performs one buffered completion round trip. The call
	// honors ctx cancellation by closing the underlying transport.
	Execute(ctx context.Context, req *types.Request) (*types.Response, error)

	// Stream performs one streaming round trip and returns a lazy
	// chunk source. The caller must drain or Close the stream.
	Stream(ctx context.Context, req *types.Request) (ChunkStream, error)

	// HealthProbe issues a lightweight upstream check.
	HealthProbe(ctx context.Context) (*types.ProbeResult, error)
}

// ChunkStream is an iterator over streamed response chunks.
type ChunkStream interface {
	// Next returns the next chunk from the stream.
	// Returns io.EOF when the stream is complete.
	Next() (*types.StreamChunk, error)

	// Close releases resources associated with the stream.
	Close() error
}

// Factory creates adapter instances from configuration.
type Factory func(cfg Config) (Adapter, error)

// Config contains everything needed to construct one adapter.
type Config struct {
	// Name identifies the registered provider; Type selects the factory.
	Name string
	Type string

	APIKey  string
	BaseURL string
	Region  string

	// Models overrides the adapter's default catalog when non-empty.
	Models []types.ModelInfo

	Limits     types.Limits
	TimeoutSec int
	Headers    map[string]string
}
