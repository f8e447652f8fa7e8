package types //nolint:revive // package name is intentional

import "time"

// ModelInfo describes one entry of a provider's model catalog, with
// pricing per thousand tokens used for cost estimation and budget
// ceilings.
type ModelInfo struct {
	Name             string  `json:"name"`
	InputCostPer1K   float64 `json:"inputCostPer1k"`
	OutputCostPer1K  float64 `json:"outputCostPer1k"`
	MaxContextTokens int     `json:"maxContextTokens,omitempty"`
}

// Limits are the caps a provider declares at registration.
type Limits struct {
	MaxConcurrent int `json:"maxConcurrent"`

	RequestsPerMinute int64 `json:"requestsPerMinute"`
	RequestsPerHour   int64 `json:"requestsPerHour"`
	RequestsPerDay    int64 `json:"requestsPerDay"`

	TokensPerMinute int64 `json:"tokensPerMinute"`
	TokensPerHour   int64 `json:"tokensPerHour"`
	TokensPerDay    int64 `json:"tokensPerDay"`
}

// WindowCounters is one sliding-window bucket of request and token
// consumption.
type WindowCounters struct {
	Requests int64     `json:"requests"`
	Tokens   int64     `json:"tokens"`
	ResetAt  time.Time `json:"resetAt"`
}

// CapacityState is the live admission snapshot for one provider.
// Invariant: 0 <= Active <= MaxConcurrent.
type CapacityState struct {
	ProviderID string `json:"providerId"`

	Active         int `json:"active"`
	AvailableSlots int `json:"availableSlots"`
	MaxConcurrent  int `json:"maxConcurrent"`

	Minute WindowCounters `json:"minute"`
	Hour   WindowCounters `json:"hour"`
	Day    WindowCounters `json:"day"`

	QueueLength     int     `json:"queueLength"`
	AvgProcessingMs float64 `json:"avgProcessingMs"`

	HealthScore float64   `json:"healthScore"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Utilization is the concurrent-slot pressure in [0,1].
func (s *CapacityState) Utilization() float64 {
	if s.MaxConcurrent <= 0 {
		return 0
	}
	u := float64(s.Active) / float64(s.MaxConcurrent)
	if u > 1 {
		return 1
	}
	return u
}

// ProbeResult is the outcome of one active health probe.
type ProbeResult struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Details string        `json:"details,omitempty"`
}

// ProviderStatus is the operator-facing summary served by the
// providers endpoint and consumed by the selector.
type ProviderStatus struct {
	ID           string       `json:"id"`
	Capabilities []Capability `json:"capabilities"`
	Models       []ModelInfo  `json:"models,omitempty"`

	HealthScore  float64 `json:"healthScore"`
	Utilization  float64 `json:"utilization"`
	P50LatencyMs float64 `json:"p50LatencyMs"`
	P95LatencyMs float64 `json:"p95LatencyMs"`
	SuccessRate  float64 `json:"successRate"`

	LastProbeAt time.Time `json:"lastProbeAt,omitempty"`
}
