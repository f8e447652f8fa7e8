// Package types defines core data structures for routed AI requests.
// All types are provider-neutral; adapters translate them to and from
// each upstream wire format.
package types //nolint:revive // package name is intentional

import (
	"fmt"
	"strings"
	"time"
)

// Tier classifies a user for rate and burst budgeting.
type Tier string

// Known tiers, ordered by entitlement.
const (
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// ParseTier validates a wire-level tier string.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(s)); t {
	case TierBasic, TierPremium, TierEnterprise:
		return t, nil
	default:
		return "", fmt.Errorf("unknown tier: %q", s)
	}
}

// Priority orders requests in the pending queue.
type Priority string

// Known priorities, lowest to highest.
const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority validates a wire-level priority string.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(s)); p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority: %q", s)
	}
}

// Capability is an abstract feature tag a request requires and a
// provider advertises. Matching is exact string comparison.
type Capability string

// Capabilities used by the built-in adapters.
const (
	CapabilityTextGeneration Capability = "text-generation"
	CapabilityCodeGeneration Capability = "code-generation"
	CapabilityChat           Capability = "chat"
	CapabilityStreaming      Capability = "streaming"
	CapabilityEmbedding      Capability = "embedding"
)

// Message is a single conversation turn in the canonical payload.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the unit of work submitted to the router. Immutable after
// creation except for Attempts and LastError, which the orchestrator
// advances between retries.
type Request struct {
	ID           string       `json:"id"`
	UserID       string       `json:"userId"`
	Tier         Tier         `json:"tier"`
	Priority     Priority     `json:"priority"`
	Capabilities []Capability `json:"capabilities"`

	// ProviderHint pins the request to one provider; ModelHint pins the
	// model. Hints bypass scoring but still undergo admission. Fallback
	// re-opens scoring over the remaining providers when the hinted one
	// cannot admit.
	ProviderHint string `json:"providerHint,omitempty"`
	ModelHint    string `json:"modelHint,omitempty"`
	Fallback     bool   `json:"fallback,omitempty"`

	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"maxTokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	Stream      bool      `json:"stream,omitempty"`

	// EstimatedTokens is the submit-time input estimate. True usage
	// reported by the adapter replaces it for accounting.
	EstimatedTokens int     `json:"estimatedTokens,omitempty"`
	MaxCost         float64 `json:"maxCost,omitempty"`
	TimeoutMs       int64   `json:"timeoutMs,omitempty"`

	// Deadline is the absolute wall-clock cutoff, fixed at enqueue.
	Deadline time.Time `json:"deadline,omitempty"`

	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError,omitempty"`
}

// Validate checks the closed enumerations and required fields. It does
// not normalize; callers parse tier and priority beforehand.
func (r *Request) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	if _, err := ParseTier(string(r.Tier)); err != nil {
		return err
	}
	if _, err := ParsePriority(string(r.Priority)); err != nil {
		return err
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i, m := range r.Messages {
		if m.Role == "" {
			return fmt.Errorf("messages[%d]: role is required", i)
		}
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("maxTokens must be non-negative")
	}
	if r.MaxCost < 0 {
		return fmt.Errorf("maxCost must be non-negative")
	}
	if r.TimeoutMs < 0 {
		return fmt.Errorf("timeoutMs must be non-negative")
	}
	return nil
}

// Timeout returns the request timeout as a duration, or 0 when unset.
func (r *Request) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// EstimateTokens approximates the input token count of a payload as
// one token per four characters. Adapter-reported usage supersedes it.
func EstimateTokens(messages []Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars / 4
}

// RequestStatus is the queue-visible lifecycle state. A queued request
// is in exactly one status at any time.
type RequestStatus string

// Queue lifecycle states.
const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
	StatusCancelled  RequestStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// QueuedRequest wraps a Request with scheduling metadata while it is
// owned by the queue.
type QueuedRequest struct {
	Request *Request `json:"request"`

	CreatedAt   time.Time `json:"createdAt"`
	ScheduledAt time.Time `json:"scheduledAt"`

	// StartedAt marks the first attempt's dispatch; CompletedAt marks
	// the move to a terminal status.
	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`

	MaxAttempts    int           `json:"maxAttempts"`
	RetryDelayBase time.Duration `json:"retryDelayBase"`
	EstimatedCost  float64       `json:"estimatedCost"`

	// WaitingOn names the provider whose queued-demand counter this
	// entry holds while parked for admission. Cleared on next dispatch.
	WaitingOn string `json:"waitingOn,omitempty"`

	Status RequestStatus `json:"status"`
}

// Eligible reports whether the entry may be dispatched at the given
// instant. Retries parked in the future are skipped by the batch loop.
func (q *QueuedRequest) Eligible(now time.Time) bool {
	return !q.ScheduledAt.After(now)
}
