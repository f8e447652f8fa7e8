package types //nolint:revive // package name is intentional

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestValidate_Minimal(t *testing.T) {
	req := &Request{
		UserID:   "u-1",
		Tier:     TierBasic,
		Priority: PriorityMedium,
		Messages: []Message{{Role: "user", Content: "hi"}},
	}
	assert.NoError(t, req.Validate())
}

func TestRequestValidate_Rejections(t *testing.T) {
	base := func() *Request {
		return &Request{
			UserID:   "u-1",
			Tier:     TierPremium,
			Priority: PriorityHigh,
			Messages: []Message{{Role: "user", Content: "hi"}},
		}
	}

	t.Run("missing user", func(t *testing.T) {
		r := base()
		r.UserID = ""
		assert.Error(t, r.Validate())
	})

	t.Run("unknown tier", func(t *testing.T) {
		r := base()
		r.Tier = "platinum"
		assert.Error(t, r.Validate())
	})

	t.Run("unknown priority", func(t *testing.T) {
		r := base()
		r.Priority = "urgent"
		assert.Error(t, r.Validate())
	})

	t.Run("empty messages", func(t *testing.T) {
		r := base()
		r.Messages = nil
		assert.Error(t, r.Validate())
	})

	t.Run("negative max tokens", func(t *testing.T) {
		r := base()
		r.MaxTokens = -1
		assert.Error(t, r.Validate())
	})

	t.Run("negative timeout", func(t *testing.T) {
		r := base()
		r.TimeoutMs = -5
		assert.Error(t, r.Validate())
	})
}

func TestParseTier_CaseInsensitive(t *testing.T) {
	tier, err := ParseTier("Enterprise")
	require.NoError(t, err)
	assert.Equal(t, TierEnterprise, tier)

	_, err = ParseTier("gold")
	assert.Error(t, err)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("critical")
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, p)

	_, err = ParsePriority("")
	assert.Error(t, err)
}

func TestEstimateTokens(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "aaaa"},
		{Role: "user", Content: "bbbbbbbb"},
	}
	assert.Equal(t, 3, EstimateTokens(msgs))
	assert.Equal(t, 0, EstimateTokens(nil))
}

func TestRequestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
}

func TestQueuedRequestEligible(t *testing.T) {
	now := time.Now()
	qr := &QueuedRequest{ScheduledAt: now.Add(500 * time.Millisecond)}
	assert.False(t, qr.Eligible(now))
	assert.True(t, qr.Eligible(now.Add(time.Second)))
	assert.True(t, qr.Eligible(qr.ScheduledAt))
}
