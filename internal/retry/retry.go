// Package retry decides whether and when a failed request runs again.
// Strategies share common guardrails (retryability, attempt budget,
// deadline, jitter, delay cap); the adaptive strategy additionally
// consults per-(operation, provider) learning records.
package retry

import (
	"time"
)

// Strategy names a backoff curve.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
	StrategyFibonacci   Strategy = "fibonacci"
	StrategyAdaptive    Strategy = "adaptive"
)

// Config tunes the retry controller.
type Config struct {
	Strategy Strategy

	// MaxAttempts is the total attempt budget. Zero means a single
	// attempt with no retries.
	MaxAttempts int

	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	// JitterRange spreads each delay by ±range.
	JitterRange float64

	// AdaptiveFactor scales the adaptive delay growth per attempt.
	AdaptiveFactor float64

	LearningEnabled bool

	// SuccessThreshold is the learned success rate above which the
	// adaptive strategy relaxes to a linear curve.
	SuccessThreshold float64
}

// DefaultConfig returns the retry tuning used when none is configured.
func DefaultConfig() Config {
	return Config{
		Strategy:          StrategyExponential,
		MaxAttempts:       5,
		BaseDelay:         time.Second,
		MaxDelay:          32 * time.Second,
		BackoffMultiplier: 2,
		JitterRange:       0.1,
		AdaptiveFactor:    0.5,
		LearningEnabled:   true,
		SuccessThreshold:  0.7,
	}
}

// Attempt describes the attempt that just failed.
type Attempt struct {
	RequestID string
	Operation string
	Provider  string

	// Number is 1-based: the first execution is attempt 1.
	Number int

	Err error

	// Deadline is the request's wall-clock deadline; zero means none.
	Deadline time.Time
}

// Decision is the controller's verdict for one failed attempt.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}
