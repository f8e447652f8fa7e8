package retry

import (
	"hash/fnv"
	"math/rand"
	"time"

	muxerrors "github.com/blueberrycongee/relaymux/pkg/errors"
)

// Controller applies the configured strategy to failed attempts.
type Controller struct {
	cfg     Config
	learner *Learner
}

// NewController creates a controller. The learner may be nil when
// learning is disabled.
func NewController(cfg Config, learner *Learner) *Controller {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = DefaultConfig().BackoffMultiplier
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyExponential
	}
	return &Controller{cfg: cfg, learner: learner}
}

// Observe feeds a terminal outcome back to the learner, if any.
func (c *Controller) Observe(o Outcome) {
	if c.learner != nil && c.cfg.LearningEnabled {
		c.learner.Observe(o)
	}
}

// Decide returns whether the attempt should be retried and after how
// long. The same attempt always yields the same delay: jitter is
// seeded from the request identity.
func (c *Controller) Decide(now time.Time, a Attempt) Decision {
	if !muxerrors.IsRetryable(a.Err) {
		return Decision{Reason: "error is not retryable"}
	}
	if a.Number >= c.cfg.MaxAttempts {
		return Decision{Reason: "attempt budget exhausted"}
	}

	rec := c.record(a)
	if c.cfg.Strategy == StrategyAdaptive && rec != nil &&
		rec.Samples >= minSamples && rec.SuccessRate < 0.3 && a.Number >= 2 {
		return Decision{Reason: "provider success rate too low to keep retrying"}
	}

	delay := c.baseDelay(a, rec)

	// Honor a server-provided wait hint when it is longer.
	if hint, ok := muxerrors.WaitHint(a.Err); ok && hint > delay {
		delay = hint
	}
	if delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	delay = c.jitter(delay, a)

	if !a.Deadline.IsZero() && now.Add(delay).After(a.Deadline) {
		return Decision{Reason: "deadline would pass before the next attempt"}
	}
	return Decision{Retry: true, Delay: delay}
}

// baseDelay computes the strategy curve before jitter and capping.
func (c *Controller) baseDelay(a Attempt, rec *Record) time.Duration {
	switch c.cfg.Strategy {
	case StrategyFixed:
		return c.cfg.BaseDelay
	case StrategyLinear:
		return c.linear(a.Number)
	case StrategyFibonacci:
		return scaled(c.cfg.BaseDelay, float64(fib(a.Number)), c.cfg.MaxDelay)
	case StrategyAdaptive:
		return c.adaptive(a.Number, rec)
	default:
		return c.exponential(a.Number)
	}
}

func (c *Controller) exponential(attempt int) time.Duration {
	factor := 1.0
	for i := 1; i < attempt; i++ {
		factor *= c.cfg.BackoffMultiplier
		if time.Duration(float64(c.cfg.BaseDelay)*factor) >= c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
	}
	return scaled(c.cfg.BaseDelay, factor, c.cfg.MaxDelay)
}

func (c *Controller) linear(attempt int) time.Duration {
	return scaled(c.cfg.BaseDelay, float64(attempt), c.cfg.MaxDelay)
}

// adaptive grows from the learned average duration. Without a usable
// record it falls back to exponential; reliable providers relax to a
// linear curve.
func (c *Controller) adaptive(attempt int, rec *Record) time.Duration {
	if rec == nil || rec.Samples == 0 {
		return c.exponential(attempt)
	}
	if rec.Samples >= minSamples && rec.SuccessRate >= c.cfg.SuccessThreshold {
		return c.linear(attempt)
	}
	avg := time.Duration(rec.AvgDurationMs) * time.Millisecond
	if avg <= 0 {
		avg = c.cfg.BaseDelay
	}
	return scaled(avg, 1+c.cfg.AdaptiveFactor*float64(attempt-1), c.cfg.MaxDelay)
}

func (c *Controller) record(a Attempt) *Record {
	if c.learner == nil || !c.cfg.LearningEnabled {
		return nil
	}
	return c.learner.Lookup(a.Operation, a.Provider)
}

// jitter spreads the delay by ±JitterRange, deterministically for a
// given (request, attempt) pair.
func (c *Controller) jitter(delay time.Duration, a Attempt) time.Duration {
	if c.cfg.JitterRange <= 0 || delay <= 0 {
		return delay
	}
	h := fnv.New64a()
	h.Write([]byte(a.RequestID))
	seed := int64(h.Sum64()) + int64(a.Number)

	u := rand.New(rand.NewSource(seed)).Float64()
	factor := 1 + c.cfg.JitterRange*(2*u-1)
	jittered := time.Duration(float64(delay) * factor)
	if jittered < 0 {
		return 0
	}
	return jittered
}

func scaled(base time.Duration, factor float64, maxDelay time.Duration) time.Duration {
	d := time.Duration(float64(base) * factor)
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}

// fib returns the nth Fibonacci number, 1-based: 1, 1, 2, 3, 5, ...
func fib(n int) int {
	if n <= 2 {
		return 1
	}
	a, b := 1, 1
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}
