package retry

import (
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	// minSamples gates learned decisions: records with fewer samples
	// carry no weight.
	minSamples = 10

	// recordMaxAge is how long a thin record may idle before eviction.
	recordMaxAge = 7 * 24 * time.Hour

	evictInterval = time.Hour
)

// Record is the learned outcome history for one (operation, provider)
// key. Records are immutable once published; updates replace them.
type Record struct {
	SuccessRate   float64
	AvgAttempts   float64
	AvgDurationMs float64
	Samples       int64

	// AdaptedBaseDelay and AdaptedMultiplier snapshot the curve the
	// learner currently recommends.
	AdaptedBaseDelay  time.Duration
	AdaptedMultiplier float64

	LastUpdated time.Time
}

// Outcome is one terminal request result fed back to the learner.
type Outcome struct {
	Operation string
	Provider  string
	Success   bool
	Attempts  int
	Duration  time.Duration
}

// Learner keeps per-key outcome statistics. All writes flow through a
// single worker goroutine, so no per-key locking is needed; readers
// get immutable snapshots.
type Learner struct {
	cfg     Config
	records *cache.Cache
	updates chan Outcome
	done    chan struct{}
}

// NewLearner starts the update worker. Close releases it.
func NewLearner(cfg Config) *Learner {
	l := &Learner{
		cfg:     cfg,
		records: cache.New(cache.NoExpiration, 0),
		updates: make(chan Outcome, 256),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

func learningKey(operation, provider string) string {
	return operation + ":" + provider
}

// Observe feeds one terminal outcome to the learner. It never blocks:
// when the update queue is full the outcome is dropped.
func (l *Learner) Observe(o Outcome) {
	select {
	case l.updates <- o:
	default:
	}
}

// Lookup returns the record for a key, or nil when none exists.
func (l *Learner) Lookup(operation, provider string) *Record {
	v, ok := l.records.Get(learningKey(operation, provider))
	if !ok {
		return nil
	}
	rec, _ := v.(*Record)
	return rec
}

// Close stops the update worker after draining pending outcomes.
func (l *Learner) Close() {
	close(l.updates)
	<-l.done
}

func (l *Learner) run() {
	defer close(l.done)

	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()

	for {
		select {
		case o, ok := <-l.updates:
			if !ok {
				return
			}
			l.apply(o, time.Now())
		case <-ticker.C:
			l.evict(time.Now())
		}
	}
}

// apply folds one outcome into the key's running averages:
// rate <- (rate*n + outcome) / (n+1).
func (l *Learner) apply(o Outcome, now time.Time) {
	key := learningKey(o.Operation, o.Provider)

	old := &Record{}
	if v, ok := l.records.Get(key); ok {
		old = v.(*Record)
	}

	n := float64(old.Samples)
	outcome := 0.0
	if o.Success {
		outcome = 1.0
	}

	next := &Record{
		SuccessRate:   (old.SuccessRate*n + outcome) / (n + 1),
		AvgAttempts:   (old.AvgAttempts*n + float64(o.Attempts)) / (n + 1),
		AvgDurationMs: (old.AvgDurationMs*n + float64(o.Duration.Milliseconds())) / (n + 1),
		Samples:       old.Samples + 1,
		LastUpdated:   now,
	}
	next.AdaptedBaseDelay, next.AdaptedMultiplier = l.adapt(next)

	l.records.Set(key, next, cache.NoExpiration)
}

// adapt derives the recommended curve from the record: the observed
// average duration becomes the base delay, clamped into the
// configured range, and reliable keys get a flatter multiplier.
func (l *Learner) adapt(rec *Record) (time.Duration, float64) {
	base := time.Duration(rec.AvgDurationMs) * time.Millisecond
	if base < l.cfg.BaseDelay {
		base = l.cfg.BaseDelay
	}
	if l.cfg.MaxDelay > 0 && base > l.cfg.MaxDelay {
		base = l.cfg.MaxDelay
	}

	multiplier := l.cfg.BackoffMultiplier
	if rec.Samples >= minSamples && rec.SuccessRate >= l.cfg.SuccessThreshold {
		multiplier = 1
	}
	return base, multiplier
}

// evict drops records that are both stale and thin.
func (l *Learner) evict(now time.Time) {
	for key, item := range l.records.Items() {
		rec, ok := item.Object.(*Record)
		if !ok {
			l.records.Delete(key)
			continue
		}
		if rec.Samples < minSamples && now.Sub(rec.LastUpdated) > recordMaxAge {
			l.records.Delete(key)
		}
	}
}
