package stream

import (
	"sync"
	"time"
)

// maxPending bounds the per-subscriber backlog. A consumer that lets
// this many events pile up is dropped outright.
const maxPending = 1024

// Subscriber is one consumer of a stream session. Events are delivered
// in order on Events; the channel closes after the terminal event is
// consumed. A subscriber that stops draining is dropped after the idle
// window.
type Subscriber struct {
	ID string

	events    chan Event
	done      chan struct{}
	wake      chan struct{}
	closeOnce sync.Once
	remove    func(id string)

	mu        sync.Mutex
	pending   []Event
	closing   bool
	lastDrain time.Time
}

func newSubscriber(id string, buffer int, remove func(id string)) *Subscriber {
	return &Subscriber{
		ID:        id,
		events:    make(chan Event, buffer),
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
		remove:    remove,
		lastDrain: time.Now(),
	}
}

// Events is the consumer-facing event channel.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Done closes when the subscriber is dropped or closed. Events only
// closes on graceful termination, so consumers must watch Done too.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.remove != nil {
			s.remove(s.ID)
		}
	})
}

// push queues an event without blocking the broadcaster. A terminal
// event marks the subscriber closing: the pump flushes what is queued
// and then closes the events channel.
func (s *Subscriber) push(ev Event, terminal bool) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	if len(s.pending) >= maxPending {
		s.mu.Unlock()
		s.Close()
		return
	}
	s.pending = append(s.pending, ev)
	if terminal {
		s.closing = true
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump delivers pending events to the consumer channel. A full buffer
// stalls only this subscriber; after idleDrop without a drain the
// subscriber is dropped.
func (s *Subscriber) pump(retry, idleDrop time.Duration) {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			closing := s.closing
			s.mu.Unlock()
			if closing {
				close(s.events)
				s.Close()
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		if !s.deliver(ev, retry, idleDrop) {
			return
		}
	}
}

func (s *Subscriber) deliver(ev Event, retry, idleDrop time.Duration) bool {
	for {
		select {
		case s.events <- ev:
			s.mu.Lock()
			s.lastDrain = time.Now()
			s.mu.Unlock()
			return true
		case <-time.After(retry):
			s.mu.Lock()
			idle := time.Since(s.lastDrain) > idleDrop
			s.mu.Unlock()
			if idle {
				s.Close()
				return false
			}
		case <-s.done:
			return false
		}
	}
}
