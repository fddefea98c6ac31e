// Package broadcast fans values out to any number of subscribers. It backs
// the engine's observable streams: activity, errors, conflicts and
// connectivity state.
package broadcast

import (
	"sync"
	"sync/atomic"
)

// Stream delivers each published value to every current subscriber.
// Publishing never blocks: a subscriber whose buffer is full misses the
// value and the drop is counted.
type Stream[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	closed bool

	// replay makes new subscribers receive the latest value first
	replay bool
	latest T
	has    bool

	stats Stats
}

// Stats tracks stream usage
type Stats struct {
	Published int64
	Delivered int64
	Dropped   int64
}

// New creates a stream without replay, for event-style values such as
// error messages.
func New[T any]() *Stream[T] {
	return &Stream[T]{subs: make(map[int]chan T)}
}

// NewReplay creates a stream that hands its latest value to new subscribers.
func NewReplay[T any]() *Stream[T] {
	return &Stream[T]{subs: make(map[int]chan T), replay: true}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unregisters it and closes the channel; it is safe to call more
// than once.
func (s *Stream[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	if s.replay && s.has {
		ch <- s.latest
	}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Publish sends v to all subscribers without blocking
func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.latest = v
	s.has = true
	atomic.AddInt64(&s.stats.Published, 1)

	for _, ch := range s.subs {
		select {
		case ch <- v:
			atomic.AddInt64(&s.stats.Delivered, 1)
		default:
			atomic.AddInt64(&s.stats.Dropped, 1)
		}
	}
}

// Latest returns the most recently published value
func (s *Stream[T]) Latest() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.has
}

// Len returns the number of subscribers
func (s *Stream[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// GetStats returns a copy of the stream statistics
func (s *Stream[T]) GetStats() Stats {
	return Stats{
		Published: atomic.LoadInt64(&s.stats.Published),
		Delivered: atomic.LoadInt64(&s.stats.Delivered),
		Dropped:   atomic.LoadInt64(&s.stats.Dropped),
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// State is a replaying stream that only publishes changes, like an
// observable property.
type State[T comparable] struct {
	*Stream[T]
	mu sync.Mutex
}

// NewState creates a state holding initial
func NewState[T comparable](initial T) *State[T] {
	st := &State[T]{Stream: NewReplay[T]()}
	st.Stream.Publish(initial)
	return st
}

// Set stores v and publishes it if it differs from the current value.
// It reports whether the value changed.
func (st *State[T]) Set(v T) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if cur, _ := st.Latest(); cur == v {
		return false
	}
	st.Stream.Publish(v)
	return true
}

// Get returns the current value
func (st *State[T]) Get() T {
	v, _ := st.Latest()
	return v
}
