package fanout

import "sync"

// DefaultRingSize is the default per-subscriber ring buffer capacity
// in bytes (spec.md §4.3).
const DefaultRingSize = 64 * 1024

// Subscriber is a live consumer of a session's PTY output. It is held
// in the fan-out's arena by a stable ID (spec.md §9: "the fan-out
// holds IDs, not pointers"); the per-connection worker that owns a
// Subscriber is responsible for removing it from the arena on
// disconnect.
type Subscriber struct {
	ID uint64

	mu      sync.Mutex
	ring    [][]byte
	size    int
	cap     int
	lagging bool
	closed  bool
	signal  chan struct{}
}

func newSubscriber(id uint64, ringSize int) *Subscriber {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &Subscriber{
		ID:     id,
		cap:    ringSize,
		signal: make(chan struct{}, 1),
	}
}

// deliver appends data to the ring if it fits, or drops it and marks
// the subscriber lagging. It never blocks the caller (the fan-out's
// publish path).
func (s *Subscriber) deliver(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.size+len(data) > s.cap {
		s.lagging = true
		s.notifyLocked()
		return
	}
	buf := append([]byte(nil), data...)
	s.ring = append(s.ring, buf)
	s.size += len(buf)
	s.notifyLocked()
}

func (s *Subscriber) notifyLocked() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Wait returns a channel that receives a value whenever new data (or a
// lag transition) becomes available to drain.
func (s *Subscriber) Wait() <-chan struct{} {
	return s.signal
}

// Drain returns everything currently buffered and whether the
// subscriber is lagging (and clears the lagging flag — the caller is
// expected to signal the gap to its peer exactly once per lag event).
func (s *Subscriber) Drain() (data []byte, wasLagging bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, chunk := range s.ring {
		data = append(data, chunk...)
	}
	s.ring = nil
	s.size = 0
	wasLagging = s.lagging
	s.lagging = false
	return data, wasLagging
}

// Lagging reports whether the subscriber has dropped bytes since the
// last Drain.
func (s *Subscriber) Lagging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagging
}

// Close marks the subscriber closed; further delivers are no-ops.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
