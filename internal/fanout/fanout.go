// Package fanout implements the one-producer/N-subscriber delivery
// layer that couples live PTY output to the mandatory cast writer and
// zero or more live subscribers (spec.md §4.3). The cast writer is
// authoritative and is never dropped: if it cannot keep up, Publish
// blocks, exerting backpressure on the PTY reader. Live subscribers
// never backpressure the producer — a subscriber that falls behind is
// marked lagging and loses bytes, not the other way around.
package fanout

import "sync"

// CastSink is the mandatory, never-dropped consumer of published
// bytes: the session's cast writer.
type CastSink interface {
	WriteOutput([]byte) error
}

// Fanout is the per-session producer/subscriber hub. Subscriber
// membership is an arena keyed by stable IDs (spec.md §9) accessed
// under read-copy-update semantics: Publish takes a read lock over a
// snapshot of subscriber pointers, Subscribe/Unsubscribe take a write
// lock to mutate the map.
type Fanout struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscriber
	nextID     uint64
	castWriter CastSink
}

// New constructs a Fanout backed by the given cast writer.
func New(castWriter CastSink) *Fanout {
	return &Fanout{
		subs:       make(map[uint64]*Subscriber),
		castWriter: castWriter,
	}
}

// Subscribe creates a new live subscriber and returns it. The caller
// owns the returned Subscriber's ID for the lifetime of the
// connection and must call Unsubscribe on disconnect.
func (f *Fanout) Subscribe(ringSize int) *Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	sub := newSubscriber(f.nextID, ringSize)
	f.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscriber from the arena. Safe to call more
// than once.
func (f *Fanout) Unsubscribe(id uint64) {
	f.mu.Lock()
	sub, ok := f.subs[id]
	delete(f.subs, id)
	f.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// Publish delivers data to the cast writer (blocking until accepted —
// the cast writer must never be dropped) and then to every live
// subscriber (non-blocking; slow subscribers are marked lagging).
func (f *Fanout) Publish(data []byte) error {
	if err := f.castWriter.WriteOutput(data); err != nil {
		return err
	}

	f.mu.RLock()
	subs := make([]*Subscriber, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.RUnlock()

	for _, s := range subs {
		s.deliver(data)
	}
	return nil
}

// SubscriberCount reports the number of live subscribers, for status
// reporting.
func (f *Fanout) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
