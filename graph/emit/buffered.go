package emit

import "sync"

// BufferedObserver implements Observer by storing events in memory.
//
// It captures the full event sequence of a run for later inspection,
// which makes it the workhorse of the test suite and useful for
// debugging and post-run analysis. All events are held in memory, so
// long-running production workloads should prefer LogObserver or an
// exporter-backed observer.
type BufferedObserver struct {
	mu     sync.RWMutex
	events []Event
}

// NewBufferedObserver creates an empty BufferedObserver.
func NewBufferedObserver() *BufferedObserver {
	return &BufferedObserver{}
}

// OnEvent appends the event to the buffer.
func (b *BufferedObserver) OnEvent(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

// Events returns a copy of the captured sequence in arrival order.
func (b *BufferedObserver) Events() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// Kinds returns the captured sequence as kinds only, in arrival order.
func (b *BufferedObserver) Kinds() []Kind {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Kind, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Kind()
	}
	return out
}

// CountKind returns how many captured events have the given kind.
func (b *BufferedObserver) CountKind(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, ev := range b.events {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

// FilterKind returns the captured events of one kind, in arrival order.
func (b *BufferedObserver) FilterKind(kind Kind) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, ev := range b.events {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Clear discards all captured events.
func (b *BufferedObserver) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}
