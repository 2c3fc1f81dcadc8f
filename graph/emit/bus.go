package emit

import (
	"sync"
	"time"
)

// Observer receives events from a run.
//
// Observers must register before the run starts and may be called from
// multiple goroutines during parallel steps; the bus serializes delivery,
// so OnEvent never runs concurrently with itself. Implementations should
// return quickly — delivery is synchronous with the producing step — and
// must not mutate engine state through retained references.
type Observer interface {
	OnEvent(event Event)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(Event)

// OnEvent implements Observer.
func (f ObserverFunc) OnEvent(event Event) { f(event) }

// Bus is the single-producer, many-observer event channel for one or
// more runs.
//
// Delivery is synchronous and in arrival order: an event published from
// a concurrent branch is fully delivered to every observer before the
// next publish proceeds. Timestamps are assigned at publish time and
// clamped so they never decrease within the bus's lifetime, even when
// the wall clock steps backwards.
//
// A nil *Bus is valid and permanently inactive, so callers can thread
// one pointer through without nil checks at every emission site.
type Bus struct {
	mu        sync.Mutex
	observers []Observer
	last      time.Time

	// now is swapped in tests to exercise clock regression clamping.
	now func() time.Time
}

// NewBus creates a Bus with the given initial observers.
func NewBus(observers ...Observer) *Bus {
	return &Bus{
		observers: observers,
		now:       time.Now,
	}
}

// Register attaches an observer. Register before starting a run;
// observers added mid-run only see events published after registration.
func (b *Bus) Register(o Observer) {
	if b == nil || o == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// Active reports whether any observer is attached. Producers use this
// guard to skip event construction entirely when nobody is listening:
//
//	if bus.Active() {
//	    bus.Publish(&NodeStart{Base: Base{Run: runID}, Node: name})
//	}
func (b *Bus) Active() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers) > 0
}

// Publish stamps the event with a monotonically non-decreasing timestamp
// and delivers it to every observer in registration order. Publishing on
// a nil or observer-less bus is a no-op.
func (b *Bus) Publish(event Event) {
	if b == nil || event == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.observers) == 0 {
		return
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	t := now()
	if t.Before(b.last) {
		t = b.last
	}
	b.last = t
	event.stamp(t)

	for _, o := range b.observers {
		o.OnEvent(event)
	}
}
