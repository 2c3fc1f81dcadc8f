package emit

// NullObserver implements Observer by discarding all events.
//
// Note that attaching a NullObserver is not free: the bus counts it as
// active, so producers still construct event values. To get the
// zero-cost path, attach no observer at all.
type NullObserver struct{}

// NewNullObserver creates a NullObserver.
func NewNullObserver() *NullObserver {
	return &NullObserver{}
}

// OnEvent discards the event.
func (n *NullObserver) OnEvent(event Event) {}
