// Package eventstest provides an in-memory notifier for asserting on emitted
// payment events in tests.
package eventstest

import (
	"context"
	"sync"

	"github.com/noah-isme/toko-payflow/internal/events"
)

// Recorder keeps emitted events in memory, newest last.
type Recorder struct {
	// Limit caps the number of retained events; zero keeps 256.
	Limit int

	mu       sync.Mutex
	recorded []events.Event
}

// Notify implements events.Notifier.
func (r *Recorder) Notify(_ context.Context, event events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	limit := r.Limit
	if limit <= 0 {
		limit = 256
	}
	r.recorded = append(r.recorded, event)
	if len(r.recorded) > limit {
		r.recorded = append([]events.Event(nil), r.recorded[len(r.recorded)-limit:]...)
	}
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.recorded...)
}

// ForOrder returns the recorded events for one order.
func (r *Recorder) ForOrder(orderID string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.recorded {
		if ev.OrderID == orderID {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns how many recorded events match topic and orderID.
func (r *Recorder) Count(topic, orderID string) int {
	n := 0
	for _, ev := range r.ForOrder(orderID) {
		if ev.Topic == topic {
			n++
		}
	}
	return n
}
