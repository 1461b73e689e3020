// Package events fans payment outcomes out to whoever needs to react to them:
// logs, the UI session, or downstream integrations.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is a single payment outcome notification.
type Event struct {
	ID         string    `json:"id"`
	Topic      string    `json:"topic"`
	OrderID    string    `json:"orderId,omitempty"`
	Method     string    `json:"method,omitempty"`
	Message    string    `json:"message,omitempty"`
	Redirect   string    `json:"redirect,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Notifier reacts to emitted events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event Event) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, event Event) error { return f(ctx, event) }

// Bus dispatches events to all configured notifiers.
type Bus struct {
	Notifiers []Notifier
	now       func() time.Time
}

// Emit stamps the event and dispatches it to every notifier. Notifier errors
// are joined; a failing notifier does not stop the others.
func (b *Bus) Emit(ctx context.Context, event Event) (Event, error) {
	if b == nil {
		return Event{}, errors.New("events: bus not configured")
	}
	event.Topic = strings.TrimSpace(event.Topic)
	if event.Topic == "" {
		return Event{}, errors.New("events: topic is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		now := time.Now
		if b.now != nil {
			now = b.now
		}
		event.OccurredAt = now().UTC()
	}
	var joined error
	for _, notifier := range b.Notifiers {
		if notifier == nil {
			continue
		}
		if notifyErr := notifier.Notify(ctx, event); notifyErr != nil {
			joined = errors.Join(joined, fmt.Errorf("events: notifier: %w", notifyErr))
		}
	}
	return event, joined
}
