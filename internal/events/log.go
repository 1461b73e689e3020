package events

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier writes every event as a structured log line.
type LogNotifier struct {
	Logger zerolog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, event Event) error {
	evt := n.Logger.Info()
	if event.Topic == TopicPaymentFailed || event.Topic == TopicPaymentProviderError {
		evt = n.Logger.Warn()
	}
	evt.Str("event_id", event.ID).
		Str("topic", event.Topic).
		Str("order_id", event.OrderID).
		Str("method", event.Method)
	if event.Message != "" {
		evt = evt.Str("message", event.Message)
	}
	if event.Redirect != "" {
		evt = evt.Str("redirect", event.Redirect)
	}
	evt.Msg("payment_event")
	return nil
}
