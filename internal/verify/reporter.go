package verify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-payflow/internal/events"
	"github.com/noah-isme/toko-payflow/internal/payment"
)

// Reporter tells the shopper how verification ended.
type Reporter interface {
	Success(ctx context.Context, orderID string, method payment.Method)
	Failure(ctx context.Context, orderID string, method payment.Method, message string)
	Fallback(ctx context.Context, redirect string)
}

// EventReporter publishes outcomes on the event bus.
type EventReporter struct {
	Events payment.Emitter
	Logger zerolog.Logger
}

// Success implements Reporter.
func (r EventReporter) Success(ctx context.Context, orderID string, method payment.Method) {
	r.emit(ctx, events.Event{Topic: events.TopicPaymentSucceeded, OrderID: orderID, Method: string(method)})
}

// Failure implements Reporter.
func (r EventReporter) Failure(ctx context.Context, orderID string, method payment.Method, message string) {
	r.emit(ctx, events.Event{Topic: events.TopicPaymentFailed, OrderID: orderID, Method: string(method), Message: message})
}

// Fallback implements Reporter.
func (r EventReporter) Fallback(ctx context.Context, redirect string) {
	r.emit(ctx, events.Event{Topic: events.TopicCheckoutFallback, Redirect: redirect})
}

func (r EventReporter) emit(ctx context.Context, event events.Event) {
	if r.Events == nil {
		return
	}
	if _, err := r.Events.Emit(ctx, event); err != nil {
		r.Logger.Warn().Err(err).Str("topic", event.Topic).Str("order_id", event.OrderID).Msg("emit_event")
	}
}
