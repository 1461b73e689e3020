package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-payflow/internal/backend"
	"github.com/noah-isme/toko-payflow/internal/cart"
	"github.com/noah-isme/toko-payflow/internal/common"
	"github.com/noah-isme/toko-payflow/internal/events"
	"github.com/noah-isme/toko-payflow/internal/obs"
)

// Wallet drives the button-based wallet flow: the page asks for a provider
// order, the shopper approves in the provider popup, then the capture is
// confirmed through the verify endpoint.
type Wallet struct {
	Backend Backend
	Cart    CartClearer
	Events  Emitter
	Logger  zerolog.Logger
}

// Initiate implements Adapter. Wallet payments carry nothing up front; the
// page calls CreateOrder when the button is pressed.
func (w Wallet) Initiate(_ context.Context, req InitiateRequest) (Session, error) {
	return newSession(req, ""), nil
}

// CreateOrder registers the payment intent with the backend and returns the
// provider order id the button needs. Failures are returned as is.
func (w Wallet) CreateOrder(ctx context.Context, orderID string, amount int64) (string, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return "", fmt.Errorf("order id is required: %w", common.ErrValidation)
	}
	if amount <= 0 {
		return "", fmt.Errorf("amount must be positive: %w", common.ErrValidation)
	}
	resp, err := w.Backend.InitiatePayment(ctx, orderID, backend.InitiateRequest{
		PaymentMethod: string(MethodWallet),
		Amount:        amount,
	})
	if err != nil {
		return "", err
	}
	providerOrderID := strings.TrimSpace(resp.SessionID)
	if providerOrderID == "" {
		providerOrderID = strings.TrimSpace(resp.TransactionRef)
	}
	if providerOrderID == "" {
		return "", fmt.Errorf("wallet order response missing provider order id: %w", common.ErrMalformed)
	}
	return providerOrderID, nil
}

// OnApprove captures the approved provider order. On success the cart is
// cleared once and success is reported; on failure the shopper may press the
// button again.
func (w Wallet) OnApprove(ctx context.Context, orderID, providerOrderID string) (bool, error) {
	orderID = strings.TrimSpace(orderID)
	providerOrderID = strings.TrimSpace(providerOrderID)
	if orderID == "" || providerOrderID == "" {
		return false, fmt.Errorf("order id and provider order id are required: %w", common.ErrValidation)
	}
	start := time.Now()
	ok, err := w.Backend.VerifyPayment(ctx, orderID, backend.VerifyRequest{
		PaymentMethod: string(MethodWallet),
		TransactionID: providerOrderID,
	})
	result := "success"
	switch {
	case err != nil:
		result = common.Kind(err)
	case !ok:
		result = "declined"
	}
	obs.ObserveVerify(string(MethodWallet), "wallet", result, obs.DurationMillis(time.Since(start)))

	if err != nil {
		w.emit(ctx, events.TopicPaymentFailed, orderID, "We could not confirm your wallet payment. Please try again.")
		return false, err
	}
	if !ok {
		w.emit(ctx, events.TopicPaymentFailed, orderID, "Your wallet payment was not approved.")
		return false, fmt.Errorf("wallet capture not approved: %w", common.ErrDeclined)
	}
	report := true
	if w.Cart != nil {
		first, clearErr := w.Cart.ClearOnce(ctx, orderID)
		if clearErr != nil {
			w.Logger.Warn().Err(clearErr).Str("order_id", orderID).Msg("wallet_cart_clear_failed")
		}
		report = cart.ShouldReport(first, clearErr)
	}
	if report {
		w.emit(ctx, events.TopicPaymentSucceeded, orderID, "")
	}
	return true, nil
}

// OnError reports a provider-side error raised by the wallet button. Nothing
// else changes.
func (w Wallet) OnError(ctx context.Context, orderID string, providerErr error) {
	msg := "The wallet provider reported an error."
	if providerErr != nil {
		w.Logger.Warn().Err(providerErr).Str("order_id", orderID).Msg("wallet_provider_error")
	}
	w.emit(ctx, events.TopicPaymentProviderError, orderID, msg)
}

func (w Wallet) emit(ctx context.Context, topic, orderID, message string) {
	if w.Events == nil {
		return
	}
	if _, err := w.Events.Emit(ctx, events.Event{
		Topic:   topic,
		OrderID: orderID,
		Method:  string(MethodWallet),
		Message: message,
	}); err != nil {
		w.Logger.Warn().Err(err).Str("topic", topic).Str("order_id", orderID).Msg("emit_event")
	}
}
