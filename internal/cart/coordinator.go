// Package cart makes sure a shopper's cart is emptied at most once per paid
// order, no matter how many confirmation paths race to clear it.
package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-payflow/internal/obs"
)

// Clearer performs the actual cart clear. The backend client implements it.
type Clearer interface {
	ClearCart(ctx context.Context, orderID string) error
}

// Marker records that an order's cart has been claimed for clearing.
// Claim returns true only for the first caller per order.
type Marker interface {
	Claim(ctx context.Context, orderID string) (bool, error)
}

// ErrClaimUnavailable means the marker could not say whether another caller
// already claimed the order. The cart is left alone, but the payment is still
// confirmed and must be reported.
var ErrClaimUnavailable = errors.New("cart: claim unavailable")

// ShouldReport reports whether the caller of ClearOnce owns the success
// report: it won the claim, or the claim could not be decided at all.
func ShouldReport(first bool, err error) bool {
	return first || errors.Is(err, ErrClaimUnavailable)
}

// Coordinator clears the cart once per order.
type Coordinator struct {
	Marker  Marker
	Clearer Clearer
	Logger  zerolog.Logger
}

// ClearOnce clears the cart for orderID if no earlier caller did. first is true
// for the caller that won the claim; use ShouldReport to decide who reports
// success. The claim is kept when the clear fails so the side effect never runs twice.
func (c *Coordinator) ClearOnce(ctx context.Context, orderID string) (first bool, err error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return false, errors.New("cart: order id is required")
	}
	if c.Marker == nil {
		return false, errors.New("cart: marker not configured")
	}
	won, err := c.Marker.Claim(ctx, orderID)
	if err != nil {
		c.record("claim_error")
		return false, fmt.Errorf("%w: %s: %w", ErrClaimUnavailable, orderID, err)
	}
	if !won {
		c.record("duplicate")
		return false, nil
	}
	if c.Clearer == nil {
		c.record("skipped")
		return true, nil
	}
	if err := c.Clearer.ClearCart(ctx, orderID); err != nil {
		c.record("error")
		c.Logger.Warn().Err(err).Str("order_id", orderID).Msg("cart_clear_failed")
		return true, fmt.Errorf("cart: clear %s: %w", orderID, err)
	}
	c.record("cleared")
	c.Logger.Info().Str("order_id", orderID).Msg("cart_cleared")
	return true, nil
}

func (c *Coordinator) record(result string) {
	if obs.CartClearTotal != nil {
		obs.CartClearTotal.WithLabelValues(result).Inc()
	}
}
