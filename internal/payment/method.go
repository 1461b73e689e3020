package payment

import (
	"fmt"
	"strings"

	"github.com/noah-isme/toko-payflow/internal/common"
)

// Method identifies how the shopper pays.
type Method string

const (
	MethodCard               Method = "card"
	MethodWallet             Method = "wallet"
	MethodMobileMoneyA       Method = "mobileMoneyA"
	MethodMobileMoneyB       Method = "mobileMoneyB"
	MethodAggregatedRedirect Method = "aggregatedRedirect"
	MethodCashOnDelivery     Method = "cashOnDelivery"
)

// Methods lists every supported method.
func Methods() []Method {
	return []Method{
		MethodCard,
		MethodWallet,
		MethodMobileMoneyA,
		MethodMobileMoneyB,
		MethodAggregatedRedirect,
		MethodCashOnDelivery,
	}
}

// ParseMethod resolves a method name case-insensitively. "cod" is accepted as
// an alias for cash on delivery.
func ParseMethod(raw string) (Method, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.EqualFold(trimmed, "cod") {
		return MethodCashOnDelivery, nil
	}
	for _, m := range Methods() {
		if strings.EqualFold(trimmed, string(m)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown payment method %q: %w", raw, common.ErrValidation)
}

// Deferred reports whether confirmation can arrive after a redirect, which
// means the transaction reference must be stored and polled.
func (m Method) Deferred() bool {
	switch m {
	case MethodMobileMoneyA, MethodMobileMoneyB, MethodAggregatedRedirect:
		return true
	default:
		return false
	}
}

// Labels holds display labels for the methods that share one adapter.
type Labels map[Method]string

// DefaultLabels returns the built-in display labels.
func DefaultLabels() Labels {
	return Labels{
		MethodCard:               "Card",
		MethodWallet:             "Wallet",
		MethodMobileMoneyA:       "Mobile Money A",
		MethodMobileMoneyB:       "Mobile Money B",
		MethodAggregatedRedirect: "Other payment options",
		MethodCashOnDelivery:     "Cash on delivery",
	}
}

// Label returns the display label for m, falling back to the method name.
func (l Labels) Label(m Method) string {
	if v := strings.TrimSpace(l[m]); v != "" {
		return v
	}
	return string(m)
}
