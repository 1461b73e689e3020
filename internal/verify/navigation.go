package verify

import (
	"net/url"
	"strings"

	"github.com/noah-isme/toko-payflow/internal/payment"
)

// callbackTokenParams are the query parameters providers use to hand back a
// transaction identifier, in lookup order.
var callbackTokenParams = []string{"OrderTrackingId", "session_id", "token"}

// Navigation is what the browser carries when it lands on the return page.
type Navigation struct {
	OrderID       string
	Method        payment.Method
	CallbackToken string
}

// ParseNavigation extracts the order, method and optional callback token from
// return-page query parameters. An unknown method leaves Method empty.
func ParseNavigation(q url.Values) Navigation {
	nav := Navigation{OrderID: strings.TrimSpace(q.Get("order_id"))}
	if nav.OrderID == "" {
		nav.OrderID = strings.TrimSpace(q.Get("invoice_id"))
	}
	if m, err := payment.ParseMethod(q.Get("method")); err == nil {
		nav.Method = m
	}
	for _, name := range callbackTokenParams {
		if v := strings.TrimSpace(q.Get(name)); v != "" {
			nav.CallbackToken = v
			break
		}
	}
	return nav
}

// Valid reports whether the navigation names both an order and a method.
func (n Navigation) Valid() bool {
	return n.OrderID != "" && n.Method != ""
}

func (n Navigation) fingerprint() string {
	return string(n.Method) + "|" + n.CallbackToken
}
