package backend

import "strings"

// Contact is the buyer contact attached to an order.
type Contact struct {
	Email string `json:"email,omitempty" validate:"omitempty,email"`
	Name  string `json:"name,omitempty" validate:"omitempty,max=128"`
	Phone string `json:"phone,omitempty" validate:"omitempty,max=32"`
}

// OrderItem is a single order line.
type OrderItem struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

// Order is the backend order record. Amounts are in minor currency units.
type Order struct {
	ID          string      `json:"id"`
	TotalAmount int64       `json:"totalAmount"`
	Currency    string      `json:"currency"`
	Items       []OrderItem `json:"items"`
	Buyer       Contact     `json:"buyerContact"`
	Status      string      `json:"status"`
}

// Paid reports whether the backend already considers the order settled.
func (o Order) Paid() bool {
	return strings.EqualFold(strings.TrimSpace(o.Status), "PAID")
}

// InitiateRequest is the body of POST /orders/{id}/initiate-payment.
type InitiateRequest struct {
	PaymentMethod string `json:"paymentMethod"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency,omitempty"`
	Email         string `json:"email,omitempty"`
	Name          string `json:"name,omitempty"`
	Phone         string `json:"phone,omitempty"`
}

// InitiateResponse carries the provider continuation data. Which fields are
// set depends on the payment method.
type InitiateResponse struct {
	SessionID      string `json:"sessionId,omitempty"`
	PaymentLink    string `json:"paymentLink,omitempty"`
	TransactionRef string `json:"transactionRef,omitempty"`
}

// VerifyRequest is the body of POST /orders/{id}/verify-payment.
type VerifyRequest struct {
	PaymentMethod string `json:"paymentMethod"`
	TransactionID string `json:"transactionId"`
}

type verifyResponse struct {
	Success *bool `json:"success"`
}

type errorEnvelope struct {
	Message string `json:"message"`
	Error   any    `json:"error"`
}

func (e errorEnvelope) text() string {
	if strings.TrimSpace(e.Message) != "" {
		return e.Message
	}
	switch v := e.Error.(type) {
	case string:
		return v
	case map[string]any:
		if msg, ok := v["message"].(string); ok {
			return msg
		}
	}
	return ""
}
