package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/noah-isme/toko-payflow/internal/backend"
	"github.com/noah-isme/toko-payflow/internal/common"
	"github.com/noah-isme/toko-payflow/internal/events"
)

// InitiateRequest captures what is needed to open a payment attempt.
type InitiateRequest struct {
	OrderID  string          `validate:"required,max=128"`
	Method   Method          `validate:"required"`
	Amount   int64           `validate:"gte=0"`
	Currency string          `validate:"omitempty,len=3,alpha"`
	Contact  backend.Contact
}

// Session is the continuation data for one initiation attempt. It is not
// mutated after creation.
type Session struct {
	OrderID        string    `json:"orderId"`
	Method         Method    `json:"method"`
	Label          string    `json:"label,omitempty"`
	TransactionRef string    `json:"transactionRef,omitempty"`
	PaymentLink    string    `json:"paymentLink,omitempty"`
	SDKSessionID   string    `json:"sdkSessionId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Adapter starts a payment with one provider family.
type Adapter interface {
	Initiate(ctx context.Context, req InitiateRequest) (Session, error)
}

// Backend is the subset of the order backend the adapters call.
type Backend interface {
	InitiatePayment(ctx context.Context, orderID string, req backend.InitiateRequest) (backend.InitiateResponse, error)
	VerifyPayment(ctx context.Context, orderID string, req backend.VerifyRequest) (bool, error)
}

// CartClearer clears a cart once per order; first is true only for the caller
// that won the claim. Pair the result with cart.ShouldReport.
type CartClearer interface {
	ClearOnce(ctx context.Context, orderID string) (first bool, err error)
}

// Emitter publishes payment outcome events.
type Emitter interface {
	Emit(ctx context.Context, event events.Event) (events.Event, error)
}

func newSession(req InitiateRequest, label string) Session {
	return Session{OrderID: req.OrderID, Method: req.Method, Label: label, CreatedAt: time.Now().UTC()}
}

func backendRequest(req InitiateRequest) backend.InitiateRequest {
	return backend.InitiateRequest{
		PaymentMethod: string(req.Method),
		Amount:        req.Amount,
		Currency:      strings.ToUpper(strings.TrimSpace(req.Currency)),
		Email:         strings.TrimSpace(req.Contact.Email),
		Name:          strings.TrimSpace(req.Contact.Name),
		Phone:         strings.TrimSpace(req.Contact.Phone),
	}
}

// Card opens a hosted card checkout session.
type Card struct {
	Backend Backend
	// CheckoutBaseURL builds the hosted checkout link when the backend only
	// returns a session id.
	CheckoutBaseURL string
}

// Initiate implements Adapter.
func (c Card) Initiate(ctx context.Context, req InitiateRequest) (Session, error) {
	resp, err := c.Backend.InitiatePayment(ctx, req.OrderID, backendRequest(req))
	if err != nil {
		return Session{}, err
	}
	if strings.TrimSpace(resp.SessionID) == "" {
		return Session{}, fmt.Errorf("card initiation returned no session id: %w", common.ErrMalformed)
	}
	session := newSession(req, "")
	session.SDKSessionID = resp.SessionID
	session.PaymentLink = resp.PaymentLink
	if session.PaymentLink == "" && strings.TrimSpace(c.CheckoutBaseURL) != "" {
		session.PaymentLink = strings.TrimRight(c.CheckoutBaseURL, "/") + "/" + url.PathEscape(resp.SessionID)
	}
	return session, nil
}

// MobileMoney serves the mobile-money methods and the aggregated redirect.
// They share one provider and differ only in display label.
type MobileMoney struct {
	Backend Backend
	Labels  Labels
}

// Initiate implements Adapter.
func (m MobileMoney) Initiate(ctx context.Context, req InitiateRequest) (Session, error) {
	if strings.TrimSpace(req.Contact.Phone) == "" {
		return Session{}, common.NewAppError("PHONE_REQUIRED", "phone number is required for "+m.Labels.Label(req.Method), http.StatusBadRequest,
			fmt.Errorf("phone is required: %w", common.ErrValidation))
	}
	resp, err := m.Backend.InitiatePayment(ctx, req.OrderID, backendRequest(req))
	if err != nil {
		return Session{}, err
	}
	if strings.TrimSpace(resp.PaymentLink) == "" || strings.TrimSpace(resp.TransactionRef) == "" {
		return Session{}, fmt.Errorf("mobile money initiation missing link or reference: %w", common.ErrMalformed)
	}
	session := newSession(req, m.Labels.Label(req.Method))
	session.PaymentLink = resp.PaymentLink
	session.TransactionRef = resp.TransactionRef
	return session, nil
}

// CashOnDelivery needs no provider contact.
type CashOnDelivery struct{}

// Initiate implements Adapter.
func (CashOnDelivery) Initiate(_ context.Context, req InitiateRequest) (Session, error) {
	return newSession(req, ""), nil
}
