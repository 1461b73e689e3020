package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/toko-payflow/internal/common"
	"github.com/noah-isme/toko-payflow/internal/obs"
	"github.com/noah-isme/toko-payflow/internal/txref"
)

// Service coordinates payment initiation across the provider adapters.
type Service struct {
	Adapters map[Method]Adapter
	Store    txref.Store
	Validate *validator.Validate
	Logger   zerolog.Logger
}

// ServiceConfig wires the default adapter set.
type ServiceConfig struct {
	Backend             Backend
	Store               txref.Store
	Cart                CartClearer
	Events              Emitter
	Labels              Labels
	CardCheckoutBaseURL string
	Logger              zerolog.Logger
}

// NewService builds a Service with one adapter per method.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Backend == nil {
		return nil, errors.New("payment: backend is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("payment: transaction ref store is required")
	}
	labels := cfg.Labels
	if labels == nil {
		labels = DefaultLabels()
	}
	mobile := MobileMoney{Backend: cfg.Backend, Labels: labels}
	return &Service{
		Adapters: map[Method]Adapter{
			MethodCard:               Card{Backend: cfg.Backend, CheckoutBaseURL: cfg.CardCheckoutBaseURL},
			MethodWallet:             Wallet{Backend: cfg.Backend, Cart: cfg.Cart, Events: cfg.Events, Logger: cfg.Logger},
			MethodMobileMoneyA:       mobile,
			MethodMobileMoneyB:       mobile,
			MethodAggregatedRedirect: mobile,
			MethodCashOnDelivery:     CashOnDelivery{},
		},
		Store:    cfg.Store,
		Validate: validator.New(validator.WithRequiredStructEnabled()),
		Logger:   cfg.Logger,
	}, nil
}

// Wallet returns the wallet adapter for the button endpoints.
func (s *Service) Wallet() (Wallet, bool) {
	w, ok := s.Adapters[MethodWallet].(Wallet)
	return w, ok
}

// Initiate validates the request, starts the payment with the method's
// adapter and, for redirect methods, stores the transaction reference before
// returning so verification can resume after the provider redirect.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (session Session, err error) {
	if s == nil || len(s.Adapters) == 0 {
		return Session{}, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Initiate")
	defer span.End()

	start := time.Now()
	req.OrderID = strings.TrimSpace(req.OrderID)
	method, methodErr := ParseMethod(string(req.Method))
	methodLabel := string(method)
	if methodErr != nil {
		methodLabel = "unknown"
	}
	result := "error"
	defer func() {
		if err != nil {
			result = common.Kind(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
		}
		span.SetAttributes(
			attribute.String("order.id", req.OrderID),
			attribute.String("payment.method", methodLabel),
			attribute.Float64("payment.initiate.duration_ms", obs.DurationMillis(time.Since(start))),
			attribute.String("payment.initiate.result", result),
		)
		if obs.PaymentInitiateTotal != nil {
			obs.PaymentInitiateTotal.WithLabelValues(methodLabel, result).Inc()
		}
	}()

	if methodErr != nil {
		return Session{}, common.NewAppError("INVALID_METHOD", "unsupported payment method", http.StatusBadRequest, methodErr)
	}
	req.Method = method
	if err := s.validate(req); err != nil {
		return Session{}, err
	}
	adapter, ok := s.Adapters[req.Method]
	if !ok {
		return Session{}, fmt.Errorf("no adapter for method %s: %w", req.Method, common.ErrValidation)
	}

	session, err = adapter.Initiate(ctx, req)
	if err != nil {
		s.Logger.Warn().Err(err).Str("order_id", req.OrderID).Str("method", methodLabel).Msg("payment_initiate_failed")
		return Session{}, err
	}
	if req.Method.Deferred() {
		if err := s.Store.Put(ctx, req.OrderID, session.TransactionRef); err != nil {
			return Session{}, fmt.Errorf("store transaction ref: %w", err)
		}
	}
	result = "success"
	s.Logger.Info().Str("order_id", req.OrderID).Str("method", methodLabel).Bool("has_link", session.PaymentLink != "").Msg("payment_initiated")
	return session, nil
}

func (s *Service) validate(req InitiateRequest) error {
	v := s.Validate
	if v == nil {
		v = validator.New(validator.WithRequiredStructEnabled())
	}
	if err := v.Struct(req); err != nil {
		appErr := common.NewAppError("BAD_REQUEST", "invalid payment request", http.StatusBadRequest, fmt.Errorf("%w: %v", common.ErrValidation, err))
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			details := make(map[string]string, len(fieldErrs))
			for _, fe := range fieldErrs {
				details[fe.Field()] = fe.Tag()
			}
			appErr.Details = details
		}
		return appErr
	}
	if req.Method != MethodCashOnDelivery && req.Amount <= 0 {
		return common.NewAppError("INVALID_AMOUNT", "amount must be greater than zero", http.StatusBadRequest,
			fmt.Errorf("amount %d: %w", req.Amount, common.ErrValidation))
	}
	return nil
}
