package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/toko-payflow/internal/common"
	"github.com/noah-isme/toko-payflow/internal/resilience"
)

const maxBodyBytes = 1 << 20

// Client talks to the order backend over HTTP/JSON.
type Client struct {
	BaseURL string
	HTTP    resilience.HTTPClient
	Logger  zerolog.Logger

	orders singleflight.Group
}

// New builds a client for baseURL. When httpClient carries no http.Client an
// otelhttp instrumented one is used.
func New(baseURL string, httpClient resilience.HTTPClient, logger zerolog.Logger) *Client {
	if httpClient.Client == nil {
		httpClient.Client = NewHTTPClient()
	}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    httpClient,
		Logger:  logger,
	}
}

// NewHTTPClient returns an http.Client whose outbound calls are traced.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// GetOrder fetches an order. Concurrent fetches of the same id share one call.
func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("order id is required: %w", common.ErrValidation)
	}
	ch := c.orders.DoChan(orderID, func() (any, error) {
		// detached so one caller cancelling does not fail the others
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.callTimeout())
		defer cancel()
		var order Order
		err := c.do(callCtx, "BackendClient.GetOrder", http.MethodGet, c.orderPath(orderID, ""), nil, &order)
		return order, err
	})
	select {
	case <-ctx.Done():
		return Order{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Order{}, res.Err
		}
		return res.Val.(Order), nil
	}
}

// InitiatePayment creates a payment attempt for the order.
func (c *Client) InitiatePayment(ctx context.Context, orderID string, req InitiateRequest) (InitiateResponse, error) {
	var resp InitiateResponse
	err := c.do(ctx, "BackendClient.InitiatePayment", http.MethodPost, c.orderPath(orderID, "initiate-payment"), req, &resp)
	return resp, err
}

// VerifyPayment asks the backend whether the transaction settled. The same
// endpoint captures wallet payments. A response without a success field is
// reported as ErrMalformed.
func (c *Client) VerifyPayment(ctx context.Context, orderID string, req VerifyRequest) (bool, error) {
	var resp verifyResponse
	if err := c.do(ctx, "BackendClient.VerifyPayment", http.MethodPost, c.orderPath(orderID, "verify-payment"), req, &resp); err != nil {
		return false, err
	}
	if resp.Success == nil {
		return false, fmt.Errorf("verify response missing success: %w", common.ErrMalformed)
	}
	return *resp.Success, nil
}

// ClearCart empties the cart the order was placed from.
func (c *Client) ClearCart(ctx context.Context, orderID string) error {
	return c.do(ctx, "BackendClient.ClearCart", http.MethodPost, c.orderPath(orderID, "clear-cart"), nil, nil)
}

// Reachable reports an error while the backend circuit breaker is open.
func (c *Client) Reachable() error {
	if c.HTTP.Breaker != nil && c.HTTP.Breaker.State() == resilience.Open {
		return resilience.ErrOpenCircuit
	}
	return nil
}

func (c *Client) orderPath(orderID, action string) string {
	path := c.BaseURL + "/orders/" + url.PathEscape(strings.TrimSpace(orderID))
	if action != "" {
		path += "/" + action
	}
	return path
}

func (c *Client) callTimeout() time.Duration {
	if c.HTTP.Timeout > 0 {
		return c.HTTP.Timeout * time.Duration(max(c.HTTP.MaxAttempts, 1)+1)
	}
	return 30 * time.Second
}

func (c *Client) do(ctx context.Context, spanName, method, target string, in, out any) (err error) {
	ctx, span := otel.Tracer("backend.Client").Start(ctx, spanName)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, common.Kind(err))
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.url", target))

	var body io.Reader
	if in != nil {
		payload, marshalErr := json.Marshal(in)
		if marshalErr != nil {
			return fmt.Errorf("encode request: %w", marshalErr)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	start := time.Now()
	resp, err := c.HTTP.Do(ctx, req)
	if err != nil {
		c.Logger.Warn().Err(err).Str("method", method).Str("url", target).Dur("elapsed", time.Since(start)).Msg("backend_call_failed")
		return fmt.Errorf("%s %s: %w: %w", method, target, common.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w: %w", common.ErrUnavailable, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("empty response body: %w", common.ErrMalformed)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w: %v", common.ErrMalformed, err)
	}
	return nil
}

func statusError(status int, raw []byte) error {
	var env errorEnvelope
	_ = json.Unmarshal(raw, &env)
	msg := strings.TrimSpace(env.text())
	if msg == "" {
		msg = http.StatusText(status)
	}
	var kind error
	switch {
	case status == http.StatusNotFound:
		kind = common.ErrNotFound
	case status == http.StatusConflict:
		kind = common.ErrConflict
	case status == http.StatusPaymentRequired:
		kind = common.ErrDeclined
	case status >= http.StatusInternalServerError:
		kind = common.ErrUnavailable
	default:
		kind = common.ErrValidation
	}
	return &common.AppError{
		Code:       common.Code(kind),
		Message:    msg,
		HTTPStatus: common.HTTPStatus(kind),
		Err:        fmt.Errorf("backend responded %d: %w", status, kind),
	}
}

// IsTransient reports whether err may succeed when retried later.
func IsTransient(err error) bool {
	return errors.Is(err, common.ErrUnavailable) ||
		errors.Is(err, common.ErrMalformed) ||
		errors.Is(err, context.DeadlineExceeded)
}
