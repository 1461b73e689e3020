package backend_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-payflow/internal/backend"
	"github.com/noah-isme/toko-payflow/internal/common"
	"github.com/noah-isme/toko-payflow/internal/resilience"
)

func newClient(t *testing.T, r http.Handler) *backend.Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return backend.New(srv.URL, resilience.HTTPClient{Client: srv.Client(), Timeout: time.Second}, zerolog.Nop())
}

func TestInitiatePaymentSendsBody(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/orders/{orderId}/initiate-payment", func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "123", chi.URLParam(req, "orderId"))
		require.NotEmpty(t, req.Header.Get("Idempotency-Key"))
		var body backend.InitiateRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		require.Equal(t, "mobileMoneyA", body.PaymentMethod)
		require.EqualValues(t, 1500, body.Amount)
		require.Equal(t, "+256700000000", body.Phone)
		common.JSON(w, http.StatusOK, map[string]string{"paymentLink": "https://pay.example/x", "transactionRef": "ref-42"})
	})
	client := newClient(t, r)

	resp, err := client.InitiatePayment(context.Background(), "123", backend.InitiateRequest{
		PaymentMethod: "mobileMoneyA",
		Amount:        1500,
		Phone:         "+256700000000",
	})
	require.NoError(t, err)
	require.Equal(t, "ref-42", resp.TransactionRef)
	require.Equal(t, "https://pay.example/x", resp.PaymentLink)
}

func TestVerifyPaymentClassifiesResponses(t *testing.T) {
	var reply atomic.Value
	reply.Store(`{"success":true}`)
	r := chi.NewRouter()
	r.Post("/orders/{orderId}/verify-payment", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(reply.Load().(string)))
	})
	client := newClient(t, r)
	ctx := context.Background()
	req := backend.VerifyRequest{PaymentMethod: "mobileMoneyB", TransactionID: "ref-42"}

	ok, err := client.VerifyPayment(ctx, "123", req)
	require.NoError(t, err)
	require.True(t, ok)

	reply.Store(`{"success":false}`)
	ok, err = client.VerifyPayment(ctx, "123", req)
	require.NoError(t, err)
	require.False(t, ok)

	reply.Store(`{"status":"weird"}`)
	_, err = client.VerifyPayment(ctx, "123", req)
	require.ErrorIs(t, err, common.ErrMalformed)
	require.True(t, backend.IsTransient(err))

	reply.Store(`not json`)
	_, err = client.VerifyPayment(ctx, "123", req)
	require.ErrorIs(t, err, common.ErrMalformed)
}

func TestStatusErrorsAreTyped(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/orders/{orderId}", func(w http.ResponseWriter, req *http.Request) {
		common.JSONError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
	})
	r.Post("/orders/{orderId}/initiate-payment", func(w http.ResponseWriter, req *http.Request) {
		common.JSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "amount mismatch"})
	})
	r.Post("/orders/{orderId}/verify-payment", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	client := newClient(t, r)
	ctx := context.Background()

	_, err := client.GetOrder(ctx, "missing")
	require.ErrorIs(t, err, common.ErrNotFound)

	_, err = client.InitiatePayment(ctx, "123", backend.InitiateRequest{PaymentMethod: "card", Amount: 1})
	require.ErrorIs(t, err, common.ErrValidation)
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "amount mismatch", appErr.Message)

	_, err = client.VerifyPayment(ctx, "123", backend.VerifyRequest{PaymentMethod: "card", TransactionID: "t"})
	require.ErrorIs(t, err, common.ErrUnavailable)
	require.True(t, backend.IsTransient(err))
}

func TestGetOrderCollapsesConcurrentFetches(t *testing.T) {
	var hits int32
	release := make(chan struct{})
	r := chi.NewRouter()
	r.Get("/orders/{orderId}", func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		common.JSON(w, http.StatusOK, backend.Order{ID: chi.URLParam(req, "orderId"), TotalAmount: 1500, Currency: "UGX", Status: "PENDING_PAYMENT"})
	})
	client := newClient(t, r)

	var wg sync.WaitGroup
	results := make([]backend.Order, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order, err := client.GetOrder(context.Background(), "123")
			if err == nil {
				results[i] = order
			}
		}(i)
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&hits) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
	for _, order := range results {
		require.Equal(t, "123", order.ID)
		require.False(t, order.Paid())
	}
}

func TestClearCart(t *testing.T) {
	var cleared int32
	r := chi.NewRouter()
	r.Post("/orders/{orderId}/clear-cart", func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&cleared, 1)
		w.WriteHeader(http.StatusNoContent)
	})
	client := newClient(t, r)
	require.NoError(t, client.ClearCart(context.Background(), "123"))
	require.EqualValues(t, 1, atomic.LoadInt32(&cleared))
}
