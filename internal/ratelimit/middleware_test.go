package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

func TestHandlerMiddlewareEnforcesLimit(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	handler := Handler{
		Limiter: SlidingWindow{Client: client, Prefix: "ratelimit:", Window: time.Second, Max: 1},
		Key:     func(*http.Request) string { return "static" },
	}

	counted := handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rr1 := httptest.NewRecorder()
	counted.ServeHTTP(rr1, req.Clone(req.Context()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	counted.ServeHTTP(rr2, req.Clone(req.Context()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on second request, got %d", rr2.Code)
	}
	if rr2.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("unexpected limit header: %q", rr2.Header().Get("X-RateLimit-Limit"))
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("store down")
}

func TestHandlerMiddlewareOnError(t *testing.T) {
	handler := Handler{
		Limiter: failingLimiter{},
		Key:     func(*http.Request) string { return "err" },
	}

	called := false
	handler.OnError = func(error) { called = true }

	counted := handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rr := httptest.NewRecorder()
	counted.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected handler to proceed on error, got %d", rr.Code)
	}
	if !called {
		t.Fatal("expected OnError callback to be invoked")
	}
}

func TestFixedMemoryLimiter(t *testing.T) {
	fixed, err := NewFixed("2-M", nil, "status")
	if err != nil {
		t.Fatalf("new fixed: %v", err)
	}
	handler := Handler{Limiter: fixed, Key: KeyByClient}
	h := handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes: %v", codes)
	}

	other := httptest.NewRequest(http.MethodGet, "/status", nil)
	other.RemoteAddr = "10.0.0.2:1234"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, other)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected other client allowed, got %d", rr.Code)
	}
}

func TestFixedRejectsBadRate(t *testing.T) {
	if _, err := NewFixed("lots", nil, ""); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestKeyByOrderAndClient(t *testing.T) {
	r := chi.NewRouter()
	var got string
	r.Post("/payments/{orderId}/initiate", func(w http.ResponseWriter, r *http.Request) {
		got = KeyByOrderAndClient(r)
	})
	req := httptest.NewRequest(http.MethodPost, "/payments/42/initiate", nil)
	req.RemoteAddr = "10.0.0.9:555"
	r.ServeHTTP(httptest.NewRecorder(), req)
	if got != "order:42:ip:10.0.0.9" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestFixedWindowLimiter(t *testing.T) {
	fixed, err := NewFixedWindow(time.Minute, 1, nil, "initiate")
	if err != nil {
		t.Fatalf("new fixed window: %v", err)
	}
	first, err := fixed.Allow(context.Background(), "k")
	if err != nil || !first.Allowed || first.Limit != 1 {
		t.Fatalf("unexpected first decision %+v %v", first, err)
	}
	second, err := fixed.Allow(context.Background(), "k")
	if err != nil || second.Allowed {
		t.Fatalf("expected second request rejected, got %+v %v", second, err)
	}
	if _, err := NewFixedWindow(0, 1, nil, ""); err == nil {
		t.Fatal("expected invalid window error")
	}
}
