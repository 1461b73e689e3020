package security

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func echoHandler(captured *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		*captured = string(data)
		w.WriteHeader(http.StatusOK)
	})
}

func post(body, contentType string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/1/initiate", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req
}

func TestBodyLimitAllowsWithinLimit(t *testing.T) {
	var captured string
	handler := BodyLimit{Max: 32, RequireJSON: true}.Middleware(echoHandler(&captured))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, post(`{"method":"cod"}`, "application/json; charset=utf-8"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if captured != `{"method":"cod"}` {
		t.Fatalf("expected body to pass through, got %q", captured)
	}
}

func TestBodyLimitRejectsOversized(t *testing.T) {
	var captured string
	handler := BodyLimit{Max: 5}.Middleware(echoHandler(&captured))

	req := post("excessive", "")
	req.ContentLength = -1
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "PAYLOAD_TOO_LARGE") {
		t.Fatalf("expected json error body, got %q", rr.Body.String())
	}
}

func TestBodyLimitRejectsDeclaredLength(t *testing.T) {
	var captured string
	handler := BodyLimit{Max: 5}.Middleware(echoHandler(&captured))

	req := post("content", "")
	req.ContentLength = 100
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for declared oversized body, got %d", rr.Code)
	}
}

func TestBodyLimitRequiresJSON(t *testing.T) {
	var captured string
	handler := BodyLimit{Max: 64, RequireJSON: true}.Middleware(echoHandler(&captured))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, post("method=cod", "application/x-www-form-urlencoded"))
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rr.Code)
	}

	empty := httptest.NewRequest(http.MethodPost, "/api/v1/payments/1/wallet/error", http.NoBody)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, empty)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected empty body to pass, got %d", rr.Code)
	}
}
