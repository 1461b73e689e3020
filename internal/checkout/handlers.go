// Package checkout exposes the payment flow over HTTP: initiation, the
// provider return page, status lookups and the wallet button callbacks.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-payflow/internal/backend"
	"github.com/noah-isme/toko-payflow/internal/common"
	"github.com/noah-isme/toko-payflow/internal/payment"
	"github.com/noah-isme/toko-payflow/internal/verify"
)

const defaultMaxWait = 10 * time.Second

type Handler struct {
	Payments         *payment.Service
	Registry         *verify.Registry
	CheckoutEntryURL string
	// MaxWait caps the ?wait= parameter on the return route.
	MaxWait time.Duration
	Logger  zerolog.Logger
}

// Guards are middleware stacks applied per route group.
type Guards struct {
	Initiate []func(http.Handler) http.Handler
	Read     []func(http.Handler) http.Handler
}

// Routes builds the payment router, meant to be mounted at /payments.
func (h *Handler) Routes(g Guards) chi.Router {
	r := chi.NewRouter()
	r.With(g.Read...).Get("/return", h.Return)
	r.Route("/{orderId}", func(r chi.Router) {
		r.With(g.Initiate...).Post("/initiate", h.Initiate)
		r.With(g.Read...).Get("/status", h.Status)
		r.Delete("/session", h.EndSession)
		r.Route("/wallet", func(r chi.Router) {
			r.With(g.Initiate...).Post("/orders", h.WalletCreateOrder)
			r.Post("/approve", h.WalletApprove)
			r.Post("/error", h.WalletError)
		})
	})
	return r
}

type initiatePayload struct {
	Method   string `json:"method"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
}

func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	if h.Payments == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "payment service not configured", nil)
		return
	}
	var payload initiatePayload
	if !decode(w, r, &payload) {
		return
	}
	session, err := h.Payments.Initiate(r.Context(), payment.InitiateRequest{
		OrderID:  chi.URLParam(r, "orderId"),
		Method:   payment.Method(payload.Method),
		Amount:   payload.Amount,
		Currency: payload.Currency,
		Contact:  backend.Contact{Email: payload.Email, Name: payload.Name, Phone: payload.Phone},
	})
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": session})
}

// Return handles the browser landing back from a provider. Invalid navigation
// is sent to the checkout entry page.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	if h.Registry == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "verification not configured", nil)
		return
	}
	nav := verify.ParseNavigation(r.URL.Query())
	orch, snap := h.Registry.Mount(r.Context(), nav)
	if snap.State == verify.StateRedirected {
		http.Redirect(w, r, h.entryURL(), http.StatusSeeOther)
		return
	}
	if wait := h.waitFor(r); wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		snap, _ = orch.Wait(ctx)
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": snap})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.Registry.Get(chi.URLParam(r, "orderId"))
	if !ok {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "no verification for this order", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": snap})
}

// EndSession tears the order's orchestrator down, for example when the shopper
// leaves the return page.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	h.Registry.Teardown(chi.URLParam(r, "orderId"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) WalletCreateOrder(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.wallet(w)
	if !ok {
		return
	}
	var payload struct {
		Amount int64 `json:"amount"`
	}
	if !decode(w, r, &payload) {
		return
	}
	id, err := wallet.CreateOrder(r.Context(), chi.URLParam(r, "orderId"), payload.Amount)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": map[string]string{"providerOrderId": id}})
}

func (h *Handler) WalletApprove(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.wallet(w)
	if !ok {
		return
	}
	var payload struct {
		ProviderOrderID string `json:"providerOrderId"`
	}
	if !decode(w, r, &payload) {
		return
	}
	paid, err := wallet.OnApprove(r.Context(), chi.URLParam(r, "orderId"), payload.ProviderOrderID)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]bool{"success": paid}})
}

func (h *Handler) WalletError(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.wallet(w)
	if !ok {
		return
	}
	var payload struct {
		Message string `json:"message"`
	}
	if !decode(w, r, &payload) {
		return
	}
	var providerErr error
	if msg := strings.TrimSpace(payload.Message); msg != "" {
		providerErr = errors.New(msg)
	}
	wallet.OnError(r.Context(), chi.URLParam(r, "orderId"), providerErr)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) wallet(w http.ResponseWriter) (payment.Wallet, bool) {
	if h.Payments == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "payment service not configured", nil)
		return payment.Wallet{}, false
	}
	wallet, ok := h.Payments.Wallet()
	if !ok {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "wallet payments are not enabled", nil)
	}
	return wallet, ok
}

func (h *Handler) entryURL() string {
	if h.CheckoutEntryURL == "" {
		return "/checkout"
	}
	return h.CheckoutEntryURL
}

func (h *Handler) waitFor(r *http.Request) time.Duration {
	raw := strings.TrimSpace(r.URL.Query().Get("wait"))
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0
	}
	limit := h.MaxWait
	if limit <= 0 {
		limit = defaultMaxWait
	}
	return min(d, limit)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return false
	}
	return true
}
