package verify

import (
	"time"

	"github.com/noah-isme/toko-payflow/internal/backend"
	"github.com/noah-isme/toko-payflow/internal/payment"
)

// State is the orchestrator lifecycle position.
type State string

const (
	StateIdle              State = "idle"
	StateDetectingCallback State = "detecting_callback"
	StateVerifying         State = "verifying"
	StatePolling           State = "polling"
	StateSucceeded         State = "succeeded"
	StateGaveUp            State = "gave_up"
	StateFailed            State = "failed"
	StateCancelled         State = "cancelled"
	StateRedirected        State = "redirected"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateGaveUp, StateFailed, StateCancelled, StateRedirected:
		return true
	default:
		return false
	}
}

// Active reports whether a verification is underway.
func (s State) Active() bool {
	return s == StateDetectingCallback || s == StateVerifying || s == StatePolling
}

// Snapshot is a point-in-time copy of an orchestrator.
type Snapshot struct {
	OrderID     string         `json:"orderId"`
	Method      payment.Method `json:"method,omitempty"`
	State       State          `json:"state"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"maxAttempts,omitempty"`
	InFlight    bool           `json:"inFlight"`
	Error       string         `json:"error,omitempty"`
	Note        string         `json:"note,omitempty"`
	Redirect    string         `json:"redirect,omitempty"`
	Order       *backend.Order `json:"order,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}
