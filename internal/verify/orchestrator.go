// Package verify confirms payments after the shopper returns from a
// provider, either from the callback token on the return URL or by polling
// the backend with the stored transaction reference.
package verify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/toko-payflow/internal/backend"
	"github.com/noah-isme/toko-payflow/internal/cart"
	"github.com/noah-isme/toko-payflow/internal/common"
	"github.com/noah-isme/toko-payflow/internal/obs"
	"github.com/noah-isme/toko-payflow/internal/payment"
	"github.com/noah-isme/toko-payflow/internal/txref"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxAttempts = 36

	msgCallbackDeclined = "Your payment was not completed. Please try again or choose another method."
	msgCallbackError    = "We could not confirm your payment. If you were charged, please contact support."
	noteNoReference     = "no pending payment for this order"
	noteOwnedElsewhere  = "polling owned elsewhere"
)

// Gateway loads orders for display.
type Gateway interface {
	GetOrder(ctx context.Context, orderID string) (backend.Order, error)
}

// Verifier asks the backend whether a transaction settled.
type Verifier interface {
	VerifyPayment(ctx context.Context, orderID string, req backend.VerifyRequest) (bool, error)
}

// Claimer grants one replica the right to poll an order.
type Claimer interface {
	TryClaim(ctx context.Context, orderID string) (release func(), ok bool, err error)
}

// Config holds the collaborators shared by every orchestrator.
type Config struct {
	Gateway          Gateway
	Verifier         Verifier
	Store            txref.Store
	Cart             payment.CartClearer
	Reporter         Reporter
	Claimer          Claimer
	Clock            Clock
	Interval         time.Duration
	MaxAttempts      int
	CheckoutEntryURL string
	Logger           zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.CheckoutEntryURL == "" {
		c.CheckoutEntryURL = "/checkout"
	}
	return c
}

// Orchestrator verifies one order for one return-page mount.
type Orchestrator struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	snap    Snapshot
	mounted bool
	cancel  context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
}

type verifyResult struct {
	ok  bool
	err error
}

// New builds an idle orchestrator.
func New(cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:  cfg,
		log:  cfg.Logger,
		snap: Snapshot{State: StateIdle, MaxAttempts: cfg.MaxAttempts, UpdatedAt: time.Now().UTC()},
		done: make(chan struct{}),
	}
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	s := o.snap
	if s.Order != nil {
		order := *s.Order
		s.Order = &order
	}
	return s
}

// reusable reports whether a repeat mount should share this instance. An
// instance registered but not yet mounted counts as working.
func (o *Orchestrator) reusable() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.mounted {
		return true
	}
	return o.snap.State.Active() || o.snap.State == StateSucceeded
}

// Mount runs the entry logic for nav. Only the first call does anything; later
// calls return the current snapshot. The callback path completes before Mount
// returns, while polling continues in the background until it finishes or
// Teardown is called. ctx bounds nothing past Mount itself.
func (o *Orchestrator) Mount(ctx context.Context, nav Navigation) Snapshot {
	o.mu.Lock()
	if o.mounted {
		defer o.mu.Unlock()
		return o.snapshotLocked()
	}
	o.mounted = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.snap.OrderID = nav.OrderID
	o.snap.Method = nav.Method
	o.setStateLocked(StateDetectingCallback)
	o.mu.Unlock()

	if polling := o.enter(runCtx, nav); !polling {
		o.finish()
	}
	return o.Snapshot()
}

// enter walks the entry decisions. It returns true when a poll loop took
// ownership of finishing the orchestrator.
func (o *Orchestrator) enter(ctx context.Context, nav Navigation) bool {
	log := o.log.With().Str("order_id", nav.OrderID).Str("method", string(nav.Method)).Logger()

	if !nav.Valid() {
		log.Info().Msg("verify_invalid_navigation")
		if o.cfg.Reporter != nil {
			o.cfg.Reporter.Fallback(ctx, o.cfg.CheckoutEntryURL)
		}
		o.mu.Lock()
		o.snap.Redirect = o.cfg.CheckoutEntryURL
		o.mu.Unlock()
		o.transition(StateRedirected, StateDetectingCallback)
		return false
	}

	if nav.Method == payment.MethodCashOnDelivery {
		o.succeed(ctx, nav, StateDetectingCallback)
		return false
	}

	if o.cfg.Gateway != nil {
		order, err := o.cfg.Gateway.GetOrder(ctx, nav.OrderID)
		if err != nil {
			log.Warn().Err(err).Msg("order_fetch_failed")
		} else {
			o.mu.Lock()
			o.snap.Order = &order
			o.mu.Unlock()
		}
	}

	if nav.CallbackToken != "" {
		o.verifyCallback(ctx, nav, log)
		return false
	}

	if !nav.Method.Deferred() || o.cfg.Store == nil {
		o.idle("")
		return false
	}
	ref, err := o.cfg.Store.Get(ctx, nav.OrderID)
	if err != nil {
		if !errors.Is(err, txref.ErrNotFound) {
			log.Warn().Err(err).Msg("txref_lookup_failed")
		}
		o.idle(noteNoReference)
		return false
	}

	var release func()
	if o.cfg.Claimer != nil {
		rel, ok, err := o.cfg.Claimer.TryClaim(ctx, nav.OrderID)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("poll_claim_failed")
		case !ok:
			log.Info().Msg("poll_claim_held_elsewhere")
			o.idle(noteOwnedElsewhere)
			return false
		default:
			release = rel
		}
	}

	if !o.transition(StatePolling, StateDetectingCallback) {
		if release != nil {
			release()
		}
		return false
	}
	ticker := o.cfg.Clock.NewTicker(o.cfg.Interval)
	obs.ObservePollingStarted()
	log.Info().Dur("interval", o.cfg.Interval).Int("max_attempts", o.cfg.MaxAttempts).Msg("polling_started")
	go o.poll(ctx, nav, ref, ticker, release, log)
	return true
}

func (o *Orchestrator) verifyCallback(ctx context.Context, nav Navigation, log zerolog.Logger) {
	if !o.transition(StateVerifying, StateDetectingCallback) {
		return
	}
	o.setInFlight(true, 1)
	ok, err := o.verify(ctx, nav, nav.CallbackToken, "callback", 1)
	o.setInFlight(false, 1)

	if err == nil && ok {
		o.succeed(ctx, nav, StateVerifying)
		return
	}
	msg := msgCallbackDeclined
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		msg = msgCallbackError
		log.Warn().Err(err).Msg("callback_verify_failed")
	} else {
		log.Info().Msg("callback_verify_declined")
	}
	o.mu.Lock()
	o.snap.Error = msg
	o.mu.Unlock()
	if o.transition(StateFailed, StateVerifying) && o.cfg.Reporter != nil {
		o.cfg.Reporter.Failure(ctx, nav.OrderID, nav.Method, msg)
	}
}

func (o *Orchestrator) poll(ctx context.Context, nav Navigation, ref string, ticker Ticker, release func(), log zerolog.Logger) {
	outcome := "cancelled"
	defer func() {
		ticker.Stop()
		if release != nil {
			release()
		}
		obs.ObservePollingStopped(outcome)
		o.finish()
	}()

	results := make(chan verifyResult, 1)
	inFlight := false
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if inFlight {
				obs.ObserveSkippedTick()
				log.Debug().Int("attempt", attempts).Msg("poll_tick_skipped")
				continue
			}
			attempts++
			inFlight = true
			o.setInFlight(true, attempts)
			go func(n int) {
				ok, err := o.verify(ctx, nav, ref, "poll", n)
				results <- verifyResult{ok: ok, err: err}
			}(attempts)
		case res := <-results:
			inFlight = false
			o.setInFlight(false, attempts)
			if ctx.Err() != nil {
				return
			}
			if res.err == nil && res.ok {
				ticker.Stop()
				o.succeed(ctx, nav, StatePolling)
				if err := o.cfg.Store.Delete(context.WithoutCancel(ctx), nav.OrderID); err != nil {
					log.Warn().Err(err).Msg("txref_delete_failed")
				}
				outcome = "succeeded"
				return
			}
			if res.err != nil {
				log.Warn().Err(res.err).Int("attempt", attempts).Msg("poll_verify_error")
			} else {
				log.Debug().Int("attempt", attempts).Msg("poll_verify_pending")
			}
			if attempts >= o.cfg.MaxAttempts {
				ticker.Stop()
				if o.transition(StateGaveUp, StatePolling) {
					outcome = "gave_up"
					log.Info().Int("attempts", attempts).Msg("polling_gave_up")
				}
				return
			}
		}
	}
}

func (o *Orchestrator) verify(ctx context.Context, nav Navigation, transactionID, path string, attempt int) (ok bool, err error) {
	ctx, span := otel.Tracer("verify.Orchestrator").Start(ctx, "VerificationOrchestrator.verify")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", nav.OrderID),
		attribute.String("payment.method", string(nav.Method)),
		attribute.String("verify.path", path),
		attribute.Int("verify.attempt", attempt),
	)

	start := time.Now()
	if o.cfg.Verifier == nil {
		err = errors.New("verify: verifier not configured")
	} else {
		ok, err = o.cfg.Verifier.VerifyPayment(ctx, nav.OrderID, backend.VerifyRequest{
			PaymentMethod: string(nav.Method),
			TransactionID: transactionID,
		})
	}
	result := "success"
	switch {
	case err != nil:
		result = common.Kind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	case !ok:
		result = "pending"
	}
	span.SetAttributes(attribute.String("verify.result", result))
	obs.ObserveVerify(string(nav.Method), path, result, obs.DurationMillis(time.Since(start)))
	return ok, err
}

// succeed clears the cart once and reports success unless another caller
// already won the clear. A confirmed payment is finished even if teardown races it.
func (o *Orchestrator) succeed(ctx context.Context, nav Navigation, from State) {
	ctx = context.WithoutCancel(ctx)
	report := true
	if o.cfg.Cart != nil {
		first, err := o.cfg.Cart.ClearOnce(ctx, nav.OrderID)
		if err != nil {
			o.log.Warn().Err(err).Str("order_id", nav.OrderID).Msg("cart_clear_failed")
		}
		report = cart.ShouldReport(first, err)
	}
	if !o.transition(StateSucceeded, from) {
		return
	}
	o.log.Info().Str("order_id", nav.OrderID).Str("method", string(nav.Method)).Bool("reported", report).Msg("payment_verified")
	if report && o.cfg.Reporter != nil {
		o.cfg.Reporter.Success(ctx, nav.OrderID, nav.Method)
	}
}

func (o *Orchestrator) idle(note string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.snap.State != StateDetectingCallback {
		return
	}
	o.snap.Note = note
	o.setStateLocked(StateIdle)
}

// Teardown cancels polling and any in-flight request and waits for the poll
// loop to exit. Safe to call more than once.
func (o *Orchestrator) Teardown() {
	o.mu.Lock()
	if !o.mounted {
		o.mounted = true
		o.setStateLocked(StateCancelled)
		o.mu.Unlock()
		o.finish()
		return
	}
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	<-o.done

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.snap.State.Terminal() {
		o.setStateLocked(StateCancelled)
	}
}

// Wait blocks until the orchestrator has nothing left to do or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-o.done:
		return o.Snapshot(), nil
	case <-ctx.Done():
		return o.Snapshot(), ctx.Err()
	}
}

// Done is closed once the orchestrator has settled.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

func (o *Orchestrator) finish() {
	o.doneOnce.Do(func() { close(o.done) })
}

// transition moves to the target state only from one of the listed states.
func (o *Orchestrator) transition(to State, from ...State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, f := range from {
		if o.snap.State == f {
			o.setStateLocked(to)
			return true
		}
	}
	return false
}

func (o *Orchestrator) setInFlight(inFlight bool, attempts int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snap.InFlight = inFlight
	o.snap.Attempts = attempts
	o.snap.UpdatedAt = time.Now().UTC()
}

func (o *Orchestrator) setStateLocked(s State) {
	o.snap.State = s
	o.snap.UpdatedAt = time.Now().UTC()
}
