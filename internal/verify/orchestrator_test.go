package verify_test

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-payflow/internal/backend"
	"github.com/noah-isme/toko-payflow/internal/cart"
	"github.com/noah-isme/toko-payflow/internal/common"
	"github.com/noah-isme/toko-payflow/internal/events"
	"github.com/noah-isme/toko-payflow/internal/events/eventstest"
	"github.com/noah-isme/toko-payflow/internal/payment"
	"github.com/noah-isme/toko-payflow/internal/txref"
	"github.com/noah-isme/toko-payflow/internal/verify"
)

type manualTicker struct {
	c       chan time.Time
	stopped atomic.Bool
}

func (t *manualTicker) C() <-chan time.Time { return t.c }
func (t *manualTicker) Stop()               { t.stopped.Store(true) }

type manualClock struct {
	mu      sync.Mutex
	tickers []*manualTicker
}

func (c *manualClock) NewTicker(time.Duration) verify.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTicker{c: make(chan time.Time)}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *manualClock) live() []*manualTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*manualTicker
	for _, t := range c.tickers {
		if !t.stopped.Load() {
			out = append(out, t)
		}
	}
	return out
}

func (c *manualClock) Live() int { return len(c.live()) }

// Tick delivers one tick to every live ticker and waits until the poll loop
// has taken it.
func (c *manualClock) Tick(t *testing.T) {
	t.Helper()
	for _, tk := range c.live() {
		select {
		case tk.c <- time.Now():
		case <-time.After(time.Second):
			t.Fatal("poll loop did not receive tick")
		}
	}
}

type fakeBackend struct {
	mu       sync.Mutex
	results  []verifyOutcome
	fallback verifyOutcome
	gate     chan struct{}
	calls    []backend.VerifyRequest
	orders   int
	orderErr error
}

type verifyOutcome struct {
	ok  bool
	err error
}

func (b *fakeBackend) GetOrder(context.Context, string) (backend.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders++
	if b.orderErr != nil {
		return backend.Order{}, b.orderErr
	}
	return backend.Order{ID: "123", TotalAmount: 5000, Currency: "KES"}, nil
}

func (b *fakeBackend) VerifyPayment(ctx context.Context, _ string, req backend.VerifyRequest) (bool, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req)
	n := len(b.calls)
	gate := b.gate
	out := b.fallback
	if n <= len(b.results) {
		out = b.results[n-1]
	}
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return out.ok, out.err
}

func (b *fakeBackend) verifyCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *fakeBackend) orderCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.orders
}

type countingClearer struct{ calls atomic.Int32 }

func (c *countingClearer) ClearCart(context.Context, string) error {
	c.calls.Add(1)
	return nil
}

type harness struct {
	backend  *fakeBackend
	store    *txref.MemoryStore
	clearer  *countingClearer
	recorder *eventstest.Recorder
	clock    *manualClock
	cfg      verify.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend:  &fakeBackend{},
		store:    txref.NewMemoryStore("mobilemoney", time.Hour),
		clearer:  &countingClearer{},
		recorder: &eventstest.Recorder{},
		clock:    &manualClock{},
	}
	h.cfg = verify.Config{
		Gateway:          h.backend,
		Verifier:         h.backend,
		Store:            h.store,
		Cart:             &cart.Coordinator{Marker: &cart.MemoryMarker{}, Clearer: h.clearer},
		Reporter:         verify.EventReporter{Events: &events.Bus{Notifiers: []events.Notifier{h.recorder}}},
		Clock:            h.clock,
		Interval:         5 * time.Second,
		MaxAttempts:      36,
		CheckoutEntryURL: "/checkout",
	}
	return h
}

func (h *harness) successReports(orderID string) int {
	return h.recorder.Count(events.TopicPaymentSucceeded, orderID)
}

// settle ticks once and waits for the resulting verification to complete.
func (h *harness) settle(t *testing.T, o *verify.Orchestrator, wantCalls int) {
	t.Helper()
	h.clock.Tick(t)
	require.Eventually(t, func() bool {
		s := o.Snapshot()
		return h.backend.verifyCalls() == wantCalls && !s.InFlight
	}, time.Second, time.Millisecond)
}

func nav(raw string) verify.Navigation {
	q, _ := url.ParseQuery(raw)
	return verify.ParseNavigation(q)
}

func TestCashOnDeliveryClearsAndReportsWithoutBackend(t *testing.T) {
	h := newHarness(t)
	o := verify.New(h.cfg)

	snap := o.Mount(context.Background(), nav("order_id=123&method=cashOnDelivery"))

	require.Equal(t, verify.StateSucceeded, snap.State)
	require.EqualValues(t, 1, h.clearer.calls.Load())
	require.Equal(t, 1, h.successReports("123"))
	require.Zero(t, h.backend.verifyCalls())
	require.Zero(t, h.backend.orderCalls())
	require.Zero(t, h.clock.Live())
}

func TestCallbackTokenVerifiesOnce(t *testing.T) {
	h := newHarness(t)
	h.backend.fallback = verifyOutcome{ok: true}
	o := verify.New(h.cfg)

	snap := o.Mount(context.Background(), nav("order_id=123&method=mobileMoneyA&OrderTrackingId=abc"))

	require.Equal(t, verify.StateSucceeded, snap.State)
	require.Equal(t, 1, h.backend.verifyCalls())
	require.Equal(t, "abc", h.backend.calls[0].TransactionID)
	require.Equal(t, "mobileMoneyA", h.backend.calls[0].PaymentMethod)
	require.EqualValues(t, 1, h.clearer.calls.Load())
	require.Equal(t, 1, h.successReports("123"))
	require.NotNil(t, snap.Order)
	require.Zero(t, h.clock.Live())
}

func TestCallbackDeclinedFailsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.backend.fallback = verifyOutcome{ok: false}
	o := verify.New(h.cfg)

	snap := o.Mount(context.Background(), nav("order_id=123&method=card&session_id=cs_1"))

	require.Equal(t, verify.StateFailed, snap.State)
	require.NotEmpty(t, snap.Error)
	require.Equal(t, 1, h.backend.verifyCalls())
	require.Zero(t, h.clearer.calls.Load())
	require.Equal(t, 1, h.recorder.Count(events.TopicPaymentFailed, "123"))
	require.Zero(t, h.successReports("123"))
}

func TestCallbackMalformedIsHardError(t *testing.T) {
	h := newHarness(t)
	h.backend.fallback = verifyOutcome{err: common.ErrMalformed}
	o := verify.New(h.cfg)

	snap := o.Mount(context.Background(), nav("order_id=123&method=card&session_id=cs_1"))

	require.Equal(t, verify.StateFailed, snap.State)
	require.Equal(t, 1, h.backend.verifyCalls())
	require.Zero(t, h.clock.Live())
}

func TestPollingSucceedsOnFourthTick(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Put(context.Background(), "123", "T-1"))
	h.backend.results = []verifyOutcome{{ok: false}, {err: common.ErrUnavailable}, {err: common.ErrMalformed}, {ok: true}}
	o := verify.New(h.cfg)

	snap := o.Mount(context.Background(), nav("order_id=123&method=mobileMoneyB"))
	require.Equal(t, verify.StatePolling, snap.State)
	require.Equal(t, 1, h.clock.Live())
	require.Zero(t, h.backend.verifyCalls())

	for i := 1; i <= 3; i++ {
		h.settle(t, o, i)
		require.Equal(t, verify.StatePolling, o.Snapshot().State)
	}
	h.clock.Tick(t)

	final, err := o.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, verify.StateSucceeded, final.State)
	require.Equal(t, 4, h.backend.verifyCalls())
	require.Equal(t, 4, final.Attempts)
	require.Equal(t, "T-1", h.backend.calls[3].TransactionID)
	require.EqualValues(t, 1, h.clearer.calls.Load())
	require.Equal(t, 1, h.successReports("123"))
	require.Zero(t, h.clock.Live())

	_, err = h.store.Get(context.Background(), "123")
	require.ErrorIs(t, err, txref.ErrNotFound)
}

func TestPollingGivesUpSilentlyAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Put(context.Background(), "123", "T-1"))
	h.backend.fallback = verifyOutcome{ok: false}
	o := verify.New(h.cfg)

	o.Mount(context.Background(), nav("order_id=123&method=mobileMoneyA"))
	for i := 1; i < 36; i++ {
		h.settle(t, o, i)
	}
	h.clock.Tick(t)

	final, err := o.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, verify.StateGaveUp, final.State)
	require.Equal(t, 36, h.backend.verifyCalls())
	require.Equal(t, 36, final.Attempts)
	require.Zero(t, h.clock.Live())
	require.Zero(t, h.clearer.calls.Load())
	require.Empty(t, h.recorder.ForOrder("123"))

	ref, err := h.store.Get(context.Background(), "123")
	require.NoError(t, err)
	require.Equal(t, "T-1", ref)
}

func TestInvalidNavigationRedirectsWithoutCalls(t *testing.T) {
	h := newHarness(t)
	o := verify.New(h.cfg)

	snap := o.Mount(context.Background(), nav("method=mobileMoneyA&OrderTrackingId=abc"))

	require.Equal(t, verify.StateRedirected, snap.State)
	require.Equal(t, "/checkout", snap.Redirect)
	require.Zero(t, h.backend.verifyCalls())
	require.Zero(t, h.backend.orderCalls())
	require.Zero(t, h.clearer.calls.Load())

	evs := h.recorder.Events()
	require.Len(t, evs, 1)
	require.Equal(t, events.TopicCheckoutFallback, evs[0].Topic)
	require.Equal(t, "/checkout", evs[0].Redirect)

	snap = verify.New(h.cfg).Mount(context.Background(), nav("order_id=123&method=bitcoin"))
	require.Equal(t, verify.StateRedirected, snap.State)
}

func TestMountIsIdempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Put(context.Background(), "123", "T-1"))
	o := verify.New(h.cfg)
	n := nav("order_id=123&method=mobileMoneyA")

	first := o.Mount(context.Background(), n)
	second := o.Mount(context.Background(), n)

	require.Equal(t, verify.StatePolling, first.State)
	require.Equal(t, verify.StatePolling, second.State)
	require.Equal(t, 1, h.clock.Live())
	require.Len(t, h.clock.tickers, 1)
	require.Equal(t, 1, h.backend.orderCalls())
	o.Teardown()
}

func TestTickSkippedWhileVerificationInFlight(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Put(context.Background(), "123", "T-1"))
	h.backend.gate = make(chan struct{})
	h.backend.fallback = verifyOutcome{ok: false}
	o := verify.New(h.cfg)
	o.Mount(context.Background(), nav("order_id=123&method=aggregatedRedirect"))

	h.clock.Tick(t)
	require.Eventually(t, func() bool { return h.backend.verifyCalls() == 1 }, time.Second, time.Millisecond)
	h.clock.Tick(t)
	h.clock.Tick(t)
	require.Equal(t, 1, h.backend.verifyCalls())
	require.Equal(t, 1, o.Snapshot().Attempts)
	require.True(t, o.Snapshot().InFlight)

	close(h.backend.gate)
	require.Eventually(t, func() bool { return !o.Snapshot().InFlight }, time.Second, time.Millisecond)
	h.settle(t, o, 2)
	require.Equal(t, 2, o.Snapshot().Attempts)
	o.Teardown()
}

func TestTeardownStopsPolling(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Put(context.Background(), "123", "T-1"))
	h.backend.gate = make(chan struct{})
	o := verify.New(h.cfg)
	o.Mount(context.Background(), nav("order_id=123&method=mobileMoneyA"))
	h.clock.Tick(t)
	require.Eventually(t, func() bool { return h.backend.verifyCalls() == 1 }, time.Second, time.Millisecond)

	o.Teardown()
	o.Teardown()

	require.Equal(t, verify.StateCancelled, o.Snapshot().State)
	require.Zero(t, h.clock.Live())
	require.Zero(t, h.clearer.calls.Load())
	require.Empty(t, h.recorder.ForOrder("123"))
}

func TestNoReferenceStaysIdle(t *testing.T) {
	h := newHarness(t)
	o := verify.New(h.cfg)

	snap := o.Mount(context.Background(), nav("order_id=123&method=mobileMoneyA"))

	require.Equal(t, verify.StateIdle, snap.State)
	require.Zero(t, h.clock.Live())
	require.Zero(t, h.backend.verifyCalls())
	_, err := o.Wait(waitCtx(t))
	require.NoError(t, err)
}

func TestOrderFetchFailureDoesNotBlockVerification(t *testing.T) {
	h := newHarness(t)
	h.backend.orderErr = common.ErrUnavailable
	h.backend.fallback = verifyOutcome{ok: true}
	o := verify.New(h.cfg)

	snap := o.Mount(context.Background(), nav("invoice_id=123&method=card&session_id=cs_1"))

	require.Equal(t, verify.StateSucceeded, snap.State)
	require.Nil(t, snap.Order)
}

func TestCallbackAndPollSuccessRaceReportsOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Put(context.Background(), "123", "T-1"))
	h.backend.fallback = verifyOutcome{ok: true}
	h.backend.gate = make(chan struct{})

	poller := verify.New(h.cfg)
	require.Equal(t, verify.StatePolling, poller.Mount(context.Background(), nav("order_id=123&method=mobileMoneyA")).State)
	h.clock.Tick(t)
	require.Eventually(t, func() bool { return h.backend.verifyCalls() == 1 }, time.Second, time.Millisecond)

	callback := verify.New(h.cfg)
	snaps := make(chan verify.Snapshot, 1)
	go func() {
		snaps <- callback.Mount(context.Background(), nav("order_id=123&method=mobileMoneyA&OrderTrackingId=abc"))
	}()
	require.Eventually(t, func() bool { return h.backend.verifyCalls() == 2 }, time.Second, time.Millisecond)
	close(h.backend.gate)

	require.Equal(t, verify.StateSucceeded, (<-snaps).State)
	final, err := poller.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, verify.StateSucceeded, final.State)

	require.EqualValues(t, 1, h.clearer.calls.Load())
	require.Equal(t, 1, h.successReports("123"))
	require.Zero(t, h.clock.Live())
}

func TestConcurrentMountStartsOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Put(context.Background(), "123", "T-1"))
	o := verify.New(h.cfg)
	n := nav("order_id=123&method=mobileMoneyA")

	var wg sync.WaitGroup
	start := make(chan struct{})
	states := make(chan verify.State, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			states <- o.Mount(context.Background(), n).State
		}()
	}
	close(start)
	wg.Wait()
	close(states)

	for state := range states {
		require.NotEqual(t, verify.StateCancelled, state)
	}
	require.Equal(t, verify.StatePolling, o.Snapshot().State)
	require.Len(t, h.clock.tickers, 1)
	require.Equal(t, 1, h.backend.orderCalls())
	o.Teardown()
	require.Zero(t, h.clock.Live())
}

type failingMarker struct{}

func (failingMarker) Claim(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestCallbackSuccessReportedWhenCartClaimFails(t *testing.T) {
	h := newHarness(t)
	h.backend.fallback = verifyOutcome{ok: true}
	h.cfg.Cart = &cart.Coordinator{Marker: failingMarker{}, Clearer: h.clearer}
	o := verify.New(h.cfg)

	snap := o.Mount(context.Background(), nav("order_id=123&method=mobileMoneyA&OrderTrackingId=abc"))

	require.Equal(t, verify.StateSucceeded, snap.State)
	require.Equal(t, 1, h.successReports("123"))
	require.Zero(t, h.recorder.Count(events.TopicPaymentFailed, "123"))
	require.Zero(t, h.clearer.calls.Load())
}

type denyClaimer struct{ err error }

func (d denyClaimer) TryClaim(context.Context, string) (func(), bool, error) {
	return nil, false, d.err
}

func TestClaimHeldElsewhereStaysIdle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Put(context.Background(), "123", "T-1"))
	h.cfg.Claimer = denyClaimer{}
	o := verify.New(h.cfg)

	snap := o.Mount(context.Background(), nav("order_id=123&method=mobileMoneyA"))

	require.Equal(t, verify.StateIdle, snap.State)
	require.Equal(t, "polling owned elsewhere", snap.Note)
	require.Zero(t, h.clock.Live())
}

func TestClaimErrorStillPolls(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Put(context.Background(), "123", "T-1"))
	h.cfg.Claimer = denyClaimer{err: errors.New("redis down")}
	o := verify.New(h.cfg)

	snap := o.Mount(context.Background(), nav("order_id=123&method=mobileMoneyA"))
	require.Equal(t, verify.StatePolling, snap.State)
	o.Teardown()
}

func TestParseNavigation(t *testing.T) {
	n := nav("invoice_id=77&method=COD&token=t1&session_id=s1")
	require.Equal(t, "77", n.OrderID)
	require.Equal(t, payment.MethodCashOnDelivery, n.Method)
	require.Equal(t, "s1", n.CallbackToken)
	require.True(t, n.Valid())

	n = nav("order_id=5&invoice_id=77&method=nope")
	require.Equal(t, "5", n.OrderID)
	require.False(t, n.Valid())
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}
