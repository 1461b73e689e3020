package verify

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultRetain is how long finished orchestrators stay visible to Get.
const DefaultRetain = 10 * time.Minute

// Registry keeps one live orchestrator per order id.
type Registry struct {
	Config    Config
	RetainFor time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

type entry struct {
	orch        *Orchestrator
	fingerprint string
	mountedAt   time.Time
}

// NewRegistry constructs a registry that builds orchestrators from cfg.
func NewRegistry(cfg Config, retain time.Duration) *Registry {
	return &Registry{Config: cfg, RetainFor: retain}
}

// Mount returns the orchestrator for nav, mounting a new one when needed. A
// repeat mount with the same method and callback token while the existing
// orchestrator is not yet started, still working, or already succeeded returns
// that instance untouched. Any other remount tears the old instance down first. Invalid
// navigation is handled by a throwaway orchestrator that is not registered.
func (r *Registry) Mount(ctx context.Context, nav Navigation) (*Orchestrator, Snapshot) {
	if !nav.Valid() {
		o := New(r.Config)
		return o, o.Mount(ctx, nav)
	}

	r.mu.Lock()
	r.init()
	r.pruneLocked()
	fp := nav.fingerprint()
	var stale *Orchestrator
	if cur, ok := r.entries[nav.OrderID]; ok {
		if cur.fingerprint == fp && cur.orch.reusable() {
			r.mu.Unlock()
			return cur.orch, cur.orch.Mount(ctx, nav)
		}
		stale = cur.orch
	}
	o := New(r.Config)
	r.entries[nav.OrderID] = &entry{orch: o, fingerprint: fp, mountedAt: r.now()}
	r.mu.Unlock()

	if stale != nil {
		stale.Teardown()
	}
	return o, o.Mount(ctx, nav)
}

// Get returns the snapshot for orderID if an orchestrator is known.
func (r *Registry) Get(orderID string) (Snapshot, bool) {
	o, ok := r.Lookup(orderID)
	if !ok {
		return Snapshot{}, false
	}
	return o.Snapshot(), true
}

// Lookup returns the orchestrator for orderID.
func (r *Registry) Lookup(orderID string) (*Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	r.pruneLocked()
	e, ok := r.entries[orderID]
	if !ok {
		return nil, false
	}
	return e.orch, true
}

// Teardown stops the orchestrator for orderID. The snapshot stays available
// until it is pruned.
func (r *Registry) Teardown(orderID string) bool {
	o, ok := r.Lookup(orderID)
	if !ok {
		return false
	}
	o.Teardown()
	return true
}

// Len reports how many orchestrators are tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close tears down every orchestrator concurrently and waits for them, or for
// ctx to end.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	orchs := make([]*Orchestrator, 0, len(r.entries))
	for _, e := range r.entries {
		orchs = append(orchs, e.orch)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, o := range orchs {
		g.Go(func() error {
			o.Teardown()
			return nil
		})
	}
	waited := make(chan error, 1)
	go func() { waited <- g.Wait() }()
	select {
	case err := <-waited:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) init() {
	if r.entries == nil {
		r.entries = map[string]*entry{}
	}
	if r.now == nil {
		r.now = time.Now
	}
}

func (r *Registry) pruneLocked() {
	retain := r.RetainFor
	if retain <= 0 {
		retain = DefaultRetain
	}
	cutoff := r.now().Add(-retain)
	for id, e := range r.entries {
		select {
		case <-e.orch.Done():
		default:
			continue
		}
		if e.orch.Snapshot().UpdatedAt.Before(cutoff) {
			delete(r.entries, id)
		}
	}
}
