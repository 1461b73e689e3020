// Package txref persists the transaction reference handed out at payment
// initiation so verification can resume after the browser returns from the
// provider.
package txref

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when no reference is stored for an order.
var ErrNotFound = errors.New("txref: not found")

// Store is a key/value store of transaction references scoped by order id.
type Store interface {
	Put(ctx context.Context, orderID, ref string) error
	Get(ctx context.Context, orderID string) (string, error)
	Delete(ctx context.Context, orderID string) error
}

// Key returns the storage key for an order: "{prefix}_tx_{orderId}".
func Key(prefix, orderID string) string {
	return strings.TrimSpace(prefix) + "_tx_" + strings.TrimSpace(orderID)
}

// MemoryStore keeps references in process memory. Entries expire after TTL
// when TTL is positive.
type MemoryStore struct {
	Prefix string
	TTL    time.Duration

	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	ref       string
	expiresAt time.Time
}

// NewMemoryStore constructs an in-memory store.
func NewMemoryStore(prefix string, ttl time.Duration) *MemoryStore {
	return &MemoryStore{Prefix: prefix, TTL: ttl, entries: map[string]memoryEntry{}, now: time.Now}
}

// Put stores ref for orderID, replacing any previous value.
func (s *MemoryStore) Put(_ context.Context, orderID, ref string) error {
	if strings.TrimSpace(orderID) == "" || strings.TrimSpace(ref) == "" {
		return errors.New("txref: order id and ref are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	entry := memoryEntry{ref: ref}
	if s.TTL > 0 {
		entry.expiresAt = s.now().Add(s.TTL)
	}
	s.entries[Key(s.Prefix, orderID)] = entry
	return nil
}

// Get returns the stored reference or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, orderID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	key := Key(s.Prefix, orderID)
	entry, ok := s.entries[key]
	if !ok {
		return "", ErrNotFound
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return "", ErrNotFound
	}
	return entry.ref, nil
}

// Delete removes the reference. Deleting a missing key is not an error.
func (s *MemoryStore) Delete(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	delete(s.entries, Key(s.Prefix, orderID))
	return nil
}

func (s *MemoryStore) init() {
	if s.entries == nil {
		s.entries = map[string]memoryEntry{}
	}
	if s.now == nil {
		s.now = time.Now
	}
}
