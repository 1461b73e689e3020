package cart

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultClaimTTL is how long a claim is remembered when no TTL is set.
const DefaultClaimTTL = 24 * time.Hour

// MemoryMarker claims orders within this process. Claims expire after TTL and
// expired claims are swept while new ones arrive.
type MemoryMarker struct {
	TTL time.Duration

	mu        sync.Mutex
	claims    map[string]time.Time
	nextSweep time.Time
	now       func() time.Time
}

// Claim implements Marker.
func (m *MemoryMarker) Claim(_ context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claims == nil {
		m.claims = map[string]time.Time{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	ttl := m.TTL
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	now := m.now()
	if !now.Before(m.nextSweep) {
		for id, expiresAt := range m.claims {
			if !now.Before(expiresAt) {
				delete(m.claims, id)
			}
		}
		m.nextSweep = now.Add(ttl)
	}
	if expiresAt, ok := m.claims[orderID]; ok && now.Before(expiresAt) {
		return false, nil
	}
	m.claims[orderID] = now.Add(ttl)
	return true, nil
}

// RedisMarker claims orders across replicas with SETNX. Claims expire after TTL.
type RedisMarker struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

// Claim implements Marker.
func (m RedisMarker) Claim(ctx context.Context, orderID string) (bool, error) {
	ttl := m.TTL
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	prefix := m.Prefix
	if prefix == "" {
		prefix = "cart:cleared:"
	}
	return m.Client.SetNX(ctx, prefix+orderID, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}
