package txref

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore keeps references in Redis so any replica can resume polling.
// Keys expire with the checkout session.
type RedisStore struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

// Put stores ref for orderID with the session TTL.
func (s RedisStore) Put(ctx context.Context, orderID, ref string) error {
	if s.Client == nil {
		return errors.New("txref: redis client not configured")
	}
	if strings.TrimSpace(orderID) == "" || strings.TrimSpace(ref) == "" {
		return errors.New("txref: order id and ref are required")
	}
	if err := s.Client.Set(ctx, Key(s.Prefix, orderID), ref, s.TTL).Err(); err != nil {
		return fmt.Errorf("txref: put: %w", err)
	}
	return nil
}

// Get returns the stored reference or ErrNotFound.
func (s RedisStore) Get(ctx context.Context, orderID string) (string, error) {
	if s.Client == nil {
		return "", errors.New("txref: redis client not configured")
	}
	ref, err := s.Client.Get(ctx, Key(s.Prefix, orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("txref: get: %w", err)
	}
	return ref, nil
}

// Delete removes the reference.
func (s RedisStore) Delete(ctx context.Context, orderID string) error {
	if s.Client == nil {
		return errors.New("txref: redis client not configured")
	}
	if err := s.Client.Del(ctx, Key(s.Prefix, orderID)).Err(); err != nil {
		return fmt.Errorf("txref: delete: %w", err)
	}
	return nil
}
