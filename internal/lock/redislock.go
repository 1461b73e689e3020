// Package lock hands out short-lived ownership claims in Redis. Claims keep a
// single replica polling a given order and stop a webhook event from being
// delivered twice.
package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker provides Redis-backed claims keyed by an id under Prefix.
type Locker struct {
	R      *redis.Client
	Prefix string
	TTL    time.Duration
}

// TryClaim attempts to take the claim for id without waiting. On success
// the returned release func gives the claim up; it is safe to call more than
// once and only deletes the key while this holder still owns it.
func (l Locker) TryClaim(ctx context.Context, id string) (release func(), ok bool, err error) {
	if l.R == nil {
		return nil, false, errors.New("lock: redis client not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, errors.New("lock: id is required")
	}
	ttl := l.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	key := l.key(id)
	token := uuid.NewString()
	ok, err = l.R.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		l.release(ctx, key, token)
	}, true, nil
}

func (l Locker) key(id string) string {
	prefix := l.Prefix
	if prefix == "" {
		prefix = "payflow:poll:"
	}
	return prefix + id
}

func (l Locker) release(ctx context.Context, key, token string) {
	const script = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`
	if err := l.R.Eval(ctx, script, []string{key}, token).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
			_ = l.R.Del(ctx, key).Err()
		}
	}
}
