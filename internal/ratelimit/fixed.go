package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Fixed is a fixed-window limiter for the read-mostly status endpoints.
type Fixed struct {
	Limiter *limiter.Limiter
}

// NewFixed parses a rate such as "120-M". With a nil client counters stay in
// process memory.
func NewFixed(rate string, client *redis.Client, prefix string) (Fixed, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return Fixed{}, fmt.Errorf("ratelimit: parse rate %q: %w", rate, err)
	}
	return newFixed(parsed, client, prefix)
}

// NewFixedWindow allows limit events per window.
func NewFixedWindow(window time.Duration, limit int, client *redis.Client, prefix string) (Fixed, error) {
	if window <= 0 || limit <= 0 {
		return Fixed{}, fmt.Errorf("ratelimit: invalid window %s/%d", window, limit)
	}
	return newFixed(limiter.Rate{Period: window, Limit: int64(limit)}, client, prefix)
}

func newFixed(rate limiter.Rate, client *redis.Client, prefix string) (Fixed, error) {
	var err error
	opts := limiter.StoreOptions{Prefix: prefix, CleanUpInterval: time.Minute}
	var store limiter.Store
	if client != nil {
		store, err = limiterredis.NewStoreWithOptions(client, opts)
		if err != nil {
			return Fixed{}, fmt.Errorf("ratelimit: redis store: %w", err)
		}
	} else {
		store = memory.NewStoreWithOptions(opts)
	}
	return Fixed{Limiter: limiter.New(store, rate)}, nil
}

// Allow implements Allower.
func (f Fixed) Allow(ctx context.Context, key string) (Decision, error) {
	lctx, err := f.Limiter.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:   !lctx.Reached,
		Limit:     int(lctx.Limit),
		Remaining: int(lctx.Remaining),
		ResetAt:   time.Unix(lctx.Reset, 0),
	}, nil
}
