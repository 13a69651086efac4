// Package ratelimit throttles agent API callers, either in process per key
// or across replicas through redis.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	rdb "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// idleTTL is how long a key's bucket survives without traffic.
const idleTTL = 10 * time.Minute

// KeyLimiter keeps one token bucket per key in process. Idle buckets are
// evicted so a scan of source addresses cannot grow memory without bound.
type KeyLimiter struct {
	mu      sync.Mutex
	buckets *cache.Cache
	r       rate.Limit
	b       int
}

// NewKeyLimiter allows perSecond requests per key with the given burst.
func NewKeyLimiter(perSecond float64, burst int) *KeyLimiter {
	if burst < 1 {
		burst = 1
	}
	return &KeyLimiter{
		buckets: cache.New(idleTTL, time.Minute),
		r:       rate.Limit(perSecond),
		b:       burst,
	}
}

func (l *KeyLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.buckets.Get(key); ok {
		lim := v.(*rate.Limiter)
		l.buckets.SetDefault(key, lim)
		return lim
	}
	lim := rate.NewLimiter(l.r, l.b)
	l.buckets.SetDefault(key, lim)
	return lim
}

func (l *KeyLimiter) Allow(_ context.Context, key string) (Result, error) {
	lim := l.bucket(key)
	if lim.Allow() {
		return Result{Allowed: true, Remaining: int64(lim.Tokens())}, nil
	}
	retry := time.Second
	if l.r > 0 {
		retry = time.Duration(math.Ceil(float64(time.Second) / float64(l.r)))
	}
	return Result{RetryAfter: retry}, nil
}

// RedisLimiter is a fixed window counter (INCR + EXPIRE) shared by every
// replica talking to the same redis.
type RedisLimiter struct {
	Client *rdb.Client
	Prefix string
	Max    int64
	Window time.Duration
	Now    func() time.Time
}

func NewRedisLimiter(client *rdb.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "accessd:rl:"
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client: client,
		Prefix: prefix,
		Max:    int64(limit),
		Window: window,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	winStart := l.Now().Truncate(l.Window)
	redisKey := fmt.Sprintf("%s%s:%d", l.Prefix, strings.ReplaceAll(key, " ", "_"), winStart.Unix())

	pipe := l.Client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, l.Window)
	ttl := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	hits := incr.Val()
	res := Result{Allowed: hits <= l.Max, Remaining: l.Max - hits}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.RetryAfter = ttl.Val()
		if res.RetryAfter <= 0 {
			res.RetryAfter = l.Window
		}
	}
	return res, nil
}

// Chain asks every limiter in order and denies on the first denial. A
// limiter that errors is skipped so a redis outage degrades to the
// in-process limit instead of blocking agents.
type Chain struct {
	Limiters []Limiter
	OnError  func(key string, err error)
}

func (c Chain) Allow(ctx context.Context, key string) (Result, error) {
	out := Result{Allowed: true, Remaining: math.MaxInt64}
	for _, l := range c.Limiters {
		res, err := l.Allow(ctx, key)
		if err != nil {
			if c.OnError != nil {
				c.OnError(key, err)
			}
			continue
		}
		if !res.Allowed {
			return res, nil
		}
		if res.Remaining < out.Remaining {
			out.Remaining = res.Remaining
		}
	}
	return out, nil
}
