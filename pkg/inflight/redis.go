package inflight

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned by a Guard when another process holds the key.
var ErrHeld = errors.New("inflight: key held elsewhere")

// Guard extends the in-process marker across processes.
type Guard interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// RedisGuard is a Guard backed by redislock.
type RedisGuard struct {
	locker *redislock.Client
	prefix string
}

// NewRedisGuard returns a guard storing locks under prefix+key.
func NewRedisGuard(rdb redis.UniversalClient, prefix string) *RedisGuard {
	if prefix == "" {
		prefix = "linkwatch:inflight:"
	}
	return &RedisGuard{locker: redislock.New(rdb), prefix: prefix}
}

func (g *RedisGuard) Obtain(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lock, err := g.locker.Obtain(ctx, g.prefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrHeld
	}
	if err != nil {
		return nil, err
	}
	return func() {
		// Release uses its own context: the caller's may already be done.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(ctx)
	}, nil
}
