package usage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/backlinkoo/linkwatch/pkg/storage"
)

// RedisCounters keeps the day's counters in one hash per user and day. It
// suits deployments where several processes meter the same users.
type RedisCounters struct {
	Client redis.UniversalClient
	Prefix string        // key prefix; "linkwatch:usage:"
	TTL    time.Duration // hash lifetime; 48h
}

// NewRedisCounters builds a RedisCounters with default prefix and TTL.
func NewRedisCounters(rdb redis.UniversalClient) *RedisCounters {
	return &RedisCounters{Client: rdb, Prefix: "linkwatch:usage:", TTL: 48 * time.Hour}
}

func (r *RedisCounters) key(userID, dayKey string) string {
	return r.Prefix + userID + ":" + dayKey
}

func (r *RedisCounters) IncrementUsage(ctx context.Context, userID, dayKey string, kind storage.UsageKind, amount float64) (float64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("unknown usage kind %q", kind)
	}
	k := r.key(userID, dayKey)
	var incr *redis.FloatCmd
	_, err := r.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.HIncrByFloat(ctx, k, string(kind), amount)
		p.Expire(ctx, k, r.TTL)
		return nil
	})
	if err != nil {
		return 0, redisErr("increment", err)
	}
	return incr.Val(), nil
}

var boundedIncr = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local limit = tonumber(ARGV[3])
if limit >= 0 and cur >= limit then
  return {0, tostring(cur)}
end
local total = redis.call('HINCRBYFLOAT', KEYS[1], ARGV[1], ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[4])
return {1, total}
`)

func (r *RedisCounters) IncrementUsageBounded(ctx context.Context, userID, dayKey string, kind storage.UsageKind, amount, limit float64) (float64, bool, error) {
	if !kind.Valid() {
		return 0, false, fmt.Errorf("unknown usage kind %q", kind)
	}
	res, err := boundedIncr.Run(ctx, r.Client, []string{r.key(userID, dayKey)},
		string(kind), amount, limit, int64(r.TTL/time.Second)).Slice()
	if err != nil {
		return 0, false, redisErr("increment", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("bounded increment: unexpected reply %v", res)
	}
	applied, _ := res[0].(int64)
	var total float64
	if s, ok := res[1].(string); ok {
		fmt.Sscan(s, &total)
	}
	return total, applied == 1, nil
}

func (r *RedisCounters) GetUsage(ctx context.Context, userID, dayKey string) (storage.Usage, error) {
	u := storage.Usage{UserID: userID, DayKey: dayKey, Counters: make(map[storage.UsageKind]float64, len(storage.UsageKinds))}
	vals, err := r.Client.HGetAll(ctx, r.key(userID, dayKey)).Result()
	if err != nil {
		return u, redisErr("get", err)
	}
	for _, k := range storage.UsageKinds {
		var f float64
		if s, ok := vals[string(k)]; ok {
			fmt.Sscan(s, &f)
		}
		u.Counters[k] = f
	}
	return u, nil
}

// redisErr classifies a go-redis failure the way the SQLite accessor does:
// transport trouble and transient server states are retryable network
// errors, ACL rejections are permission errors.
func redisErr(op string, err error) error {
	if err == nil {
		return nil
	}
	se := &storage.StoreError{Op: op, Table: "usage_counters", Kind: storage.KindSchema, Err: err}
	var nerr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		se.Kind = storage.KindNetwork
	case errors.As(err, &nerr), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, redis.ErrClosed), strings.Contains(err.Error(), "connection pool timeout"):
		se.Kind, se.Retryable = storage.KindNetwork, true
	case hasErrorPrefix(err, "NOPERM", "NOAUTH", "WRONGPASS"):
		se.Kind = storage.KindPermission
	case hasErrorPrefix(err, "LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN", "READONLY"):
		se.Kind, se.Retryable = storage.KindNetwork, true
	}
	return se
}

func hasErrorPrefix(err error, prefixes ...string) bool {
	for _, p := range prefixes {
		if redis.HasErrorPrefix(err, p) {
			return true
		}
	}
	return false
}
