package cooldown

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yegors/skywarden/pkg/logger"
)

// checkAndSetScript claims the key only if it is absent. The key TTL is the
// cooldown, so an expired window frees the key for the next trigger.
var checkAndSetScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return {1, ARGV[1]}
end
local last = redis.call('GET', KEYS[1])
if not last then
  return {0, '0'}
end
return {0, last}
`)

// RedisStore shares cooldowns between processes through Redis
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
	logger *logger.Logger
}

// NewRedisStore creates a store; keys are written under "<prefix>:cooldown:"
func NewRedisStore(client redis.UniversalClient, prefix string, log *logger.Logger) *RedisStore {
	if prefix == "" {
		prefix = "skywarden"
	}
	return &RedisStore{
		client: client,
		prefix: prefix + ":cooldown:",
		now:    time.Now,
		logger: log.Named("cooldown"),
	}
}

// WithClock replaces the time source used for recorded timestamps
func (r *RedisStore) WithClock(now func() time.Time) *RedisStore {
	r.now = now
	return r
}

func (r *RedisStore) key(scope, subject string) string {
	return r.prefix + scope + ":" + subject
}

// CheckAndSet implements Store
func (r *RedisStore) CheckAndSet(ctx context.Context, scope, subject string, cooldown time.Duration) (bool, time.Time, error) {
	now := r.now()
	if cooldown <= 0 {
		return true, now, nil
	}

	ttlMs := cooldown.Milliseconds()
	if ttlMs < 1 {
		ttlMs = 1
	}

	res, err := checkAndSetScript.Run(ctx, r.client,
		[]string{r.key(scope, subject)},
		now.UnixMilli(), ttlMs,
	).Slice()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("cooldown check-and-set: %w", err)
	}
	if len(res) != 2 {
		return false, time.Time{}, fmt.Errorf("cooldown check-and-set: unexpected reply %v", res)
	}

	allowed, _ := res[0].(int64)
	var lastMs int64
	switch v := res[1].(type) {
	case string:
		lastMs, _ = strconv.ParseInt(v, 10, 64)
	case int64:
		lastMs = v
	}
	return allowed == 1, time.UnixMilli(lastMs), nil
}

func (r *RedisStore) scan(ctx context.Context, match string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, 500).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// ClearRule deletes every key under scope
func (r *RedisStore) ClearRule(ctx context.Context, scope string) (int, error) {
	cleared := 0
	err := r.scan(ctx, r.prefix+scope+":*", func(keys []string) error {
		n, err := r.client.Del(ctx, keys...).Result()
		cleared += int(n)
		return err
	})
	if err != nil {
		return cleared, fmt.Errorf("clear cooldowns for %s: %w", scope, err)
	}
	if cleared > 0 {
		r.logger.Info("Cleared cooldowns", logger.String("scope", scope), logger.Int("count", cleared))
	}
	return cleared, nil
}

// Sweep is a no-op: every key carries its own TTL
func (r *RedisStore) Sweep(context.Context) (int, error) {
	return 0, nil
}

// Status implements Store
func (r *RedisStore) Status(ctx context.Context) (Status, error) {
	st := Status{Backend: "redis", Scopes: make(map[string]int)}
	if err := r.client.Ping(ctx).Err(); err != nil {
		st.Error = err.Error()
		return st, fmt.Errorf("redis ping: %w", err)
	}

	err := r.scan(ctx, r.prefix+"*", func(keys []string) error {
		for _, k := range keys {
			st.Entries++
			rest := strings.TrimPrefix(k, r.prefix)
			// scope is "<kind>:<id>", subject follows
			parts := strings.SplitN(rest, ":", 3)
			if len(parts) == 3 {
				st.Scopes[parts[0]+":"+parts[1]]++
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		st.Error = err.Error()
		return st, fmt.Errorf("redis scan: %w", err)
	}
	st.Healthy = true
	return st, nil
}
