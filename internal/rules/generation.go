package rules

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// Generation is a counter bumped whenever stored rules change. A cache
// snapshot is valid only while the generation it was built at is current.
type Generation interface {
	Current(ctx context.Context) (int64, error)
	Bump(ctx context.Context) (int64, error)
}

// LocalGeneration is an in-process counter for single-instance deployments
type LocalGeneration struct {
	n atomic.Int64
}

// Current implements Generation
func (g *LocalGeneration) Current(context.Context) (int64, error) {
	return g.n.Load(), nil
}

// Bump implements Generation
func (g *LocalGeneration) Bump(context.Context) (int64, error) {
	return g.n.Add(1), nil
}

// RedisGeneration shares the counter across processes so a rule edit made
// through one instance invalidates the caches of all of them
type RedisGeneration struct {
	client redis.UniversalClient
	key    string
}

// NewRedisGeneration stores the counter at "<prefix>:rules:generation"
func NewRedisGeneration(client redis.UniversalClient, prefix string) *RedisGeneration {
	if prefix == "" {
		prefix = "skywarden"
	}
	return &RedisGeneration{client: client, key: prefix + ":rules:generation"}
}

// Current implements Generation
func (g *RedisGeneration) Current(ctx context.Context) (int64, error) {
	n, err := g.client.Get(ctx, g.key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read rules generation: %w", err)
	}
	return n, nil
}

// Bump implements Generation
func (g *RedisGeneration) Bump(ctx context.Context) (int64, error) {
	n, err := g.client.Incr(ctx, g.key).Result()
	if err != nil {
		return 0, fmt.Errorf("bump rules generation: %w", err)
	}
	return n, nil
}
