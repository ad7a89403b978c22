package rules

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yegors/skywarden/internal/metrics"
	"github.com/yegors/skywarden/pkg/logger"
)

// Source is the source of truth for rule definitions
type Source interface {
	ListEnabledRules(ctx context.Context) ([]Definition, error)
}

// snapshot is an immutable compiled rule set
type snapshot struct {
	rules      []*CompiledRule
	generation int64
	builtAt    time.Time
}

// CacheStats describes the current cache state
type CacheStats struct {
	Rules      int       `json:"rules"`
	Generation int64     `json:"generation"`
	BuiltAt    time.Time `json:"built_at"`
	Hits       uint64    `json:"hits"`
	Misses     uint64    `json:"misses"`
	Fallbacks  uint64    `json:"fallbacks"`
}

// Cache serves compiled active rules. Readers always see one whole snapshot;
// an invalidation swaps the pointer rather than mutating in place.
type Cache struct {
	source  Source
	gen     Generation
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *logger.Logger

	snap  atomic.Pointer[snapshot]
	group singleflight.Group

	mu        sync.Mutex
	hits      uint64
	misses    uint64
	fallbacks uint64
}

// NewCache creates a rule cache. A nil generation uses an in-process counter.
func NewCache(source Source, gen Generation, ttl time.Duration, m *metrics.Metrics, log *logger.Logger) *Cache {
	if gen == nil {
		gen = &LocalGeneration{}
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{
		source:  source,
		gen:     gen,
		ttl:     ttl,
		now:     time.Now,
		metrics: m,
		logger:  log.Named("rules"),
	}
}

// WithClock replaces the time source, used by tests
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// GetActiveRules returns every enabled rule, compiled. If the generation
// backend is down the rules are compiled straight from the source.
func (c *Cache) GetActiveRules(ctx context.Context) ([]*CompiledRule, error) {
	gen, err := c.gen.Current(ctx)
	if err != nil {
		c.count(&c.fallbacks)
		if c.metrics != nil {
			c.metrics.RuleCacheFallbacks.Inc()
		}
		c.logger.Warn("Rule cache backend unavailable, compiling directly from source", logger.Error(err))
		rules, srcErr := c.compileFromSource(ctx)
		if srcErr != nil {
			return c.stale(srcErr)
		}
		return rules, nil
	}

	if s := c.snap.Load(); s != nil && s.generation == gen && c.now().Sub(s.builtAt) < c.ttl {
		c.count(&c.hits)
		if c.metrics != nil {
			c.metrics.RuleCacheHits.Inc()
		}
		return s.rules, nil
	}

	c.count(&c.misses)
	if c.metrics != nil {
		c.metrics.RuleCacheMisses.Inc()
	}
	s, err := c.load(ctx, gen)
	if err != nil {
		return c.stale(err)
	}
	return s.rules, nil
}

// Invalidate bumps the generation and drops the local snapshot
func (c *Cache) Invalidate(ctx context.Context) error {
	c.snap.Store(nil)
	gen, err := c.gen.Bump(ctx)
	if err != nil {
		c.logger.Warn("Failed to bump rule generation", logger.Error(err))
		return err
	}
	c.logger.Debug("Rule cache invalidated", logger.Int64("generation", gen))
	return nil
}

// Refresh rebuilds the snapshot now
func (c *Cache) Refresh(ctx context.Context) error {
	gen, err := c.gen.Current(ctx)
	if err != nil {
		return fmt.Errorf("read generation: %w", err)
	}
	_, err = c.load(ctx, gen)
	return err
}

// Stats returns counters and snapshot info
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	st := CacheStats{Hits: c.hits, Misses: c.misses, Fallbacks: c.fallbacks}
	c.mu.Unlock()

	if s := c.snap.Load(); s != nil {
		st.Rules = len(s.rules)
		st.Generation = s.generation
		st.BuiltAt = s.builtAt
	}
	return st
}

func (c *Cache) count(n *uint64) {
	c.mu.Lock()
	*n++
	c.mu.Unlock()
}

// load compiles once per generation even when many callers miss together
func (c *Cache) load(ctx context.Context, gen int64) (*snapshot, error) {
	v, err, _ := c.group.Do(fmt.Sprintf("gen-%d", gen), func() (any, error) {
		rules, err := c.compileFromSource(ctx)
		if err != nil {
			return nil, err
		}
		s := &snapshot{rules: rules, generation: gen, builtAt: c.now()}
		c.snap.Store(s)
		if c.metrics != nil {
			c.metrics.RuleCacheRules.Set(float64(len(rules)))
		}
		c.logger.Debug("Compiled rule snapshot",
			logger.Int("rules", len(rules)),
			logger.Int64("generation", gen),
		)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot), nil
}

func (c *Cache) compileFromSource(ctx context.Context) ([]*CompiledRule, error) {
	defs, err := c.source.ListEnabledRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enabled rules: %w", err)
	}

	compiled := make([]*CompiledRule, 0, len(defs))
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		r, err := Compile(def, c.logger)
		if err != nil {
			if c.metrics != nil {
				c.metrics.RuleCompileFailures.Inc()
			}
			c.logger.Warn("Skipping rule that failed to compile",
				logger.Int64("rule_id", def.ID),
				logger.String("name", def.Name),
				logger.Error(err),
			)
			continue
		}
		compiled = append(compiled, r)
	}
	return compiled, nil
}

// stale serves the last snapshot when the source itself is failing
func (c *Cache) stale(err error) ([]*CompiledRule, error) {
	if s := c.snap.Load(); s != nil {
		c.logger.Warn("Serving stale rule snapshot", logger.Error(err), logger.Int64("generation", s.generation))
		return s.rules, nil
	}
	return nil, err
}
