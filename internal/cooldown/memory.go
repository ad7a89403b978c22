package cooldown

import (
	"context"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/yegors/skywarden/pkg/logger"
)

const keySep = "#"

// MemoryStore keeps cooldowns in process memory.
// It is only correct for a single process; use RedisStore when several workers evaluate.
type MemoryStore struct {
	mu       sync.Mutex
	cache    *gocache.Cache
	staleAge time.Duration
	now      func() time.Time
	logger   *logger.Logger
}

// NewMemoryStore creates an in-process store. Entries expire from reads once
// their cooldown has passed and are removed from memory by Sweep, along with
// anything older than staleAge. No janitor goroutine is started; callers
// schedule Sweep.
func NewMemoryStore(staleAge time.Duration, log *logger.Logger) *MemoryStore {
	if staleAge <= 0 {
		staleAge = time.Hour
	}
	return &MemoryStore{
		cache:    gocache.New(staleAge, 0),
		staleAge: staleAge,
		now:      time.Now,
		logger:   log.Named("cooldown"),
	}
}

// WithClock replaces the time source, used by tests
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func memKey(scope, subject string) string {
	return scope + keySep + subject
}

// CheckAndSet implements Store
func (m *MemoryStore) CheckAndSet(_ context.Context, scope, subject string, cooldown time.Duration) (bool, time.Time, error) {
	key := memKey(scope, subject)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if v, found := m.cache.Get(key); found {
		if last, ok := v.(time.Time); ok && now.Sub(last) < cooldown {
			return false, last, nil
		}
	}

	ttl := cooldown
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	m.cache.Set(key, now, ttl)
	return true, now, nil
}

// ClearRule removes every entry under scope
func (m *MemoryStore) ClearRule(_ context.Context, scope string) (int, error) {
	prefix := scope + keySep

	m.mu.Lock()
	defer m.mu.Unlock()

	cleared := 0
	for key := range m.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			m.cache.Delete(key)
			cleared++
		}
	}
	if cleared > 0 {
		m.logger.Info("Cleared cooldowns", logger.String("scope", scope), logger.Int("count", cleared))
	}
	return cleared, nil
}

// Sweep drops entries whose last trigger is older than the stale age
func (m *MemoryStore) Sweep(_ context.Context) (int, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.cache.ItemCount()
	m.cache.DeleteExpired()
	for key, item := range m.cache.Items() {
		if last, ok := item.Object.(time.Time); ok && now.Sub(last) >= m.staleAge {
			m.cache.Delete(key)
		}
	}
	removed := before - m.cache.ItemCount()
	if removed > 0 {
		m.logger.Debug("Swept stale cooldowns", logger.Int("removed", removed))
	}
	return removed, nil
}

// Status implements Store
func (m *MemoryStore) Status(_ context.Context) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	scopes := make(map[string]int)
	items := m.cache.Items()
	for key := range items {
		if i := strings.Index(key, keySep); i > 0 {
			scopes[key[:i]]++
		}
	}
	return Status{Backend: "memory", Entries: len(items), Scopes: scopes, Healthy: true}, nil
}
