// Package respcache memoizes expensive upstream responses in a shared
// key-value store under deterministic keys. The cache is strictly
// best-effort: every store failure degrades to a miss or a skipped write and
// is never surfaced to the caller.
package respcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sowbridge/sowbridge/pkg/clock"
	"github.com/sowbridge/sowbridge/pkg/metrics"
	"github.com/sowbridge/sowbridge/pkg/resilience"
)

// envelope is the stored form of an entry. The TTL is kept alongside the
// value so readers can reject entries a lax store failed to expire.
type envelope struct {
	Value      json.RawMessage `json:"value"`
	CachedAt   time.Time       `json:"cached_at"`
	TTLSeconds float64         `json:"ttl_seconds"`
}

type Stats struct {
	EntryCount        int64   `json:"entry_count"`
	ApproxMemoryBytes int64   `json:"approx_memory_bytes"`
	BackingAvailable  bool    `json:"backing_available"`
	Hits              int64   `json:"hits"`
	Misses            int64   `json:"misses"`
	Sets              int64   `json:"sets"`
	SetErrors         int64   `json:"set_errors"`
	HitRate           float64 `json:"hit_rate"`
}

// shared is the state common to a cache and all of its scopes.
type shared struct {
	store            Store
	available        bool
	root             string
	defaultTTL       time.Duration
	operationTimeout time.Duration
	clock            clock.Clock
	metrics          *metrics.Metrics
	group            singleflight.Group
	logger           *slog.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	setErrors atomic.Int64
}

// Cache is safe for concurrent use.
type Cache struct {
	*shared
	prefix string
}

type Option func(*shared)

func WithPrefix(p string) Option { return func(s *shared) { s.root = strings.TrimSuffix(p, ":") } }
func WithDefaultTTL(d time.Duration) Option {
	return func(s *shared) { s.defaultTTL = d }
}
func WithOperationTimeout(d time.Duration) Option {
	return func(s *shared) { s.operationTimeout = d }
}
func WithClock(c clock.Clock) Option        { return func(s *shared) { s.clock = c } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *shared) { s.metrics = m } }

// New creates a Cache over store. A nil store, or one that fails its
// initial ping, yields a cache that always misses and never writes.
func New(ctx context.Context, store Store, opts ...Option) *Cache {
	s := &shared{
		store:            store,
		available:        store != nil,
		root:             "proposal",
		defaultTTL:       time.Hour,
		operationTimeout: 500 * time.Millisecond,
		clock:            clock.Real{},
		logger:           slog.Default().With("component", "response-cache"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.defaultTTL <= 0 {
		s.defaultTTL = time.Hour
	}
	if p, ok := store.(Pinger); ok && s.available {
		err := resilience.WithTimeout(ctx, s.operationTimeout*4, "cache ping", p.Ping)
		if err != nil {
			s.logger.Warn("backing store unavailable, cache disabled", "error", err)
			s.available = false
		}
	}
	if !s.available {
		s.store = nil
	}
	s.logger.Info("response cache ready", "prefix", s.root, "available", s.available, "default_ttl", s.defaultTTL)
	return &Cache{shared: s, prefix: s.root}
}

// Scope returns a view whose keys live under prefix:scope. Scoped entries
// can be dropped together with InvalidateScope.
func (c *Cache) Scope(scope string) *Cache {
	if scope == "" {
		return c
	}
	return &Cache{shared: c.shared, prefix: c.prefix + ":" + scope}
}

// Key returns the storage key for inputs.
func (c *Cache) Key(inputs ...any) string {
	return c.prefix + ":" + Fingerprint(inputs...)
}

// Available reports whether a backing store is in use.
func (c *Cache) Available() bool {
	return c.available
}

// Get decodes the entry for inputs into dst and reports whether it was found.
func (c *Cache) Get(ctx context.Context, dst any, inputs ...any) bool {
	return c.GetKey(ctx, c.Key(inputs...), dst)
}

// GetKey is Get for a key already derived with Key.
func (c *Cache) GetKey(ctx context.Context, key string, dst any) bool {
	if !c.available {
		c.miss()
		return false
	}
	var data []byte
	err := resilience.WithTimeout(ctx, c.operationTimeout, "cache get", func(ctx context.Context) error {
		var err error
		data, err = c.store.Get(ctx, key)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Warn("cache get failed", "key", key, "error", err)
		}
		c.miss()
		return false
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("cache envelope decode failed", "key", key, "error", err)
		c.miss()
		return false
	}
	ttl := time.Duration(env.TTLSeconds * float64(time.Second))
	if !c.clock.Now().Before(env.CachedAt.Add(ttl)) {
		c.logger.Debug("cache entry expired", "key", key, "cached_at", env.CachedAt)
		c.miss()
		return false
	}
	if err := json.Unmarshal(env.Value, dst); err != nil {
		c.logger.Warn("cache value decode failed", "key", key, "error", err)
		c.miss()
		return false
	}
	c.hit()
	c.logger.Debug("cache hit", "key", key)
	return true
}

// Set stores value under the key for inputs. ttl <= 0 uses the default TTL.
// Callers may ignore the error; it is returned for logging only.
func (c *Cache) Set(ctx context.Context, value any, ttl time.Duration, inputs ...any) error {
	return c.SetKey(ctx, c.Key(inputs...), value, ttl)
}

// SetKey is Set for a key already derived with Key.
func (c *Cache) SetKey(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.available {
		return nil
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.setFailed()
		return fmt.Errorf("encoding cache value: %w", err)
	}
	data, err := json.Marshal(envelope{Value: raw, CachedAt: c.clock.Now().UTC(), TTLSeconds: ttl.Seconds()})
	if err != nil {
		c.setFailed()
		return fmt.Errorf("encoding cache envelope: %w", err)
	}
	err = resilience.WithTimeout(ctx, c.operationTimeout, "cache set", func(ctx context.Context) error {
		return c.store.Set(ctx, key, data, ttl)
	})
	if err != nil {
		c.setFailed()
		c.logger.Warn("cache set failed", "key", key, "error", err)
		return fmt.Errorf("storing %s: %w", key, err)
	}
	c.sets.Add(1)
	c.logger.Debug("cache set", "key", key, "ttl", ttl, "bytes", len(data))
	return nil
}

// GetOrCompute returns the cached value for inputs, or runs compute and
// caches its result. Concurrent misses for the same key share one compute.
// The bool reports a cache hit. A failed compute is not cached.
func GetOrCompute[T any](ctx context.Context, c *Cache, ttl time.Duration, compute func(ctx context.Context) (T, error), inputs ...any) (T, bool, error) {
	key := c.Key(inputs...)
	var out T
	if c.GetKey(ctx, key, &out) {
		return out, true, nil
	}
	v, err, coalesced := c.group.Do(key, func() (any, error) {
		var again T
		if c.GetKey(ctx, key, &again) {
			return again, nil
		}
		val, err := compute(ctx)
		if err != nil {
			return val, err
		}
		_ = c.SetKey(ctx, key, val, ttl)
		return val, nil
	})
	if coalesced {
		c.logger.Debug("coalesced concurrent miss", "key", key)
	}
	if err != nil {
		var zero T
		return zero, false, err
	}
	return v.(T), false, nil
}

// InvalidateScope drops every entry under prefix:scope.
func (c *Cache) InvalidateScope(ctx context.Context, scope string) (int64, error) {
	return c.Scope(scope).invalidate(ctx)
}

// InvalidateAll drops every entry under the root prefix, scopes included.
func (c *Cache) InvalidateAll(ctx context.Context) (int64, error) {
	return (&Cache{shared: c.shared, prefix: c.root}).invalidate(ctx)
}

func (c *Cache) invalidate(ctx context.Context) (int64, error) {
	if !c.available {
		return 0, nil
	}
	pattern := escapeGlob(c.prefix) + ":*"
	deleted, err := c.store.DeleteByPattern(ctx, pattern)
	if err != nil {
		return deleted, fmt.Errorf("invalidating %s: %w", pattern, err)
	}
	c.logger.Info("cache invalidated", "pattern", pattern, "keys_deleted", deleted)
	return deleted, nil
}

// Stats reports counters and, when the store supports it, its size.
func (c *Cache) Stats(ctx context.Context) Stats {
	st := Stats{
		BackingAvailable: c.available,
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		Sets:             c.sets.Load(),
		SetErrors:        c.setErrors.Load(),
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	ss, ok := c.store.(StatsStore)
	if !c.available || !ok {
		return st
	}
	pattern := escapeGlob(c.root) + ":*"
	var count, mem int64
	if err := resilience.WithTimeout(ctx, c.operationTimeout*4, "cache count", func(ctx context.Context) error {
		n, err := ss.Count(ctx, pattern)
		count = n
		return err
	}); err != nil {
		c.logger.Warn("cache count failed", "error", err)
	} else {
		st.EntryCount = count
	}
	if err := resilience.WithTimeout(ctx, c.operationTimeout, "cache memory", func(ctx context.Context) error {
		n, err := ss.MemoryBytes(ctx)
		mem = n
		return err
	}); err != nil {
		c.logger.Warn("cache memory stat failed", "error", err)
	} else {
		st.ApproxMemoryBytes = mem
	}
	return st
}

func (c *Cache) hit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
}

func (c *Cache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

func (c *Cache) setFailed() {
	c.setErrors.Add(1)
	if c.metrics != nil {
		c.metrics.CacheSetErrorsTotal.Inc()
	}
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
