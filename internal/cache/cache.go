// Package cache is a content-addressed artifact cache with per-entry TTL and
// a byte budget enforced by least-recently-used eviction.
//
// The cache never fails its callers: backend faults are logged and reported
// as misses (Get) or dropped (Put).
package cache

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/media-service/internal/core"
	"github.com/dustin/go-humanize"
)

const (
	defaultShards = 16
	defaultTTL    = 24 * time.Hour
)

// Entry is the index record of one cached artifact.
type Entry struct {
	Key        string
	CreatedAt  time.Time
	LastUsedAt time.Time
	UsageCount int64
	SizeBytes  int64
	TTL        time.Duration

	// refs counts in-flight reads; a pinned entry is never evicted.
	refs int
	// version changes on every Put so a read can tell its entry was rewritten.
	version uint64
}

// Expired reports whether the entry is past its lifetime at now.
func (e *Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits        int64
	Misses      int64
	Puts        int64
	Evictions   int64
	Expirations int64
	Faults      int64
	Entries     int
	Bytes       int64
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// Cache is the artifact cache. Create it with New; Close it when done.
type Cache struct {
	backend       Backend
	log           *logger.Logger
	shards        []*shard
	ttl           time.Duration
	maxBytes      int64
	sweepInterval time.Duration
	now           func() time.Time

	hits        atomic.Int64
	misses      atomic.Int64
	puts        atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
	faults      atomic.Int64

	evictMu sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the default entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxBytes sets the byte budget. Zero disables size eviction.
func WithMaxBytes(maxBytes int64) Option {
	return func(c *Cache) {
		c.maxBytes = maxBytes
	}
}

// WithShards sets the number of index shards.
func WithShards(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.shards = make([]*shard, n)
		}
	}
}

// WithSweepInterval sets the period of the background expiry sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) {
		c.sweepInterval = d
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache over backend.
func New(backend Backend, log *logger.Logger, opts ...Option) *Cache {
	cache := &Cache{
		backend:       backend,
		log:           log,
		shards:        make([]*shard, defaultShards),
		ttl:           defaultTTL,
		maxBytes:      0,
		sweepInterval: time.Minute,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(cache)
	}

	for i := range cache.shards {
		cache.shards[i] = &shard{mu: sync.Mutex{}, entries: make(map[string]*Entry)}
	}

	return cache
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))

	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns a copy of the cached artifact. Absent, expired and unreadable
// entries are all misses.
func (c *Cache) Get(ctx context.Context, key string) (core.Artifact, bool) {
	s := c.shardFor(key)
	now := c.now()

	s.mu.Lock()
	entry, indexed := s.entries[key]

	if indexed && entry.Expired(now) {
		if entry.refs == 0 {
			delete(s.entries, key)
		}

		s.mu.Unlock()
		c.expirations.Add(1)
		c.misses.Add(1)
		c.removeFromBackend(ctx, key)

		return core.Artifact{}, false
	}

	var version uint64

	if indexed {
		entry.refs++
		version = entry.version
	}
	s.mu.Unlock()

	artifact, err := c.backend.Read(ctx, key)

	if indexed {
		s.mu.Lock()
		entry.refs--

		if err == nil {
			entry.LastUsedAt = now
			entry.UsageCount++
		} else if s.entries[key] == entry && entry.refs == 0 && entry.version == version {
			delete(s.entries, key)
		}
		s.mu.Unlock()
	}

	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.faults.Add(1)
			c.logWarn("Cache read for '%s' failed, treating as miss: %v", key, err)
		}

		c.misses.Add(1)

		return core.Artifact{}, false
	}

	if !indexed {
		// Written by another instance sharing the backend.
		c.adopt(key, artifact, now)
	}

	c.hits.Add(1)

	return artifact.Clone(), true
}

func (c *Cache) adopt(key string, artifact core.Artifact, now time.Time) {
	s := c.shardFor(key)

	s.mu.Lock()
	if _, exists := s.entries[key]; !exists {
		s.entries[key] = &Entry{
			Key:        key,
			CreatedAt:  now,
			LastUsedAt: now,
			UsageCount: 1,
			SizeBytes:  artifact.Size(),
			TTL:        c.ttl,
			refs:       0,
			version:    0,
		}
	}
	s.mu.Unlock()
}

// Put stores artifact under key. ttl <= 0 uses the default lifetime. Put
// then evicts down to the byte budget.
func (c *Cache) Put(ctx context.Context, key string, artifact core.Artifact, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	err := c.backend.Write(ctx, key, artifact.Clone(), ttl)
	if err != nil {
		c.faults.Add(1)
		c.logWarn("Cache write for '%s' failed, dropping entry: %v", key, err)

		return
	}

	now := c.now()
	s := c.shardFor(key)

	s.mu.Lock()
	// Rewrite in place: in-flight reads hold a pointer to the indexed entry
	// and release their pin on it.
	if existing, ok := s.entries[key]; ok {
		existing.CreatedAt = now
		existing.LastUsedAt = now
		existing.UsageCount = 0
		existing.SizeBytes = artifact.Size()
		existing.TTL = ttl
		existing.version++
	} else {
		s.entries[key] = &Entry{
			Key:        key,
			CreatedAt:  now,
			LastUsedAt: now,
			UsageCount: 0,
			SizeBytes:  artifact.Size(),
			TTL:        ttl,
			refs:       0,
			version:    0,
		}
	}
	s.mu.Unlock()

	c.puts.Add(1)

	if c.maxBytes > 0 {
		c.EvictToBudget(ctx, c.maxBytes)
	}
}

// Invalidate drops key from the cache.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	s := c.shardFor(key)

	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()

	c.removeFromBackend(ctx, key)
}

// Entry returns a copy of the index record for key.
func (c *Cache) Entry(key string) (Entry, bool) {
	s := c.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}

	return *entry, true
}

// SweepExpired removes every expired, unpinned entry and returns how many were removed.
func (c *Cache) SweepExpired(ctx context.Context) int {
	now := c.now()

	var expired []string

	for _, s := range c.shards {
		s.mu.Lock()
		for key, entry := range s.entries {
			if entry.refs == 0 && entry.Expired(now) {
				delete(s.entries, key)
				expired = append(expired, key)
			}
		}
		s.mu.Unlock()
	}

	for _, key := range expired {
		c.removeFromBackend(ctx, key)
	}

	c.expirations.Add(int64(len(expired)))

	return len(expired)
}

type candidate struct {
	entry    *Entry
	shard    *shard
	lastUsed time.Time
}

// EvictToBudget removes least-recently-used, unpinned entries until the total
// size is at most maxBytes. It returns the number of evicted entries.
func (c *Cache) EvictToBudget(ctx context.Context, maxBytes int64) int {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	var (
		total      int64
		candidates []candidate
	)

	for _, s := range c.shards {
		s.mu.Lock()
		for _, entry := range s.entries {
			total += entry.SizeBytes
			candidates = append(candidates, candidate{entry: entry, shard: s, lastUsed: entry.LastUsedAt})
		}
		s.mu.Unlock()
	}

	if total <= maxBytes {
		return 0
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.Before(candidates[j].lastUsed)
	})

	before := total
	evicted := 0

	for _, cand := range candidates {
		if total <= maxBytes {
			break
		}

		cand.shard.mu.Lock()
		current, ok := cand.shard.entries[cand.entry.Key]
		removable := ok && current == cand.entry && current.refs == 0

		if removable {
			delete(cand.shard.entries, current.Key)
		}
		cand.shard.mu.Unlock()

		if !removable {
			continue
		}

		c.removeFromBackend(ctx, cand.entry.Key)

		total -= cand.entry.SizeBytes
		evicted++
	}

	c.evictions.Add(int64(evicted))

	if evicted > 0 && c.log != nil {
		c.log.Info("Cache evicted %d entries: %s -> %s (budget %s)",
			evicted, humanize.Bytes(uint64(before)), humanize.Bytes(uint64(total)), humanize.Bytes(uint64(maxBytes)))
	}

	return evicted
}

// Stats returns counters and the current index size.
func (c *Cache) Stats() Stats {
	stats := Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Puts:        c.puts.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Faults:      c.faults.Load(),
		Entries:     0,
		Bytes:       0,
	}

	for _, s := range c.shards {
		s.mu.Lock()
		stats.Entries += len(s.entries)
		for _, entry := range s.entries {
			stats.Bytes += entry.SizeBytes
		}
		s.mu.Unlock()
	}

	return stats
}

// Run sweeps expired entries and enforces the byte budget until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	if c.sweepInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept := c.SweepExpired(ctx)
			if swept > 0 && c.log != nil {
				c.log.Info("Cache sweep removed %d expired entries", swept)
			}

			if c.maxBytes > 0 {
				c.EvictToBudget(ctx, c.maxBytes)
			}
		}
	}
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}

func (c *Cache) removeFromBackend(ctx context.Context, key string) {
	err := c.backend.Remove(ctx, key)
	if err != nil {
		c.faults.Add(1)
		c.logWarn("Cache removal of '%s' failed: %v", key, err)
	}
}

func (c *Cache) logWarn(format string, args ...any) {
	if c.log != nil {
		c.log.Warn(format, args...)
	}
}
