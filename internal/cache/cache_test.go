package cache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/media-service/internal/cache"
	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/natstest"
	"github.com/book-expert/media-service/internal/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackendDown = errors.New("backend down")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{mu: sync.Mutex{}, now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// failingBackend wraps a MemoryBackend and fails on demand.
type failingBackend struct {
	*cache.MemoryBackend

	ReadShouldFail  bool
	WriteShouldFail bool
}

func (f *failingBackend) Read(ctx context.Context, key string) (core.Artifact, error) {
	if f.ReadShouldFail {
		return core.Artifact{}, errBackendDown
	}

	return f.MemoryBackend.Read(ctx, key)
}

func (f *failingBackend) Write(ctx context.Context, key string, artifact core.Artifact, ttl time.Duration) error {
	if f.WriteShouldFail {
		return errBackendDown
	}

	return f.MemoryBackend.Write(ctx, key, artifact, ttl)
}

// blockingBackend holds reads until release is closed.
type blockingBackend struct {
	*cache.MemoryBackend

	reading chan struct{}
	release chan struct{}
}

func (b *blockingBackend) Read(ctx context.Context, key string) (core.Artifact, error) {
	b.reading <- struct{}{}
	<-b.release

	return b.MemoryBackend.Read(ctx, key)
}

func artifactOf(payload string) core.Artifact {
	return core.Artifact{Payload: []byte(payload), URL: "", ContentType: "audio/wav", Metadata: nil}
}

func TestCache_PutThenGetWithinTTL(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := cache.New(cache.NewMemoryBackend(), nil, cache.WithClock(clock.Now), cache.WithTTL(time.Minute))
	ctx := context.Background()

	c.Put(ctx, "k", artifactOf("audio"), 0)
	clock.Advance(59 * time.Second)

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("audio"), got.Payload)

	entry, ok := c.Entry("k")
	require.True(t, ok)
	assert.Equal(t, int64(1), entry.UsageCount)
	assert.Equal(t, clock.Now(), entry.LastUsedAt)

	clock.Advance(2 * time.Second)

	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Expirations)
}

func TestCache_PerCallTTLOverridesDefault(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := cache.New(cache.NewMemoryBackend(), nil, cache.WithClock(clock.Now), cache.WithTTL(time.Hour))
	ctx := context.Background()

	c.Put(ctx, "short", artifactOf("a"), time.Second)
	c.Put(ctx, "long", artifactOf("b"), 0)
	clock.Advance(2 * time.Second)

	_, ok := c.Get(ctx, "short")
	assert.False(t, ok)

	_, ok = c.Get(ctx, "long")
	assert.True(t, ok)
}

func TestCache_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	c := cache.New(cache.NewMemoryBackend(), nil)
	ctx := context.Background()

	c.Put(ctx, "k", artifactOf("abc"), 0)

	first, ok := c.Get(ctx, "k")
	require.True(t, ok)
	first.Payload[0] = 'X'

	second, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), second.Payload)
}

func TestCache_EvictsLeastRecentlyUsedFirst(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	backend := cache.NewMemoryBackend()
	c := cache.New(backend, nil, cache.WithClock(clock.Now), cache.WithMaxBytes(10))
	ctx := context.Background()

	c.Put(ctx, "a", artifactOf("aaaa"), 0)
	clock.Advance(time.Second)
	c.Put(ctx, "b", artifactOf("bbbb"), 0)
	clock.Advance(time.Second)

	_, ok := c.Get(ctx, "a")
	require.True(t, ok)
	clock.Advance(time.Second)

	c.Put(ctx, "c", artifactOf("cccc"), 0)

	_, okA := c.Get(ctx, "a")
	_, okB := c.Get(ctx, "b")
	_, okC := c.Get(ctx, "c")

	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
	assert.Equal(t, 2, backend.Len())
	assert.Equal(t, int64(1), c.Stats().Evictions)
	assert.LessOrEqual(t, c.Stats().Bytes, int64(10))
}

func TestCache_RewriteDuringReadStaysEvictable(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	backend := &blockingBackend{
		MemoryBackend: cache.NewMemoryBackend(),
		reading:       make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
	c := cache.New(backend, nil, cache.WithClock(clock.Now), cache.WithTTL(time.Minute))
	ctx := context.Background()

	c.Put(ctx, "k", artifactOf("old"), 0)

	done := make(chan bool)

	go func() {
		_, ok := c.Get(ctx, "k")
		done <- ok
	}()

	<-backend.reading

	assert.Zero(t, c.EvictToBudget(ctx, 0), "pinned entry must survive eviction")

	c.Put(ctx, "k", artifactOf("new"), 0)
	close(backend.release)
	require.True(t, <-done)

	assert.Equal(t, 1, c.EvictToBudget(ctx, 0))
	assert.Zero(t, c.Stats().Entries)
	assert.Zero(t, c.Stats().Bytes)

	c.Put(ctx, "k", artifactOf("again"), 0)
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, c.SweepExpired(ctx))
}

func TestCache_SweepExpired(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	backend := cache.NewMemoryBackend()
	c := cache.New(backend, nil, cache.WithClock(clock.Now), cache.WithTTL(time.Minute))
	ctx := context.Background()

	c.Put(ctx, "old", artifactOf("1"), 0)
	clock.Advance(2 * time.Minute)
	c.Put(ctx, "new", artifactOf("2"), 0)

	assert.Equal(t, 1, c.SweepExpired(ctx))
	assert.Equal(t, 1, backend.Len())
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestCache_InvalidateRemovesEntry(t *testing.T) {
	t.Parallel()

	c := cache.New(cache.NewMemoryBackend(), nil)
	ctx := context.Background()

	c.Put(ctx, "k", artifactOf("x"), 0)
	c.Invalidate(ctx, "k")

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestCache_BackendFaultsAreMissesAndNoOps(t *testing.T) {
	t.Parallel()

	backend := &failingBackend{MemoryBackend: cache.NewMemoryBackend(), ReadShouldFail: false, WriteShouldFail: true}
	c := cache.New(backend, nil)
	ctx := context.Background()

	c.Put(ctx, "k", artifactOf("x"), 0)
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)

	backend.WriteShouldFail = false
	c.Put(ctx, "k", artifactOf("x"), 0)

	backend.ReadShouldFail = true
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, int64(2), c.Stats().Faults)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	c := cache.New(cache.NewMemoryBackend(), nil, cache.WithMaxBytes(64), cache.WithShards(4))
	ctx := context.Background()

	var wg sync.WaitGroup

	for i := range 16 {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			key := string(rune('a' + n))
			for range 50 {
				c.Put(ctx, key, artifactOf("0123456789"), 0)
				c.Get(ctx, key)
			}
		}(i)
	}

	wg.Wait()

	// Entries pinned by a concurrent read may have been skipped; nothing is pinned now.
	c.EvictToBudget(ctx, 64)
	assert.LessOrEqual(t, c.Stats().Bytes, int64(64))
}

func TestCache_RunStopsWithContext(t *testing.T) {
	t.Parallel()

	c := cache.New(cache.NewMemoryBackend(), nil, cache.WithSweepInterval(5*time.Millisecond), cache.WithTTL(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	c.Put(ctx, "k", artifactOf("x"), 0)

	done := make(chan struct{})

	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return c.Stats().Entries == 0 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	require.NoError(t, c.Close())
}

func TestObjectStoreBackend_RoundTrip(t *testing.T) {
	t.Parallel()

	_, jetstreamContext := natstest.JetStream(t)

	store, err := objectstore.New(jetstreamContext, "cache-test")
	require.NoError(t, err)

	backend := cache.NewObjectStoreBackend(store)
	ctx := context.Background()

	_, err = backend.Read(ctx, "missing")
	require.ErrorIs(t, err, cache.ErrMiss)

	artifact := core.Artifact{
		Payload:     nil,
		URL:         "https://cdn.example/v.mp4",
		ContentType: "video/mp4",
		Metadata:    map[string]string{"provider": "veo"},
	}
	require.NoError(t, backend.Write(ctx, "k", artifact, time.Minute))

	got, err := backend.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, artifact, got)

	require.NoError(t, backend.Remove(ctx, "k"))

	_, err = backend.Read(ctx, "k")
	require.ErrorIs(t, err, cache.ErrMiss)
}
