package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/valkey"
)

// ErrMiss is returned by a Backend when it holds no payload for a key.
var ErrMiss = errors.New("cache miss")

// Backend holds cached artifacts. The Cache owns the index and eviction
// policy; a backend only stores and returns payloads.
type Backend interface {
	Name() string
	Read(ctx context.Context, key string) (core.Artifact, error)
	Write(ctx context.Context, key string, artifact core.Artifact, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// MemoryBackend keeps artifacts in process memory.
type MemoryBackend struct {
	mu    sync.RWMutex
	items map[string]core.Artifact
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{mu: sync.RWMutex{}, items: make(map[string]core.Artifact)}
}

// Name implements Backend.
func (m *MemoryBackend) Name() string {
	return "memory"
}

// Read implements Backend.
func (m *MemoryBackend) Read(_ context.Context, key string) (core.Artifact, error) {
	m.mu.RLock()
	artifact, ok := m.items[key]
	m.mu.RUnlock()

	if !ok {
		return core.Artifact{}, ErrMiss
	}

	return artifact.Clone(), nil
}

// Write implements Backend. Expiry is enforced by the Cache index.
func (m *MemoryBackend) Write(_ context.Context, key string, artifact core.Artifact, _ time.Duration) error {
	m.mu.Lock()
	m.items[key] = artifact.Clone()
	m.mu.Unlock()

	return nil
}

// Remove implements Backend.
func (m *MemoryBackend) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()

	return nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	return nil
}

// Len returns the number of stored payloads.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.items)
}

// ValkeyBackend stores JSON-encoded artifacts in Valkey with a native expiry,
// so several service instances share one cache.
type ValkeyBackend struct {
	client *valkey.Client
	prefix string
}

// NewValkeyBackend creates a backend under the client's "artifact" namespace.
func NewValkeyBackend(client *valkey.Client) *ValkeyBackend {
	return &ValkeyBackend{client: client, prefix: client.Key("artifact") + ":"}
}

// Name implements Backend.
func (v *ValkeyBackend) Name() string {
	return "valkey"
}

func (v *ValkeyBackend) fullKey(key string) string {
	return v.prefix + key
}

// Read implements Backend.
func (v *ValkeyBackend) Read(ctx context.Context, key string) (core.Artifact, error) {
	inner := v.client.Inner()

	data, err := inner.Do(ctx, inner.B().Get().Key(v.fullKey(key)).Build()).AsBytes()
	if err != nil {
		if valkey.IsNil(err) {
			return core.Artifact{}, ErrMiss
		}

		return core.Artifact{}, fmt.Errorf("failed to get artifact '%s' from valkey: %w", key, err)
	}

	return decodeArtifact(key, data)
}

// Write implements Backend.
func (v *ValkeyBackend) Write(ctx context.Context, key string, artifact core.Artifact, ttl time.Duration) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact '%s': %w", key, err)
	}

	inner := v.client.Inner()

	cmd := inner.B().Set().
		Key(v.fullKey(key)).
		Value(string(data)).
		Ex(ttl).
		Build()

	setErr := inner.Do(ctx, cmd).Error()
	if setErr != nil {
		return fmt.Errorf("failed to save artifact '%s' to valkey: %w", key, setErr)
	}

	return nil
}

// Remove implements Backend.
func (v *ValkeyBackend) Remove(ctx context.Context, key string) error {
	inner := v.client.Inner()

	delErr := inner.Do(ctx, inner.B().Del().Key(v.fullKey(key)).Build()).Error()
	if delErr != nil {
		return fmt.Errorf("failed to delete artifact '%s' from valkey: %w", key, delErr)
	}

	return nil
}

// Close implements Backend. The client is owned by the caller.
func (v *ValkeyBackend) Close() error {
	return nil
}

// ObjectStoreBackend stores JSON-encoded artifacts in a blob store bucket.
type ObjectStoreBackend struct {
	store core.ObjectStore
}

// NewObjectStoreBackend wraps a blob store.
func NewObjectStoreBackend(store core.ObjectStore) *ObjectStoreBackend {
	return &ObjectStoreBackend{store: store}
}

// Name implements Backend.
func (o *ObjectStoreBackend) Name() string {
	return "objectstore"
}

// Read implements Backend.
func (o *ObjectStoreBackend) Read(ctx context.Context, key string) (core.Artifact, error) {
	data, err := o.store.Download(ctx, key)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return core.Artifact{}, ErrMiss
		}

		return core.Artifact{}, fmt.Errorf("failed to download cached artifact: %w", err)
	}

	return decodeArtifact(key, data)
}

// Write implements Backend. Expiry is enforced by the Cache index and the bucket TTL.
func (o *ObjectStoreBackend) Write(ctx context.Context, key string, artifact core.Artifact, _ time.Duration) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact '%s': %w", key, err)
	}

	uploadErr := o.store.Upload(ctx, key, data)
	if uploadErr != nil {
		return fmt.Errorf("failed to upload cached artifact: %w", uploadErr)
	}

	return nil
}

// Remove implements Backend.
func (o *ObjectStoreBackend) Remove(ctx context.Context, key string) error {
	return o.store.Delete(ctx, key)
}

// Close implements Backend.
func (o *ObjectStoreBackend) Close() error {
	return nil
}

func decodeArtifact(key string, data []byte) (core.Artifact, error) {
	var artifact core.Artifact

	err := json.Unmarshal(data, &artifact)
	if err != nil {
		return core.Artifact{}, fmt.Errorf("failed to unmarshal cached artifact '%s': %w", key, err)
	}

	return artifact, nil
}
