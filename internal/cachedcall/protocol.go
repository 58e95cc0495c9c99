// Package cachedcall wraps a slow artifact producer in a fixed protocol:
// look up the cache, produce with retries on a miss, persist durably, then
// cache. Concurrent misses for one key share a single producer call.
package cachedcall

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/retry"
	"golang.org/x/sync/singleflight"
)

const persistGrace = time.Minute

var (
	// ErrEmptyKey indicates a call without a cache key.
	ErrEmptyKey = errors.New("cache key cannot be empty")
	// ErrInvalidResult indicates the producer returned an artifact that failed validation.
	ErrInvalidResult = errors.New("invalid result")
	// ErrNoProducer indicates a call without a Produce function.
	ErrNoProducer = errors.New("produce function is required")
)

// Cache is the subset of the artifact cache the protocol needs.
type Cache interface {
	Get(ctx context.Context, key string) (core.Artifact, bool)
	Put(ctx context.Context, key string, artifact core.Artifact, ttl time.Duration)
}

// Spec describes one cached call.
type Spec struct {
	Operation string
	Key       string
	Produce   func(ctx context.Context) (core.Artifact, error)
	// Persist is the durable write. It runs before the cache is updated.
	Persist  func(ctx context.Context, key string, artifact core.Artifact) error
	Validate func(artifact core.Artifact) error
	TTL      time.Duration
	// Policy overrides the protocol default when MaxAttempts is set.
	Policy retry.Policy
}

// Result is the outcome of Execute.
type Result struct {
	Artifact core.Artifact
	Key      string
	CacheHit bool
	// Shared is set when the artifact came from another caller's in-flight production.
	Shared   bool
	Attempts int
}

// Stats counts protocol outcomes.
type Stats struct {
	Hits            int64
	Misses          int64
	Shared          int64
	Produced        int64
	ProduceFailures int64
	PersistFailures int64
}

type produced struct {
	artifact  core.Artifact
	attempts  int
	fromCache bool
}

// Protocol executes cached calls. It is safe for concurrent use.
type Protocol struct {
	cache  Cache
	log    *logger.Logger
	group  singleflight.Group
	locker KeyLocker
	policy retry.Policy
	sleep  retry.SleepFunc

	hits            atomic.Int64
	misses          atomic.Int64
	shared          atomic.Int64
	produced        atomic.Int64
	produceFailures atomic.Int64
	persistFailures atomic.Int64
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithLocker adds cross-process serialization of producers.
func WithLocker(locker KeyLocker) Option {
	return func(p *Protocol) {
		p.locker = locker
	}
}

// WithPolicy sets the default retry policy.
func WithPolicy(policy retry.Policy) Option {
	return func(p *Protocol) {
		p.policy = policy
	}
}

// WithSleep replaces the backoff sleeper.
func WithSleep(sleep retry.SleepFunc) Option {
	return func(p *Protocol) {
		p.sleep = sleep
	}
}

// New creates a Protocol over cache.
func New(cache Cache, log *logger.Logger, opts ...Option) *Protocol {
	protocol := &Protocol{
		cache:  cache,
		log:    log,
		group:  singleflight.Group{},
		locker: nil,
		policy: retry.Policy{MaxAttempts: 1, PerAttemptTimeout: 0, Backoff: nil},
		sleep:  retry.Sleep,
	}

	for _, opt := range opts {
		opt(protocol)
	}

	return protocol
}

// Lookup returns a cached artifact without producing anything.
func (p *Protocol) Lookup(ctx context.Context, key string) (core.Artifact, bool) {
	artifact, ok := p.cache.Get(ctx, key)
	if ok {
		p.hits.Add(1)
	}

	return artifact, ok
}

// Execute runs the protocol for spec. A cache hit never calls Produce. A
// persistence failure is returned as *core.PersistenceError and leaves the
// cache untouched.
func (p *Protocol) Execute(ctx context.Context, spec Spec) (Result, error) {
	if spec.Key == "" {
		return Result{}, ErrEmptyKey
	}

	if spec.Produce == nil {
		return Result{}, ErrNoProducer
	}

	artifact, hit := p.cache.Get(ctx, spec.Key)
	if hit {
		p.hits.Add(1)

		return Result{Artifact: artifact, Key: spec.Key, CacheHit: true, Shared: false, Attempts: 0}, nil
	}

	p.misses.Add(1)

	// The shared production outlives any single caller: each caller only
	// stops waiting when its own context ends.
	resultCh := p.group.DoChan(spec.Key, func() (any, error) {
		produceCtx, cancel := p.detach(ctx, p.policyFor(spec))
		defer cancel()

		return p.produce(produceCtx, spec)
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-resultCh:
		if res.Shared {
			p.shared.Add(1)
		}

		if res.Err != nil {
			return Result{}, res.Err
		}

		out, _ := res.Val.(produced)

		return Result{
			Artifact: out.artifact.Clone(),
			Key:      spec.Key,
			CacheHit: out.fromCache,
			Shared:   res.Shared,
			Attempts: out.attempts,
		}, nil
	}
}

func (p *Protocol) produce(ctx context.Context, spec Spec) (produced, error) {
	if p.locker != nil {
		unlock, lockErr := p.locker.Lock(ctx, spec.Key)
		if lockErr != nil {
			if ctx.Err() != nil {
				return produced{}, ctx.Err()
			}

			p.logWarn("Producing '%s' without cross-process lock: %v", spec.Key, lockErr)
		} else {
			defer p.release(spec.Key, unlock)

			// Another process may have finished while we waited.
			artifact, hit := p.cache.Get(ctx, spec.Key)
			if hit {
				p.hits.Add(1)

				return produced{artifact: artifact, attempts: 0, fromCache: true}, nil
			}
		}
	}

	policy := p.policyFor(spec)

	operation := spec.Operation
	if operation == "" {
		operation = "produce"
	}

	artifact, stats, err := retry.Do(ctx, operation, policy,
		func(attemptCtx context.Context) (core.Artifact, error) {
			return produceOnce(attemptCtx, spec)
		},
		retry.WithLogger(p.log),
		retry.WithSleep(p.sleep),
	)
	if err != nil {
		p.produceFailures.Add(1)

		return produced{}, err
	}

	if spec.Persist != nil {
		persistErr := spec.Persist(ctx, spec.Key, artifact)
		if persistErr != nil {
			p.persistFailures.Add(1)

			return produced{}, &core.PersistenceError{Key: spec.Key, Err: persistErr}
		}
	}

	p.cache.Put(ctx, spec.Key, artifact, spec.TTL)
	p.produced.Add(1)

	return produced{artifact: artifact, attempts: stats.Attempts, fromCache: false}, nil
}

func (p *Protocol) policyFor(spec Spec) retry.Policy {
	if spec.Policy.MaxAttempts > 0 {
		return spec.Policy
	}

	return p.policy
}

// detach keeps ctx values but drops its cancellation, bounding the work by
// the retry budget plus time to persist instead.
func (p *Protocol) detach(ctx context.Context, policy retry.Policy) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)

	budget := policy.Budget()
	if budget <= 0 {
		return context.WithCancel(detached)
	}

	return context.WithTimeout(detached, budget+persistGrace)
}

func produceOnce(ctx context.Context, spec Spec) (core.Artifact, error) {
	artifact, err := spec.Produce(ctx)
	if err != nil {
		return core.Artifact{}, err
	}

	if artifact.Empty() {
		return core.Artifact{}, fmt.Errorf("%w: empty artifact", ErrInvalidResult)
	}

	if spec.Validate != nil {
		validationErr := spec.Validate(artifact)
		if validationErr != nil {
			return core.Artifact{}, fmt.Errorf("%w: %w", ErrInvalidResult, validationErr)
		}
	}

	return artifact, nil
}

func (p *Protocol) release(key string, unlock func() error) {
	err := unlock()
	if err != nil {
		p.logWarn("Failed to release lock for '%s': %v", key, err)
	}
}

// Stats returns the protocol counters.
func (p *Protocol) Stats() Stats {
	return Stats{
		Hits:            p.hits.Load(),
		Misses:          p.misses.Load(),
		Shared:          p.shared.Load(),
		Produced:        p.produced.Load(),
		ProduceFailures: p.produceFailures.Load(),
		PersistFailures: p.persistFailures.Load(),
	}
}

func (p *Protocol) logWarn(format string, args ...any) {
	if p.log != nil {
		p.log.Warn(format, args...)
	}
}

// Fingerprint derives a cache key from an operation name and its semantically
// relevant inputs. Parts are JSON encoded, so map keys are order-independent.
func Fingerprint(operation string, parts ...any) string {
	payload, err := json.Marshal(append([]any{operation}, parts...))
	if err != nil {
		payload = fmt.Appendf(nil, "%s%v", operation, parts)
	}

	sum := sha256.Sum256(payload)

	return operation + "-" + hex.EncodeToString(sum[:])
}
