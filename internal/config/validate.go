package config

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrProviderNameEmpty indicates a [[providers]] entry without a name.
	ErrProviderNameEmpty = errors.New("provider name cannot be empty")
	// ErrUnknownProviderKind indicates a provider kind no adapter implements.
	ErrUnknownProviderKind = errors.New("unknown provider kind")
	// ErrProviderBlockMissing indicates the kind-specific block is absent.
	ErrProviderBlockMissing = errors.New("provider block missing")
	// ErrProviderKindMismatch indicates a block for a different kind is populated.
	ErrProviderKindMismatch = errors.New("provider kind mismatch")
	// ErrDuplicateProvider indicates two providers share a name.
	ErrDuplicateProvider = errors.New("duplicate provider name")
	// ErrActiveProviderUnknown indicates active_provider names no configured provider.
	ErrActiveProviderUnknown = errors.New("active provider is not configured")
	// ErrFallbackProviderUnknown indicates fallback_order names no configured provider.
	ErrFallbackProviderUnknown = errors.New("fallback provider is not configured")
	// ErrBackoffDecreasing indicates a backoff schedule that shrinks between attempts.
	ErrBackoffDecreasing = errors.New("backoff schedule must be non-decreasing")
	// ErrUnknownCacheBackend indicates an unsupported cache backend.
	ErrUnknownCacheBackend = errors.New("unknown cache backend")
	// ErrRequiredField indicates a missing required value.
	ErrRequiredField = errors.New("required field missing")
	// ErrNegativeValue indicates a negative count or duration.
	ErrNegativeValue = errors.New("value must be non-negative")
)

// Cache backend names.
const (
	CacheBackendMemory      = "memory"
	CacheBackendValkey      = "valkey"
	CacheBackendObjectStore = "objectstore"
)

// Defaults.
const (
	defaultNATSURL              = "nats://127.0.0.1:4222"
	defaultGenerateSubject      = "media.generate"
	defaultStatusSubject        = "media.status"
	defaultCompletionSubject    = "media.completion"
	defaultEventsSubject        = "media.events"
	defaultArtifactBucket       = "MEDIA_ARTIFACTS"
	defaultCacheBucket          = "MEDIA_CACHE"
	defaultHandleTimeoutSeconds = 30
	defaultDatabaseDriver       = "sqlite"
	defaultDatabaseName         = "media-service.db"
	defaultValkeyPrefix         = "media:"
	defaultValkeyConnectTimeout = 5
	defaultCacheTTLSeconds      = 24 * 60 * 60
	defaultCacheMaxBytes        = 512 * 1024 * 1024
	defaultCacheSweepSeconds    = 60
	defaultCacheShards          = 16
	defaultMaxAttempts          = 3
	defaultAttemptTimeout       = 120
	defaultPollIntervalSeconds  = 15
	defaultRetentionHours       = 72
	defaultStuckAfterSeconds    = 30 * 60
	defaultResetSweepSeconds    = 5 * 60
	defaultWebhookListenAddr    = ":8085"
	defaultMaxParallelChunks    = 4
	defaultLogsDir              = "logs"
)

// ApplyDefaults fills every zero value that has a sensible default.
func (c *Config) ApplyDefaults() {
	setString(&c.NATS.URL, defaultNATSURL)
	setString(&c.NATS.GenerateSubject, defaultGenerateSubject)
	setString(&c.NATS.StatusSubject, defaultStatusSubject)
	setString(&c.NATS.CompletionSubject, defaultCompletionSubject)
	setString(&c.NATS.EventsSubject, defaultEventsSubject)
	setString(&c.NATS.ArtifactObjectStoreBucket, defaultArtifactBucket)
	setString(&c.NATS.CacheObjectStoreBucket, defaultCacheBucket)
	setInt(&c.NATS.HandleTimeoutSeconds, defaultHandleTimeoutSeconds)

	setString(&c.Database.Driver, defaultDatabaseDriver)
	setString(&c.Database.Name, defaultDatabaseName)

	setString(&c.Valkey.KeyPrefix, defaultValkeyPrefix)
	setInt(&c.Valkey.ConnectTimeoutSeconds, defaultValkeyConnectTimeout)

	setString(&c.Cache.Backend, CacheBackendMemory)
	setInt(&c.Cache.TTLSeconds, defaultCacheTTLSeconds)
	setInt(&c.Cache.SweepIntervalSeconds, defaultCacheSweepSeconds)
	setInt(&c.Cache.Shards, defaultCacheShards)

	if c.Cache.MaxBytes == 0 {
		c.Cache.MaxBytes = defaultCacheMaxBytes
	}

	setInt(&c.Retry.MaxAttempts, defaultMaxAttempts)
	setInt(&c.Retry.PerAttemptTimeoutSeconds, defaultAttemptTimeout)

	if len(c.Retry.BackoffMillis) == 0 {
		c.Retry.BackoffMillis = []int{1000, 2000, 4000}
	}

	setInt(&c.Reconciler.PollIntervalSeconds, defaultPollIntervalSeconds)
	setInt(&c.Reconciler.RetentionHours, defaultRetentionHours)
	setInt(&c.StateReset.StuckAfterSeconds, defaultStuckAfterSeconds)
	setInt(&c.StateReset.SweepIntervalSeconds, defaultResetSweepSeconds)
	setString(&c.Webhook.ListenAddr, defaultWebhookListenAddr)
	setInt(&c.Orchestrator.MaxParallelChunks, defaultMaxParallelChunks)
	setString(&c.Paths.BaseLogsDir, defaultLogsDir)
}

// Validate checks cross-field consistency after defaults are applied.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Providers))

	for _, p := range c.Providers {
		err := p.Validate()
		if err != nil {
			return err
		}

		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("%w: '%s'", ErrDuplicateProvider, p.Name)
		}

		seen[p.Name] = struct{}{}
	}

	if c.Orchestrator.ActiveProvider != "" {
		if _, ok := seen[c.Orchestrator.ActiveProvider]; !ok {
			return fmt.Errorf("%w: '%s'", ErrActiveProviderUnknown, c.Orchestrator.ActiveProvider)
		}
	}

	for _, name := range c.Orchestrator.FallbackOrder {
		if _, ok := seen[name]; !ok {
			return fmt.Errorf("%w: '%s'", ErrFallbackProviderUnknown, name)
		}
	}

	if !slices.IsSorted(c.Retry.BackoffMillis) {
		return fmt.Errorf("%w: %v", ErrBackoffDecreasing, c.Retry.BackoffMillis)
	}

	switch c.Cache.Backend {
	case CacheBackendMemory, CacheBackendObjectStore:
	case CacheBackendValkey:
		if c.Valkey.Address == "" {
			return fmt.Errorf("%w: valkey.address for cache backend 'valkey'", ErrRequiredField)
		}
	default:
		return fmt.Errorf("%w: '%s'", ErrUnknownCacheBackend, c.Cache.Backend)
	}

	if c.Cache.MaxBytes < 0 || c.Retry.MaxAttempts < 0 {
		return ErrNegativeValue
	}

	return nil
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}
