package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/media-service/internal/cache"
	"github.com/book-expert/media-service/internal/cachedcall"
	"github.com/book-expert/media-service/internal/config"
	"github.com/book-expert/media-service/internal/objectstore"
	"github.com/book-expert/media-service/internal/orchestrator"
	"github.com/book-expert/media-service/internal/provider"
	"github.com/book-expert/media-service/internal/reconciler"
	"github.com/book-expert/media-service/internal/retry"
	"github.com/book-expert/media-service/internal/statereset"
	"github.com/book-expert/media-service/internal/store"
	"github.com/book-expert/media-service/internal/valkey"
	"github.com/nats-io/nats.go"
)

const providerHTTPTimeout = 5 * time.Minute

// app holds every long-lived component of the service.
type app struct {
	cfg            *config.Config
	log            *logger.Logger
	natsConnection *nats.Conn
	db             *store.Store
	valkeyClient   *valkey.Client
	cache          *cache.Cache
	registry       *provider.Registry
	resetter       *statereset.Service
	reconciler     *reconciler.Reconciler
	orchestrator   *orchestrator.Orchestrator
}

// newRegistry configures and health-checks every provider in cfg.
func newRegistry(ctx context.Context, cfg *config.Config, log *logger.Logger) (*provider.Registry, error) {
	registry := provider.NewRegistry(log, provider.WithDeps(provider.Deps{
		Log:            log,
		HTTPClient:     &http.Client{Timeout: providerHTTPTimeout},
		WebhookBaseURL: cfg.Webhook.PublicURL,
	}))
	provider.RegisterBuiltins(registry)

	err := registry.ConfigureAll(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure providers: %w", err)
	}

	return registry, nil
}

func retryPolicy(cfg config.RetryConfig) (retry.Policy, error) {
	policy := retry.Policy{
		MaxAttempts:       cfg.MaxAttempts,
		PerAttemptTimeout: cfg.PerAttemptTimeout(),
		Backoff:           cfg.Backoff(),
	}

	err := policy.Validate()
	if err != nil {
		return retry.Policy{}, fmt.Errorf("invalid retry configuration: %w", err)
	}

	return policy, nil
}

// newApp connects to NATS, the database and the cache backend and wires the
// services together. On error everything opened so far is closed.
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}

	defer func() {
		if err != nil {
			a.close()
		}
	}()

	policy, err := retryPolicy(cfg.Retry)
	if err != nil {
		return nil, err
	}

	a.natsConnection, err = nats.Connect(cfg.NATS.URL, nats.Name("media-service"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	jetstreamContext, err := a.natsConnection.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	artifacts, err := objectstore.New(jetstreamContext, cfg.NATS.ArtifactObjectStoreBucket)
	if err != nil {
		return nil, err
	}

	a.db, err = store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	backend, err := a.cacheBackend(jetstreamContext)
	if err != nil {
		return nil, err
	}

	a.cache = cache.New(backend, log,
		cache.WithTTL(cfg.Cache.TTL()),
		cache.WithMaxBytes(cfg.Cache.MaxBytes),
		cache.WithShards(cfg.Cache.Shards),
		cache.WithSweepInterval(cfg.Cache.SweepInterval()),
	)

	protocolOpts := []cachedcall.Option{cachedcall.WithPolicy(policy)}
	if cfg.Cache.LocksDir != "" {
		protocolOpts = append(protocolOpts, cachedcall.WithLocker(cachedcall.NewFileLocker(cfg.Cache.LocksDir)))
	}

	calls := cachedcall.New(a.cache, log, protocolOpts...)

	a.registry, err = newRegistry(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	persister := store.NewPersister(artifacts, a.db)

	a.resetter = statereset.New(a.db, a.db, statereset.NewTrackers(), log,
		statereset.WithStuckAfter(cfg.StateReset.StuckAfter()),
		statereset.WithSweepInterval(cfg.StateReset.SweepInterval()),
	)

	a.reconciler = reconciler.New(a.db, a.registry, persister, a.cache, a.resetter, log,
		reconciler.WithOperations(a.db),
		reconciler.WithPollInterval(cfg.Reconciler.PollInterval()),
		reconciler.WithRetention(cfg.Reconciler.Retention()),
		reconciler.WithStuckAfter(cfg.StateReset.StuckAfter()),
	)
	a.resetter.SetTaskFailer(a.reconciler)

	a.orchestrator = orchestrator.New(orchestrator.Deps{
		Providers:  a.registry,
		Calls:      calls,
		Artifacts:  persister,
		Tasks:      a.db,
		Operations: a.db,
		Tracker:    a.reconciler,
		Resetter:   a.resetter,
		Log:        log,
	},
		orchestrator.WithPolicy(policy),
		orchestrator.WithMaxParallelChunks(cfg.Orchestrator.MaxParallelChunks),
	)

	return a, nil
}

func (a *app) cacheBackend(jetstreamContext nats.JetStreamContext) (cache.Backend, error) {
	switch a.cfg.Cache.Backend {
	case config.CacheBackendValkey:
		client, err := valkey.NewClient(valkey.Config{
			Address:        a.cfg.Valkey.Address,
			Password:       a.cfg.Valkey.Password,
			DB:             a.cfg.Valkey.DB,
			KeyPrefix:      a.cfg.Valkey.KeyPrefix,
			ConnectTimeout: a.cfg.Valkey.ConnectTimeout(),
		})
		if err != nil {
			return nil, err
		}

		a.valkeyClient = client

		return cache.NewValkeyBackend(client), nil
	case config.CacheBackendObjectStore:
		blobs, err := objectstore.NewWithOptions(jetstreamContext, a.cfg.NATS.CacheObjectStoreBucket, objectstore.Options{
			TTL:      a.cfg.Cache.TTL(),
			MaxBytes: a.cfg.Cache.MaxBytes,
		})
		if err != nil {
			return nil, err
		}

		return cache.NewObjectStoreBackend(blobs), nil
	default:
		return cache.NewMemoryBackend(), nil
	}
}

// close releases everything in reverse order of creation.
func (a *app) close() {
	var errs []error

	if a.registry != nil {
		errs = append(errs, a.registry.Shutdown())
	}

	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}

	if a.valkeyClient != nil {
		a.valkeyClient.Close()
	}

	if a.db != nil {
		errs = append(errs, a.db.Close())
	}

	if a.natsConnection != nil {
		errs = append(errs, a.natsConnection.Drain())
	}

	err := errors.Join(errs...)
	if err != nil {
		a.log.Error("Errors while shutting down: %v", err)
	}
}
