// Package orchestrator turns a generation request into an artifact or a
// tracked asynchronous task. It picks providers by capability and priority,
// deduplicates through the cached-call protocol, and falls back across
// providers on eligible failures.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/media-service/internal/cachedcall"
	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/media"
	"github.com/book-expert/media-service/internal/reconciler"
	"github.com/book-expert/media-service/internal/retry"
	"github.com/book-expert/media-service/internal/statereset"
	"github.com/book-expert/media-service/internal/store"
)

const defaultMaxParallelChunks = 4

// Providers is the registry view the orchestrator needs.
type Providers interface {
	FallbackOrder() []string
	Get(name string) (core.Provider, error)
	Lookup(name string) (core.Provider, error)
	Descriptor(name string) (core.Descriptor, error)
	Policy(name string, base retry.Policy) retry.Policy
}

// CachedCaller runs the cached-call protocol.
type CachedCaller interface {
	Execute(ctx context.Context, spec cachedcall.Spec) (cachedcall.Result, error)
	Lookup(ctx context.Context, key string) (core.Artifact, bool)
}

// ArtifactStore persists and reloads finished artifacts.
type ArtifactStore interface {
	Persist(ctx context.Context, key string, artifact core.Artifact) error
	Load(ctx context.Context, key string) (core.Artifact, error)
}

// TaskTracker owns asynchronous tasks after submission.
type TaskTracker interface {
	Register(ctx context.Context, task core.GenerationTask) error
	Poll(ctx context.Context, taskID string) (reconciler.Outcome, error)
	Transition(ctx context.Context, taskID string, ev reconciler.Event) (reconciler.Outcome, error)
	Wait(ctx context.Context, taskID string) (core.GenerationTask, error)
}

// Resetter clears integration state after a failure.
type Resetter interface {
	ResetState(ctx context.Context, op core.Operation, entityID, reason string)
	Trackers() *statereset.Trackers
}

// Outcome is the result of Generate. Artifact is set for finished work,
// TaskID for work a provider accepted asynchronously.
type Outcome struct {
	Provider            string
	Status              core.TaskStatus
	Artifact            core.Artifact
	TaskID              string
	EstimatedCompletion time.Time
	CacheKey            string
	CacheHit            bool
	Attempts            int
}

// Orchestrator is the single entry point for generation. Create it with New.
type Orchestrator struct {
	providers  Providers
	calls      CachedCaller
	artifacts  ArtifactStore
	tasks      core.TaskStore
	operations core.OperationStore
	tracker    TaskTracker
	resetter   Resetter
	log        *logger.Logger

	policy            retry.Policy
	sleep             retry.SleepFunc
	maxParallelChunks int
	now               func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPolicy sets the base retry policy that provider settings refine.
func WithPolicy(policy retry.Policy) Option {
	return func(o *Orchestrator) {
		o.policy = policy
	}
}

// WithSleep replaces the backoff sleeper of asynchronous submissions.
func WithSleep(sleep retry.SleepFunc) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

// WithMaxParallelChunks bounds concurrent chunk synthesis.
func WithMaxParallelChunks(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxParallelChunks = n
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Deps groups the collaborators of an Orchestrator.
type Deps struct {
	Providers  Providers
	Calls      CachedCaller
	Artifacts  ArtifactStore
	Tasks      core.TaskStore
	Operations core.OperationStore
	Tracker    TaskTracker
	Resetter   Resetter
	Log        *logger.Logger
}

// New creates an Orchestrator.
func New(deps Deps, opts ...Option) *Orchestrator {
	orchestrator := &Orchestrator{
		providers:         deps.Providers,
		calls:             deps.Calls,
		artifacts:         deps.Artifacts,
		tasks:             deps.Tasks,
		operations:        deps.Operations,
		tracker:           deps.Tracker,
		resetter:          deps.Resetter,
		log:               deps.Log,
		policy:            retry.Policy{MaxAttempts: 1, PerAttemptTimeout: 0, Backoff: nil},
		sleep:             retry.Sleep,
		maxParallelChunks: defaultMaxParallelChunks,
		now:               time.Now,
	}

	for _, opt := range opts {
		opt(orchestrator)
	}

	return orchestrator
}

// Generate serves req from the cache or from the first capable provider that
// succeeds. Asynchronous providers return a task handle immediately.
func (o *Orchestrator) Generate(ctx context.Context, req core.Request) (Outcome, error) {
	err := validateRequest(req)
	if err != nil {
		return Outcome{}, err
	}

	candidates := o.candidates(req)
	if len(candidates) == 0 {
		return Outcome{}, core.NewInvalidRequest(string(req.Media), ErrNoCapableProvider.Error())
	}

	op := core.OperationFor(req.Media)
	key := Fingerprint(req)

	artifact, hit := o.calls.Lookup(ctx, key)
	if hit {
		o.logInfo("Serving %s for entity '%s' from cache", op, req.EntityID)
		o.markOperation(ctx, op, req.EntityID, core.TaskStatusCompleted)

		return Outcome{
			Provider:            artifact.Metadata[store.MetadataProvider],
			Status:              core.TaskStatusCompleted,
			Artifact:            artifact,
			TaskID:              "",
			EstimatedCompletion: time.Time{},
			CacheKey:            key,
			CacheHit:            true,
			Attempts:            0,
		}, nil
	}

	o.markOperation(ctx, op, req.EntityID, core.TaskStatusProcessing)

	failures := make([]ProviderFailure, 0, len(candidates))

	for _, candidate := range candidates {
		outcome, genErr := o.generateWith(ctx, candidate, req, key)
		if genErr == nil {
			if !outcome.Status.IsTerminal() {
				return outcome, nil
			}

			o.markOperation(ctx, op, req.EntityID, core.TaskStatusCompleted)

			return outcome, nil
		}

		failures = append(failures, ProviderFailure{Provider: candidate.Name, Err: genErr})

		if !core.IsFallbackEligible(genErr) {
			o.resetAfterFailure(ctx, op, req.EntityID, genErr)

			return Outcome{}, genErr
		}

		o.logWarn("Provider '%s' failed %s for entity '%s', falling back: %v", candidate.Name, op, req.EntityID, genErr)
	}

	aggregate := &AllProvidersFailedError{Primary: candidates[0].Name, Failures: failures}
	o.resetAfterFailure(ctx, op, req.EntityID, aggregate)

	return Outcome{}, aggregate
}

func (o *Orchestrator) generateWith(ctx context.Context, descriptor core.Descriptor, req core.Request, key string) (Outcome, error) {
	provider, err := o.providers.Get(descriptor.Name)
	if err != nil {
		return Outcome{}, core.NewProviderError(descriptor.Name, core.KindProviderUnavailable, err)
	}

	policy := o.providers.Policy(descriptor.Name, o.policy)

	if descriptor.Capabilities.Async {
		return o.submit(ctx, provider, policy, req, key)
	}

	result, err := o.calls.Execute(ctx, cachedcall.Spec{
		Operation: fmt.Sprintf("%s via %s", req.Media, descriptor.Name),
		Key:       key,
		Produce: func(attemptCtx context.Context) (core.Artifact, error) {
			return produceArtifact(attemptCtx, provider, req)
		},
		Persist:  o.artifacts.Persist,
		Validate: media.ValidateFor(req.Media),
		TTL:      0,
		Policy:   policy,
	})
	if err != nil {
		return Outcome{}, err
	}

	name := descriptor.Name
	if recorded := result.Artifact.Metadata[store.MetadataProvider]; recorded != "" {
		name = recorded
	}

	return Outcome{
		Provider:            name,
		Status:              core.TaskStatusCompleted,
		Artifact:            result.Artifact,
		TaskID:              "",
		EstimatedCompletion: time.Time{},
		CacheKey:            key,
		CacheHit:            result.CacheHit,
		Attempts:            result.Attempts,
	}, nil
}

func produceArtifact(ctx context.Context, provider core.Provider, req core.Request) (core.Artifact, error) {
	response, err := provider.Generate(ctx, req)
	if err != nil {
		return core.Artifact{}, err
	}

	if response.Pending() {
		return core.Artifact{}, core.NewProviderError(provider.Name(), core.KindUnknown,
			fmt.Errorf("synchronous provider returned task '%s'", response.TaskID))
	}

	artifact := response.Artifact

	metadata := make(map[string]string, len(artifact.Metadata)+len(response.Metadata)+1)
	maps.Copy(metadata, response.Metadata)
	maps.Copy(metadata, artifact.Metadata)
	metadata[store.MetadataProvider] = provider.Name()
	artifact.Metadata = metadata

	return artifact, nil
}

// submit starts asynchronous work and hands the task to the tracker.
func (o *Orchestrator) submit(ctx context.Context, provider core.Provider, policy retry.Policy, req core.Request, key string) (Outcome, error) {
	response, stats, err := retry.Do(ctx, fmt.Sprintf("%s via %s", req.Media, provider.Name()), policy,
		func(attemptCtx context.Context) (core.Response, error) {
			return provider.Generate(attemptCtx, req)
		},
		retry.WithLogger(o.log),
		retry.WithSleep(o.sleep),
	)
	if err != nil {
		return Outcome{}, err
	}

	if response.TaskID == "" {
		return Outcome{}, core.NewProviderError(provider.Name(), core.KindUnknown, errors.New("asynchronous provider returned no task id"))
	}

	task := core.GenerationTask{
		TaskID:       response.TaskID,
		Provider:     provider.Name(),
		Status:       core.TaskStatusProcessing,
		Operation:    core.OperationFor(req.Media),
		EntityID:     req.EntityID,
		CacheKey:     key,
		ResultURL:    "",
		ErrorMessage: "",
		RetryCount:   stats.Retries,
		CreatedAt:    time.Time{},
		UpdatedAt:    time.Time{},
	}

	err = o.tracker.Register(ctx, task)
	if err != nil {
		return Outcome{}, &core.PersistenceError{Key: key, Err: err}
	}

	return Outcome{
		Provider:            provider.Name(),
		Status:              core.TaskStatusProcessing,
		Artifact:            core.Artifact{},
		TaskID:              response.TaskID,
		EstimatedCompletion: response.EstimatedCompletion,
		CacheKey:            key,
		CacheHit:            false,
		Attempts:            stats.Attempts,
	}, nil
}

// candidates lists the enabled providers, in fallback order, whose
// capabilities cover req.
func (o *Orchestrator) candidates(req core.Request) []core.Descriptor {
	var out []core.Descriptor

	for _, name := range o.providers.FallbackOrder() {
		descriptor, err := o.providers.Descriptor(name)
		if err != nil || !descriptor.Enabled {
			continue
		}

		if satisfies(descriptor.Capabilities, req) {
			out = append(out, descriptor)
		}
	}

	return out
}

func satisfies(caps core.Capabilities, req core.Request) bool {
	if !caps.SupportsMedia(req.Media) || !caps.SupportsQuality(req.Quality) {
		return false
	}

	if caps.MaxDuration > 0 && req.Duration > caps.MaxDuration {
		return false
	}

	if caps.MaxTextLength > 0 && len([]rune(req.Input())) > caps.MaxTextLength {
		return false
	}

	return true
}

func validateRequest(req core.Request) error {
	switch req.Media {
	case core.MediaSpeech:
		if req.Text == "" {
			return core.NewInvalidRequest("text", "cannot be empty")
		}
	case core.MediaVideo:
		if req.Prompt == "" {
			return core.NewInvalidRequest("prompt", "cannot be empty")
		}
	default:
		return core.NewInvalidRequest("media", fmt.Sprintf("unsupported media %q", req.Media))
	}

	if req.Duration < 0 {
		return core.NewInvalidRequest("duration", "cannot be negative")
	}

	_, err := media.ParseQuality(string(req.Quality))
	if err != nil {
		return core.NewInvalidRequest("quality", err.Error())
	}

	return nil
}

// Fingerprint is the provider-independent cache key of req.
func Fingerprint(req core.Request) string {
	return cachedcall.Fingerprint(string(req.Media), req.Input(), req.Voice, req.Language, req.Quality, req.Duration.Seconds(), req.Options)
}

func (o *Orchestrator) markOperation(ctx context.Context, op core.Operation, entityID string, status core.TaskStatus) {
	if o.operations == nil || entityID == "" {
		return
	}

	now := o.now().UTC()
	started := time.Time{}

	if status == core.TaskStatusProcessing {
		started = now
	}

	err := o.operations.UpsertOperation(ctx, core.OperationRecord{
		Operation: op,
		EntityID:  entityID,
		Status:    status,
		Reason:    "",
		StartedAt: started,
		UpdatedAt: now,
	})
	if err != nil {
		o.logError("Failed to mark %s %s for entity '%s': %v", op, status, entityID, err)
	}
}

// resetAfterFailure runs even when the caller gave up, so durable state is
// never left in progress.
func (o *Orchestrator) resetAfterFailure(ctx context.Context, op core.Operation, entityID string, cause error) {
	if o.resetter == nil || entityID == "" {
		return
	}

	o.resetter.ResetState(context.WithoutCancel(ctx), op, entityID, cause.Error())
}

func (o *Orchestrator) logInfo(format string, args ...any) {
	if o.log != nil {
		o.log.Info(format, args...)
	}
}

func (o *Orchestrator) logWarn(format string, args ...any) {
	if o.log != nil {
		o.log.Warn(format, args...)
	}
}

func (o *Orchestrator) logError(format string, args ...any) {
	if o.log != nil {
		o.log.Error(format, args...)
	}
}
