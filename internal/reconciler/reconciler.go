// Package reconciler drives asynchronous generation tasks to a terminal state.
// Webhook notifications, polls, sweeps and cancellations all go through one
// transition function, serialized per task and linearized by a conditional
// store update, so each task completes or fails exactly once.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/store"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultRetention    = 72 * time.Hour
	defaultStuckAfter   = 30 * time.Minute
	pollConcurrency     = 4
)

var (
	// ErrInvalidStatus indicates an event with an unknown status.
	ErrInvalidStatus = errors.New("invalid task status")
	// ErrProviderMismatch indicates a notification for a task owned by another provider.
	ErrProviderMismatch = errors.New("notification provider does not own task")
	// ErrTaskIDEmpty indicates an event without a task id.
	ErrTaskIDEmpty = errors.New("task id cannot be empty")
)

// Source names where an event came from.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
	SourceSweep   Source = "sweep"
	SourceCancel  Source = "cancel"
)

// Event is a reported status change of a task.
type Event struct {
	Source    Source
	Status    core.TaskStatus
	ResultURL string
	Error     string
}

// Notification is an inbound completion push from a provider.
type Notification struct {
	Provider  string          `json:"provider,omitempty"`
	TaskID    string          `json:"task_id"`
	Status    core.TaskStatus `json:"status"`
	ResultURL string          `json:"result_url,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Outcome describes what a transition did.
type Outcome struct {
	Task core.GenerationTask
	// Applied is set when the event changed the stored task.
	Applied bool
	// Anomaly is set when a terminal task received a different terminal status.
	Anomaly bool
}

// Providers resolves the provider that owns a task.
type Providers interface {
	Lookup(name string) (core.Provider, error)
}

// Resetter clears integration state after a failure.
type Resetter interface {
	ResetState(ctx context.Context, op core.Operation, entityID, reason string)
}

// Persister durably records a finished artifact.
type Persister interface {
	Persist(ctx context.Context, key string, artifact core.Artifact) error
}

// ArtifactCache receives finished artifacts after they are persisted.
type ArtifactCache interface {
	Put(ctx context.Context, key string, artifact core.Artifact, ttl time.Duration)
}

// Callback observes a task reaching a terminal state.
type Callback func(task core.GenerationTask)

// Reconciler owns async task state. Create it with New.
type Reconciler struct {
	tasks      core.TaskStore
	operations core.OperationStore
	providers  Providers
	persister  Persister
	cache      ArtifactCache
	resetter   Resetter
	log        *logger.Logger
	locks      *keyedMutex

	pollInterval time.Duration
	retention    time.Duration
	stuckAfter   time.Duration
	now          func() time.Time

	waitMu         sync.Mutex
	waiters        map[string][]chan core.GenerationTask
	callbacks      map[string]map[uint64]Callback
	nextCallbackID uint64
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithOperations records operation completion for the task's entity.
func WithOperations(operations core.OperationStore) Option {
	return func(r *Reconciler) {
		r.operations = operations
	}
}

// WithPollInterval sets the period of Run.
func WithPollInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithRetention sets how long terminal tasks are kept.
func WithRetention(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithStuckAfter sets when a task the provider no longer knows is failed.
func WithStuckAfter(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.stuckAfter = d
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// New creates a Reconciler. cache and resetter may be nil.
func New(tasks core.TaskStore, providers Providers, persister Persister, cache ArtifactCache, resetter Resetter, log *logger.Logger, opts ...Option) *Reconciler {
	reconciler := &Reconciler{
		tasks:          tasks,
		operations:     nil,
		providers:      providers,
		persister:      persister,
		cache:          cache,
		resetter:       resetter,
		log:            log,
		locks:          newKeyedMutex(),
		pollInterval:   defaultPollInterval,
		retention:      defaultRetention,
		stuckAfter:     defaultStuckAfter,
		now:            time.Now,
		waitMu:         sync.Mutex{},
		waiters:        make(map[string][]chan core.GenerationTask),
		callbacks:      make(map[string]map[uint64]Callback),
		nextCallbackID: 0,
	}

	for _, opt := range opts {
		opt(reconciler)
	}

	return reconciler
}

// Register durably records a newly submitted task.
func (r *Reconciler) Register(ctx context.Context, task core.GenerationTask) error {
	if task.TaskID == "" {
		return ErrTaskIDEmpty
	}

	now := r.now().UTC()
	if task.Status == "" {
		task.Status = core.TaskStatusProcessing
	}

	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}

	task.UpdatedAt = now

	err := r.tasks.CreateTask(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to register task '%s': %w", task.TaskID, err)
	}

	r.logInfo("Tracking %s task '%s' on provider '%s' for entity '%s'", task.Operation, task.TaskID, task.Provider, task.EntityID)

	return nil
}

// Transition applies ev to the task. Terminal transitions happen at most
// once; replays are no-ops and conflicting terminal reports are ignored.
func (r *Reconciler) Transition(ctx context.Context, taskID string, ev Event) (Outcome, error) {
	if taskID == "" {
		return Outcome{}, ErrTaskIDEmpty
	}

	if !ev.Status.Valid() {
		return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidStatus, ev.Status)
	}

	unlock := r.locks.Lock(taskID)
	outcome, err := r.transitionLocked(ctx, taskID, ev)
	unlock()

	if err != nil {
		return outcome, err
	}

	if outcome.Applied && outcome.Task.Status == core.TaskStatusFailed && r.resetter != nil {
		r.resetter.ResetState(ctx, outcome.Task.Operation, outcome.Task.EntityID, outcome.Task.ErrorMessage)
	}

	if outcome.Applied && outcome.Task.Status.IsTerminal() {
		r.notify(outcome.Task)
	}

	return outcome, nil
}

func (r *Reconciler) transitionLocked(ctx context.Context, taskID string, ev Event) (Outcome, error) {
	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load task: %w", err)
	}

	outcome := Outcome{Task: task, Applied: false, Anomaly: false}

	if task.Status.IsTerminal() {
		if ev.Status.IsTerminal() && ev.Status != task.Status {
			outcome.Anomaly = true
			r.logWarn("Ignoring %s report '%s' for task '%s' already %s", ev.Source, ev.Status, taskID, task.Status)
		}

		return outcome, nil
	}

	switch ev.Status {
	case core.TaskStatusPending:
		return outcome, nil
	case core.TaskStatusProcessing:
		if task.Status != core.TaskStatusPending {
			return outcome, nil
		}

		next := task
		next.Status = core.TaskStatusProcessing
		next.UpdatedAt = r.now().UTC()

		return r.swap(ctx, task, next)
	case core.TaskStatusCompleted:
		if ev.ResultURL == "" {
			return r.fail(ctx, task, fmt.Sprintf("%s reported completion without a result", ev.Source))
		}

		return r.complete(ctx, task, ev)
	case core.TaskStatusFailed:
		reason := ev.Error
		if reason == "" {
			reason = fmt.Sprintf("failed (reported by %s)", ev.Source)
		}

		return r.fail(ctx, task, reason)
	default:
		return outcome, fmt.Errorf("%w: %q", ErrInvalidStatus, ev.Status)
	}
}

func (r *Reconciler) complete(ctx context.Context, task core.GenerationTask, ev Event) (Outcome, error) {
	artifact := core.Artifact{
		Payload:     nil,
		URL:         ev.ResultURL,
		ContentType: "",
		Metadata: map[string]string{
			store.MetadataProvider: task.Provider,
			"task_id":              task.TaskID,
		},
	}

	if task.CacheKey != "" && r.persister != nil {
		err := r.persister.Persist(ctx, task.CacheKey, artifact)
		if err != nil {
			// The task stays non-terminal so a replay or the next poll retries.
			return Outcome{Task: task, Applied: false, Anomaly: false}, &core.PersistenceError{Key: task.CacheKey, Err: err}
		}
	}

	next := task
	next.Status = core.TaskStatusCompleted
	next.ResultURL = ev.ResultURL
	next.ErrorMessage = ""
	next.UpdatedAt = r.now().UTC()

	outcome, err := r.swap(ctx, task, next)
	if err != nil || !outcome.Applied {
		return outcome, err
	}

	if task.CacheKey != "" && r.cache != nil {
		r.cache.Put(ctx, task.CacheKey, artifact, 0)
	}

	r.markOperation(ctx, task, core.TaskStatusCompleted, "")
	r.logInfo("Task '%s' completed via %s: %s", task.TaskID, ev.Source, ev.ResultURL)

	return outcome, nil
}

func (r *Reconciler) fail(ctx context.Context, task core.GenerationTask, reason string) (Outcome, error) {
	next := task
	next.Status = core.TaskStatusFailed
	next.ErrorMessage = reason
	next.UpdatedAt = r.now().UTC()

	outcome, err := r.swap(ctx, task, next)
	if err == nil && outcome.Applied {
		r.logWarn("Task '%s' failed: %s", task.TaskID, reason)
	}

	return outcome, err
}

// swap commits next if no other process finished the task first.
func (r *Reconciler) swap(ctx context.Context, current, next core.GenerationTask) (Outcome, error) {
	changed, err := r.tasks.CompareAndSwapStatus(ctx, current.TaskID, []core.TaskStatus{current.Status}, next)
	if err != nil {
		return Outcome{Task: current, Applied: false, Anomaly: false}, fmt.Errorf("failed to update task '%s': %w", current.TaskID, err)
	}

	if !changed {
		latest, getErr := r.tasks.GetTask(ctx, current.TaskID)
		if getErr != nil {
			return Outcome{Task: current, Applied: false, Anomaly: false}, fmt.Errorf("failed to reload task: %w", getErr)
		}

		return Outcome{Task: latest, Applied: false, Anomaly: false}, nil
	}

	return Outcome{Task: next, Applied: true, Anomaly: false}, nil
}

func (r *Reconciler) markOperation(ctx context.Context, task core.GenerationTask, status core.TaskStatus, reason string) {
	if r.operations == nil || task.EntityID == "" {
		return
	}

	err := r.operations.UpsertOperation(ctx, core.OperationRecord{
		Operation: task.Operation,
		EntityID:  task.EntityID,
		Status:    status,
		Reason:    reason,
		StartedAt: time.Time{},
		UpdatedAt: r.now().UTC(),
	})
	if err != nil {
		r.logError("Failed to record %s %s for entity '%s': %v", task.Operation, status, task.EntityID, err)
	}
}

// FailTask force-fails a task. It implements the state reset's task failer.
func (r *Reconciler) FailTask(ctx context.Context, taskID, reason string) error {
	_, err := r.Transition(ctx, taskID, Event{Source: SourceSweep, Status: core.TaskStatusFailed, ResultURL: "", Error: reason})

	return err
}

// HandleNotification applies a provider push. Replays are harmless.
func (r *Reconciler) HandleNotification(ctx context.Context, n Notification) (Outcome, error) {
	if n.TaskID == "" {
		return Outcome{}, ErrTaskIDEmpty
	}

	if n.Provider != "" {
		task, err := r.tasks.GetTask(ctx, n.TaskID)
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to load task: %w", err)
		}

		if task.Provider != n.Provider {
			return Outcome{Task: task, Applied: false, Anomaly: false},
				fmt.Errorf("%w: task '%s' belongs to '%s', not '%s'", ErrProviderMismatch, n.TaskID, task.Provider, n.Provider)
		}
	}

	return r.Transition(ctx, n.TaskID, Event{Source: SourceWebhook, Status: n.Status, ResultURL: n.ResultURL, Error: n.Error})
}

// Poll asks the owning provider for the task's status. A provider that no
// longer knows the task is inconclusive until the stuck threshold passes.
func (r *Reconciler) Poll(ctx context.Context, taskID string) (Outcome, error) {
	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load task: %w", err)
	}

	if task.Status.IsTerminal() {
		return Outcome{Task: task, Applied: false, Anomaly: false}, nil
	}

	provider, err := r.providers.Lookup(task.Provider)
	if err != nil {
		if r.stuck(task) {
			return r.Transition(ctx, taskID, Event{Source: SourcePoll, Status: core.TaskStatusFailed, ResultURL: "", Error: "provider no longer configured"})
		}

		return Outcome{Task: task, Applied: false, Anomaly: false}, err
	}

	report, err := provider.CheckStatus(ctx, taskID)
	if err != nil {
		return Outcome{Task: task, Applied: false, Anomaly: false}, fmt.Errorf("failed to check status of task '%s': %w", taskID, err)
	}

	return r.applyReport(ctx, task, report)
}

func (r *Reconciler) applyReport(ctx context.Context, task core.GenerationTask, report core.StatusReport) (Outcome, error) {
	if report.NotFound || report.Status == "" {
		if r.stuck(task) {
			return r.Transition(ctx, task.TaskID, Event{
				Source:    SourcePoll,
				Status:    core.TaskStatusFailed,
				ResultURL: "",
				Error:     fmt.Sprintf("task unknown to provider for over %s", r.stuckAfter),
			})
		}

		return Outcome{Task: task, Applied: false, Anomaly: false}, nil
	}

	return r.Transition(ctx, task.TaskID, Event{Source: SourcePoll, Status: report.Status, ResultURL: report.ResultURL, Error: report.Error})
}

func (r *Reconciler) stuck(task core.GenerationTask) bool {
	return r.now().Sub(task.UpdatedAt) > r.stuckAfter
}

// PollAll polls every non-terminal task. Providers that can list tasks are
// asked once; tasks missing from a listing are checked one by one. It
// returns the number of tasks that changed.
func (r *Reconciler) PollAll(ctx context.Context) (int, error) {
	var open []core.GenerationTask

	for _, status := range core.NonTerminalStatuses() {
		tasks, err := r.tasks.ListTasksByStatus(ctx, status, time.Time{})
		if err != nil {
			return 0, fmt.Errorf("failed to list %s tasks: %w", status, err)
		}

		open = append(open, tasks...)
	}

	byProvider := make(map[string][]core.GenerationTask)
	for _, task := range open {
		byProvider[task.Provider] = append(byProvider[task.Provider], task)
	}

	var (
		mu      sync.Mutex
		changed int
		errs    []error
	)

	record := func(outcome Outcome, err error) {
		mu.Lock()
		defer mu.Unlock()

		if err != nil {
			errs = append(errs, err)
		}

		if outcome.Applied {
			changed++
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(pollConcurrency)

	for name, tasks := range byProvider {
		listed := r.listProvider(groupCtx, name)

		for _, task := range tasks {
			group.Go(func() error {
				report, ok := listed[task.TaskID]
				if ok {
					record(r.applyReport(groupCtx, task, report))
				} else {
					record(r.Poll(groupCtx, task.TaskID))
				}

				return nil
			})
		}
	}

	_ = group.Wait()

	return changed, errors.Join(errs...)
}

func (r *Reconciler) listProvider(ctx context.Context, name string) map[string]core.StatusReport {
	provider, err := r.providers.Lookup(name)
	if err != nil {
		return nil
	}

	lister, ok := provider.(core.Lister)
	if !ok {
		return nil
	}

	reports, err := lister.ListTasks(ctx, "")
	if err != nil {
		r.logWarn("Listing tasks of '%s' failed, polling individually: %v", name, err)

		return nil
	}

	return reports
}

// PurgeTerminal deletes terminal tasks older than the retention window.
func (r *Reconciler) PurgeTerminal(ctx context.Context) (int64, error) {
	deleted, err := r.tasks.DeleteTerminalTasks(ctx, r.now().UTC().Add(-r.retention))
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal tasks: %w", err)
	}

	if deleted > 0 {
		r.logInfo("Purged %d terminal tasks older than %s", deleted, r.retention)
	}

	return deleted, nil
}

// Run polls open tasks and purges old ones every poll interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := r.PollAll(ctx)
			if err != nil && ctx.Err() == nil {
				r.logWarn("Poll cycle finished with errors: %v", err)
			}

			_, purgeErr := r.PurgeTerminal(ctx)
			if purgeErr != nil && ctx.Err() == nil {
				r.logError("%v", purgeErr)
			}
		}
	}
}

// Wait blocks until the task is terminal or ctx is done.
func (r *Reconciler) Wait(ctx context.Context, taskID string) (core.GenerationTask, error) {
	ch := make(chan core.GenerationTask, 1)

	r.waitMu.Lock()
	r.waiters[taskID] = append(r.waiters[taskID], ch)
	r.waitMu.Unlock()

	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		r.dropWaiter(taskID, ch)

		return core.GenerationTask{}, fmt.Errorf("failed to load task: %w", err)
	}

	if task.Status.IsTerminal() {
		r.dropWaiter(taskID, ch)

		return task, nil
	}

	select {
	case <-ctx.Done():
		r.dropWaiter(taskID, ch)

		return task, ctx.Err()
	case final := <-ch:
		return final, nil
	}
}

func (r *Reconciler) dropWaiter(taskID string, ch chan core.GenerationTask) {
	r.waitMu.Lock()
	defer r.waitMu.Unlock()

	waiters := r.waiters[taskID]
	for i, waiter := range waiters {
		if waiter == ch {
			r.waiters[taskID] = append(waiters[:i], waiters[i+1:]...)

			break
		}
	}

	if len(r.waiters[taskID]) == 0 {
		delete(r.waiters, taskID)
	}
}

// OnTerminal registers callback for the task's terminal transition. It runs
// exactly once; if the task is already terminal it runs before OnTerminal
// returns. On error the callback is not registered.
func (r *Reconciler) OnTerminal(ctx context.Context, taskID string, callback Callback) error {
	r.waitMu.Lock()
	r.nextCallbackID++
	id := r.nextCallbackID

	if r.callbacks[taskID] == nil {
		r.callbacks[taskID] = make(map[uint64]Callback)
	}

	r.callbacks[taskID][id] = callback
	r.waitMu.Unlock()

	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		r.claimCallback(taskID, id)

		return fmt.Errorf("failed to load task: %w", err)
	}

	if !task.Status.IsTerminal() {
		return nil
	}

	// Whoever removes the callback runs it: this call or a concurrent notify.
	if r.claimCallback(taskID, id) {
		callback(task)
	}

	return nil
}

// claimCallback unregisters callback id and reports whether it was still registered.
func (r *Reconciler) claimCallback(taskID string, id uint64) bool {
	r.waitMu.Lock()
	defer r.waitMu.Unlock()

	callbacks, ok := r.callbacks[taskID]
	if !ok {
		return false
	}

	_, claimed := callbacks[id]
	delete(callbacks, id)

	if len(callbacks) == 0 {
		delete(r.callbacks, taskID)
	}

	return claimed
}

func (r *Reconciler) notify(task core.GenerationTask) {
	r.waitMu.Lock()
	waiters := r.waiters[task.TaskID]
	callbacks := r.callbacks[task.TaskID]
	delete(r.waiters, task.TaskID)
	delete(r.callbacks, task.TaskID)
	r.waitMu.Unlock()

	for _, ch := range waiters {
		ch <- task
	}

	for _, id := range slices.Sorted(maps.Keys(callbacks)) {
		callbacks[id](task)
	}
}

func (r *Reconciler) logInfo(format string, args ...any) {
	if r.log != nil {
		r.log.Info(format, args...)
	}
}

func (r *Reconciler) logWarn(format string, args ...any) {
	if r.log != nil {
		r.log.Warn(format, args...)
	}
}

func (r *Reconciler) logError(format string, args ...any) {
	if r.log != nil {
		r.log.Error(format, args...)
	}
}
