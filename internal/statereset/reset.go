// Package statereset guarantees that a failed integration never leaves an
// entity's durable state marked in progress. It also sweeps records that
// stayed non-terminal past the stuck threshold.
package statereset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/media-service/internal/core"
)

const (
	defaultStuckAfter    = 30 * time.Minute
	defaultSweepInterval = 5 * time.Minute
)

// TaskFailer force-fails a task through the reconciler so waiters are notified.
type TaskFailer interface {
	FailTask(ctx context.Context, taskID, reason string) error
}

// Summary counts what a reset changed.
type Summary struct {
	Operations int `json:"operations"`
	Tasks      int `json:"tasks"`
	Trackers   int `json:"trackers"`
}

func (s *Summary) add(other Summary) {
	s.Operations += other.Operations
	s.Tasks += other.Tasks
	s.Trackers += other.Trackers
}

// Service resets stuck or failed integration state.
type Service struct {
	operations    core.OperationStore
	tasks         core.TaskStore
	trackers      *Trackers
	log           *logger.Logger
	stuckAfter    time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu     sync.RWMutex
	failer TaskFailer
}

// Option configures a Service.
type Option func(*Service)

// WithStuckAfter sets the age past which non-terminal records are swept.
func WithStuckAfter(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.stuckAfter = d
		}
	}
}

// WithSweepInterval sets the period of Run.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a Service. trackers may be nil.
func New(operations core.OperationStore, tasks core.TaskStore, trackers *Trackers, log *logger.Logger, opts ...Option) *Service {
	if trackers == nil {
		trackers = NewTrackers()
	}

	service := &Service{
		operations:    operations,
		tasks:         tasks,
		trackers:      trackers,
		log:           log,
		stuckAfter:    defaultStuckAfter,
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
		mu:            sync.RWMutex{},
		failer:        nil,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service
}

// SetTaskFailer installs the reconciler once it exists. Without one, tasks
// are failed directly in the store.
func (s *Service) SetTaskFailer(failer TaskFailer) {
	s.mu.Lock()
	s.failer = failer
	s.mu.Unlock()
}

// Trackers returns the progress trackers the service resets.
func (s *Service) Trackers() *Trackers {
	return s.trackers
}

// ResetState forces the operation's state for entityID out of in-progress.
// It is best effort: failures are logged, never returned, and a panic in a
// store is recovered.
func (s *Service) ResetState(ctx context.Context, op core.Operation, entityID, reason string) {
	s.resetState(ctx, op, entityID, reason)
}

func (s *Service) resetState(ctx context.Context, op core.Operation, entityID, reason string) (summary Summary) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logError("State reset for %s/%s panicked: %v", op, entityID, recovered)
		}
	}()

	if entityID == "" {
		return summary
	}

	if s.failOperation(ctx, op, entityID, reason) {
		summary.Operations++
	}

	summary.Tasks += s.failEntityTasks(ctx, op, entityID, reason)

	if s.trackers.Reset(op, entityID) {
		summary.Trackers++
	}

	if summary.Operations+summary.Tasks > 0 {
		s.logInfo("Reset %s state for entity '%s' (%d operation, %d tasks): %s",
			op, entityID, summary.Operations, summary.Tasks, reason)
	}

	return summary
}

// ResetEntity resets every operation type for entityID. It is the operator's
// bulk recovery tool.
func (s *Service) ResetEntity(ctx context.Context, entityID, reason string) Summary {
	var total Summary

	for _, op := range core.AllOperations() {
		total.add(s.resetState(ctx, op, entityID, reason))
	}

	return total
}

func (s *Service) failOperation(ctx context.Context, op core.Operation, entityID, reason string) bool {
	record, err := s.operations.GetOperation(ctx, op, entityID)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			s.logError("Failed to read %s state for entity '%s': %v", op, entityID, err)
		}

		return false
	}

	if record.Status.IsTerminal() {
		return false
	}

	record.Status = core.TaskStatusFailed
	record.Reason = reason
	record.UpdatedAt = s.now().UTC()

	upsertErr := s.operations.UpsertOperation(ctx, record)
	if upsertErr != nil {
		s.logError("Failed to reset %s state for entity '%s': %v", op, entityID, upsertErr)

		return false
	}

	return true
}

func (s *Service) failEntityTasks(ctx context.Context, op core.Operation, entityID, reason string) int {
	if s.tasks == nil {
		return 0
	}

	tasks, err := s.tasks.ListTasksByEntity(ctx, entityID)
	if err != nil {
		s.logError("Failed to list tasks for entity '%s': %v", entityID, err)

		return 0
	}

	failed := 0

	for _, task := range tasks {
		if task.Operation != op || task.Status.IsTerminal() {
			continue
		}

		if s.failTask(ctx, task, reason) {
			failed++
		}
	}

	return failed
}

func (s *Service) failTask(ctx context.Context, task core.GenerationTask, reason string) bool {
	s.mu.RLock()
	failer := s.failer
	s.mu.RUnlock()

	if failer != nil {
		err := failer.FailTask(ctx, task.TaskID, reason)
		if err != nil {
			s.logError("Failed to fail task '%s': %v", task.TaskID, err)

			return false
		}

		return true
	}

	next := task
	next.Status = core.TaskStatusFailed
	next.ErrorMessage = reason
	next.UpdatedAt = s.now().UTC()

	changed, err := s.tasks.CompareAndSwapStatus(ctx, task.TaskID, core.NonTerminalStatuses(), next)
	if err != nil {
		s.logError("Failed to fail task '%s': %v", task.TaskID, err)

		return false
	}

	return changed
}

// CleanupStuckStates force-fails operation records and tasks that stayed
// non-terminal longer than the stuck threshold. It returns how many records
// were failed.
func (s *Service) CleanupStuckStates(ctx context.Context) (int, error) {
	now := s.now().UTC()
	cutoff := now.Add(-s.stuckAfter)
	reason := fmt.Sprintf("stuck: no progress for over %s", s.stuckAfter)

	var (
		errs  []error
		count int
	)

	records, err := s.operations.ListStuckOperations(ctx, cutoff)
	if err != nil {
		errs = append(errs, err)
	}

	for _, record := range records {
		summary := s.resetState(ctx, record.Operation, record.EntityID, reason)
		count += summary.Operations + summary.Tasks
	}

	if s.tasks != nil {
		for _, status := range core.NonTerminalStatuses() {
			tasks, listErr := s.tasks.ListTasksByStatus(ctx, status, cutoff)
			if listErr != nil {
				errs = append(errs, listErr)

				continue
			}

			for _, task := range tasks {
				if s.failTask(ctx, task, reason) {
					count++
				}
			}
		}
	}

	if count > 0 {
		s.logWarn("Stuck-state sweep failed %d records older than %s", count, cutoff.Format(time.RFC3339))
	}

	return count, errors.Join(errs...)
}

// Run sweeps stuck states every sweep interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := s.CleanupStuckStates(ctx)
			if err != nil && ctx.Err() == nil {
				s.logError("Stuck-state sweep failed: %v", err)
			}
		}
	}
}

func (s *Service) logInfo(format string, args ...any) {
	if s.log != nil {
		s.log.Info(format, args...)
	}
}

func (s *Service) logWarn(format string, args ...any) {
	if s.log != nil {
		s.log.Warn(format, args...)
	}
}

func (s *Service) logError(format string, args ...any) {
	if s.log != nil {
		s.log.Error(format, args...)
	}
}
