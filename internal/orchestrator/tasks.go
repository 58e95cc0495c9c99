package orchestrator

import (
	"context"
	"fmt"

	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/reconciler"
)

// GetStatus returns the durable task. A task still in flight is polled once
// first; a failed poll falls back to the stored state.
func (o *Orchestrator) GetStatus(ctx context.Context, taskID string) (core.GenerationTask, error) {
	task, err := o.tasks.GetTask(ctx, taskID)
	if err != nil {
		return core.GenerationTask{}, fmt.Errorf("failed to get task status: %w", err)
	}

	if task.Status.IsTerminal() || o.tracker == nil {
		return task, nil
	}

	outcome, err := o.tracker.Poll(ctx, taskID)
	if err != nil {
		o.logWarn("On-demand poll of task '%s' failed: %v", taskID, err)

		return task, nil
	}

	return outcome.Task, nil
}

// Wait blocks until the task is terminal or ctx is done, polling it once
// first. When ctx ends first it returns the last known state with ctx.Err().
func (o *Orchestrator) Wait(ctx context.Context, taskID string) (core.GenerationTask, error) {
	task, err := o.GetStatus(ctx, taskID)
	if err != nil {
		return core.GenerationTask{}, err
	}

	if task.Status.IsTerminal() || o.tracker == nil {
		return task, nil
	}

	final, err := o.tracker.Wait(ctx, taskID)
	if err != nil {
		if ctx.Err() != nil {
			return task, ctx.Err()
		}

		return core.GenerationTask{}, fmt.Errorf("failed to wait for task '%s': %w", taskID, err)
	}

	return final, nil
}

// Cancel asks the owning provider to stop the task when it supports that,
// then fails the task. It reports whether the provider confirmed the cancel.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (bool, error) {
	task, err := o.tasks.GetTask(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel task: %w", err)
	}

	if task.Status.IsTerminal() {
		return false, fmt.Errorf("%w: '%s' is %s", ErrTaskNotCancelable, taskID, task.Status)
	}

	cancelled := false

	provider, err := o.providers.Lookup(task.Provider)
	if err == nil {
		cancelled = o.cancelUpstream(ctx, provider, taskID)
	}

	outcome, err := o.tracker.Transition(ctx, taskID, reconciler.Event{
		Source:    reconciler.SourceCancel,
		Status:    core.TaskStatusFailed,
		ResultURL: "",
		Error:     "cancelled",
	})
	if err != nil {
		return cancelled, fmt.Errorf("failed to mark task '%s' cancelled: %w", taskID, err)
	}

	if !outcome.Applied && outcome.Task.Status == core.TaskStatusCompleted {
		return false, fmt.Errorf("%w: '%s' completed before the cancel", ErrTaskNotCancelable, taskID)
	}

	return cancelled, nil
}

func (o *Orchestrator) cancelUpstream(ctx context.Context, provider core.Provider, taskID string) bool {
	canceler, ok := provider.(core.Canceler)
	if !ok || !provider.Capabilities().SupportsCancel {
		return false
	}

	cancelled, err := canceler.Cancel(ctx, taskID)
	if err != nil {
		o.logWarn("Provider '%s' could not cancel task '%s': %v", provider.Name(), taskID, err)

		return false
	}

	return cancelled
}

// Artifact returns a finished artifact by cache key, from the cache or the
// durable store.
func (o *Orchestrator) Artifact(ctx context.Context, key string) (core.Artifact, error) {
	artifact, ok := o.calls.Lookup(ctx, key)
	if ok {
		return artifact, nil
	}

	artifact, err := o.artifacts.Load(ctx, key)
	if err != nil {
		return core.Artifact{}, fmt.Errorf("failed to load artifact '%s': %w", key, err)
	}

	return artifact, nil
}
