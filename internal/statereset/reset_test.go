package statereset_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/statereset"
	"github.com/book-expert/media-service/internal/store"
	"github.com/book-expert/media-service/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store down")

// recordingFailer records FailTask calls and fails them in the store.
type recordingFailer struct {
	store *store.Store

	mu    sync.Mutex
	calls []string
}

func (r *recordingFailer) FailTask(ctx context.Context, taskID, reason string) error {
	r.mu.Lock()
	r.calls = append(r.calls, taskID)
	r.mu.Unlock()

	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	task.Status = core.TaskStatusFailed
	task.ErrorMessage = reason
	_, err = r.store.CompareAndSwapStatus(ctx, taskID, core.NonTerminalStatuses(), task)

	return err
}

// brokenOperations fails every call.
type brokenOperations struct{}

func (brokenOperations) UpsertOperation(context.Context, core.OperationRecord) error {
	return errStoreDown
}

func (brokenOperations) GetOperation(context.Context, core.Operation, string) (core.OperationRecord, error) {
	return core.OperationRecord{}, errStoreDown
}

func (brokenOperations) ListStuckOperations(context.Context, time.Time) ([]core.OperationRecord, error) {
	return nil, errStoreDown
}

func (brokenOperations) ListOperationsByEntity(context.Context, string) ([]core.OperationRecord, error) {
	return nil, errStoreDown
}

// panickingOperations panics on read.
type panickingOperations struct {
	brokenOperations
}

func (panickingOperations) GetOperation(context.Context, core.Operation, string) (core.OperationRecord, error) {
	panic("driver exploded")
}

func task(id, entity string, op core.Operation, status core.TaskStatus, at time.Time) core.GenerationTask {
	return core.GenerationTask{
		TaskID:       id,
		Provider:     "video-a",
		Status:       status,
		Operation:    op,
		EntityID:     entity,
		CacheKey:     "key-" + id,
		ResultURL:    "",
		ErrorMessage: "",
		RetryCount:   0,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

func processing(op core.Operation, entity string, at time.Time) core.OperationRecord {
	return core.OperationRecord{
		Operation: op,
		EntityID:  entity,
		Status:    core.TaskStatusProcessing,
		Reason:    "",
		StartedAt: at,
		UpdatedAt: at,
	}
}

func TestResetState_FailsOperationTasksAndTracker(t *testing.T) {
	t.Parallel()

	db := storetest.Open(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.UpsertOperation(ctx, processing(core.OperationVideo, "book-1", now)))
	require.NoError(t, db.CreateTask(ctx, task("t1", "book-1", core.OperationVideo, core.TaskStatusProcessing, now)))
	require.NoError(t, db.CreateTask(ctx, task("t2", "book-1", core.OperationSpeech, core.TaskStatusProcessing, now)))

	service := statereset.New(db, db, nil, nil)
	service.Trackers().Get(core.OperationVideo, "book-1").Start(3)

	service.ResetState(ctx, core.OperationVideo, "book-1", "all providers failed")

	record, err := db.GetOperation(ctx, core.OperationVideo, "book-1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusFailed, record.Status)
	assert.Equal(t, "all providers failed", record.Reason)

	videoTask, err := db.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusFailed, videoTask.Status)

	speechTask, err := db.GetTask(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusProcessing, speechTask.Status, "other operations are untouched")

	_, ok := service.Trackers().Lookup(core.OperationVideo, "book-1")
	assert.False(t, ok, "reset drops the tracker")
	assert.Zero(t, service.Trackers().Len())
}

func TestResetState_LeavesTerminalRecordsAlone(t *testing.T) {
	t.Parallel()

	db := storetest.Open(t)
	ctx := context.Background()
	now := time.Now().UTC()

	done := processing(core.OperationSpeech, "book-1", now)
	done.Status = core.TaskStatusCompleted
	require.NoError(t, db.UpsertOperation(ctx, done))

	statereset.New(db, db, nil, nil).ResetState(ctx, core.OperationSpeech, "book-1", "late failure")

	record, err := db.GetOperation(ctx, core.OperationSpeech, "book-1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, record.Status)
}

func TestResetState_UsesTaskFailer(t *testing.T) {
	t.Parallel()

	db := storetest.Open(t)
	ctx := context.Background()

	require.NoError(t, db.CreateTask(ctx, task("t1", "book-1", core.OperationVideo, core.TaskStatusPending, time.Now().UTC())))

	failer := &recordingFailer{store: db, mu: sync.Mutex{}, calls: nil}
	service := statereset.New(db, db, nil, nil)
	service.SetTaskFailer(failer)

	service.ResetState(ctx, core.OperationVideo, "book-1", "cancelled")

	assert.Equal(t, []string{"t1"}, failer.calls)
}

func TestResetState_NeverPanicsOrFails(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		statereset.New(brokenOperations{}, nil, nil, nil).ResetState(context.Background(), core.OperationSpeech, "x", "r")
	})
	assert.NotPanics(t, func() {
		statereset.New(panickingOperations{}, nil, nil, nil).ResetState(context.Background(), core.OperationSpeech, "x", "r")
	})
}

func TestResetEntity_AllOperations(t *testing.T) {
	t.Parallel()

	db := storetest.Open(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, op := range core.AllOperations() {
		require.NoError(t, db.UpsertOperation(ctx, processing(op, "book-9", now)))
	}

	require.NoError(t, db.CreateTask(ctx, task("t9", "book-9", core.OperationVideo, core.TaskStatusProcessing, now)))

	summary := statereset.New(db, db, nil, nil).ResetEntity(ctx, "book-9", "operator reset")

	assert.Equal(t, len(core.AllOperations()), summary.Operations)
	assert.Equal(t, 1, summary.Tasks)

	records, err := db.ListOperationsByEntity(ctx, "book-9")
	require.NoError(t, err)

	for _, record := range records {
		assert.Equal(t, core.TaskStatusFailed, record.Status)
	}
}

func TestCleanupStuckStates_FailsOnlyOldRecords(t *testing.T) {
	t.Parallel()

	db := storetest.Open(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-2 * time.Hour)

	require.NoError(t, db.UpsertOperation(ctx, processing(core.OperationSpeech, "stale", old)))
	require.NoError(t, db.UpsertOperation(ctx, processing(core.OperationSpeech, "fresh", now)))
	require.NoError(t, db.CreateTask(ctx, task("old-task", "other", core.OperationVideo, core.TaskStatusProcessing, old)))
	require.NoError(t, db.CreateTask(ctx, task("new-task", "other", core.OperationVideo, core.TaskStatusProcessing, now)))

	service := statereset.New(db, db, nil, nil, statereset.WithStuckAfter(time.Hour), statereset.WithClock(func() time.Time { return now }))

	count, err := service.CleanupStuckStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	stale, err := db.GetOperation(ctx, core.OperationSpeech, "stale")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusFailed, stale.Status)
	assert.Contains(t, stale.Reason, "stuck")

	fresh, err := db.GetOperation(ctx, core.OperationSpeech, "fresh")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusProcessing, fresh.Status)

	oldTask, err := db.GetTask(ctx, "old-task")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusFailed, oldTask.Status)

	newTask, err := db.GetTask(ctx, "new-task")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusProcessing, newTask.Status)

	count, err = service.CleanupStuckStates(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCleanupStuckStates_ReportsListFailure(t *testing.T) {
	t.Parallel()

	_, err := statereset.New(brokenOperations{}, nil, nil, nil).CleanupStuckStates(context.Background())
	require.ErrorIs(t, err, errStoreDown)
}

func TestProgressTracker(t *testing.T) {
	t.Parallel()

	trackers := statereset.NewTrackers()
	tracker := trackers.Get(core.OperationChunkedSpeech, "book-1")

	tracker.Start(2)
	assert.Equal(t, 1, tracker.Advance())
	assert.Equal(t, 2, tracker.Advance())
	assert.Equal(t, 2, tracker.Advance(), "never exceeds total")
	assert.True(t, tracker.Snapshot().Complete())

	assert.Same(t, tracker, trackers.Get(core.OperationChunkedSpeech, "book-1"))
	assert.True(t, trackers.Reset(core.OperationChunkedSpeech, "book-1"))
	assert.False(t, trackers.Reset(core.OperationChunkedSpeech, "book-2"))
	assert.Zero(t, tracker.Snapshot().Total)
	assert.Zero(t, trackers.Len())

	_, ok := trackers.Lookup(core.OperationSpeech, "book-1")
	assert.False(t, ok)

	next := trackers.Get(core.OperationChunkedSpeech, "book-1")
	assert.NotSame(t, tracker, next)

	trackers.Get(core.OperationChunkedSpeech, "book-2")
	assert.Equal(t, 2, trackers.Len())

	trackers.Release(core.OperationChunkedSpeech, "book-1")
	trackers.Release(core.OperationChunkedSpeech, "book-2")
	assert.Zero(t, trackers.Len())
}
