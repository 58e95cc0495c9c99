package reconciler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/media-service/internal/cache"
	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/provider/providertest"
	"github.com/book-expert/media-service/internal/reconciler"
	"github.com/book-expert/media-service/internal/store"
	"github.com/book-expert/media-service/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDiskFull = errors.New("disk full")

type recordingResetter struct {
	mu     sync.Mutex
	resets []string
}

func (r *recordingResetter) ResetState(_ context.Context, op core.Operation, entityID, _ string) {
	r.mu.Lock()
	r.resets = append(r.resets, string(op)+"/"+entityID)
	r.mu.Unlock()
}

func (r *recordingResetter) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.resets...)
}

type failingPersister struct {
	calls atomic.Int32
	err   error
}

func (f *failingPersister) Persist(context.Context, string, core.Artifact) error {
	f.calls.Add(1)

	return f.err
}

type fixture struct {
	store    *store.Store
	cache    *cache.Cache
	video    *providertest.Fake
	resetter *recordingResetter
	rec      *reconciler.Reconciler
}

func newFixture(t *testing.T, opts ...reconciler.Option) *fixture {
	t.Helper()

	db := storetest.Open(t)
	video := providertest.NewVideo("video-a", "task-1", time.Minute)
	registry := providertest.NewRegistry(t, video)
	artifacts := cache.New(cache.NewMemoryBackend(), nil)
	resetter := &recordingResetter{mu: sync.Mutex{}, resets: nil}

	opts = append([]reconciler.Option{reconciler.WithOperations(db)}, opts...)
	rec := reconciler.New(db, registry, store.NewPersister(nil, db), artifacts, resetter, nil, opts...)

	return &fixture{store: db, cache: artifacts, video: video, resetter: resetter, rec: rec}
}

func videoTask(id string) core.GenerationTask {
	return core.GenerationTask{
		TaskID:       id,
		Provider:     "video-a",
		Status:       core.TaskStatusProcessing,
		Operation:    core.OperationVideo,
		EntityID:     "book-7",
		CacheKey:     "video-" + id,
		ResultURL:    "",
		ErrorMessage: "",
		RetryCount:   0,
		CreatedAt:    time.Time{},
		UpdatedAt:    time.Time{},
	}
}

func completed(url string) reconciler.Event {
	return reconciler.Event{Source: reconciler.SourceWebhook, Status: core.TaskStatusCompleted, ResultURL: url, Error: ""}
}

func TestTransition_CompletionPersistsThenCaches(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Register(ctx, videoTask("task-1")))

	outcome, err := f.rec.Transition(ctx, "task-1", completed("https://cdn.example/v.mp4"))
	require.NoError(t, err)
	assert.True(t, outcome.Applied)
	assert.Equal(t, core.TaskStatusCompleted, outcome.Task.Status)

	record, err := f.store.GetArtifact(ctx, "video-task-1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/v.mp4", record.URL)
	assert.Equal(t, "video-a", record.Provider)

	cached, ok := f.cache.Get(ctx, "video-task-1")
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example/v.mp4", cached.URL)

	op, err := f.store.GetOperation(ctx, core.OperationVideo, "book-7")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, op.Status)
}

func TestTransition_ReplayIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Register(ctx, videoTask("task-1")))

	var callbacks atomic.Int32

	require.NoError(t, f.rec.OnTerminal(ctx, "task-1", func(core.GenerationTask) { callbacks.Add(1) }))

	_, err := f.rec.Transition(ctx, "task-1", completed("https://cdn.example/v.mp4"))
	require.NoError(t, err)

	again, err := f.rec.Transition(ctx, "task-1", completed("https://cdn.example/v.mp4"))
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.False(t, again.Anomaly)
	assert.Equal(t, int32(1), callbacks.Load())
}

func TestTransition_ConflictingTerminalIsAnomaly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Register(ctx, videoTask("task-1")))

	_, err := f.rec.Transition(ctx, "task-1", completed("https://cdn.example/v.mp4"))
	require.NoError(t, err)

	outcome, err := f.rec.Transition(ctx, "task-1", reconciler.Event{
		Source:    reconciler.SourcePoll,
		Status:    core.TaskStatusFailed,
		ResultURL: "",
		Error:     "late failure",
	})
	require.NoError(t, err)
	assert.True(t, outcome.Anomaly)
	assert.False(t, outcome.Applied)
	assert.Equal(t, core.TaskStatusCompleted, outcome.Task.Status)
	assert.Empty(t, f.resetter.calls())
}

func TestTransition_ConcurrentReportsApplyOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Register(ctx, videoTask("task-1")))

	const reporters = 8

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)

	for i := range reporters {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			ev := completed("https://cdn.example/v.mp4")
			if n%2 == 1 {
				ev = reconciler.Event{Source: reconciler.SourcePoll, Status: core.TaskStatusFailed, ResultURL: "", Error: "boom"}
			}

			outcome, err := f.rec.Transition(ctx, "task-1", ev)
			assert.NoError(t, err)

			if outcome.Applied {
				applied.Add(1)
			}
		}(i)
	}

	wg.Wait()
	assert.Equal(t, int32(1), applied.Load())
}

func TestTransition_FailureResetsState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Register(ctx, videoTask("task-1")))

	outcome, err := f.rec.Transition(ctx, "task-1", reconciler.Event{
		Source:    reconciler.SourceWebhook,
		Status:    core.TaskStatusFailed,
		ResultURL: "",
		Error:     "content rejected",
	})
	require.NoError(t, err)
	assert.True(t, outcome.Applied)
	assert.Equal(t, "content rejected", outcome.Task.ErrorMessage)
	assert.Equal(t, []string{"video/book-7"}, f.resetter.calls())
}

func TestTransition_CompletionWithoutResultFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Register(ctx, videoTask("task-1")))

	outcome, err := f.rec.Transition(ctx, "task-1", completed(""))
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusFailed, outcome.Task.Status)
}

func TestTransition_PersistFailureKeepsTaskOpen(t *testing.T) {
	t.Parallel()

	db := storetest.Open(t)
	registry := providertest.NewRegistry(t, providertest.NewVideo("video-a", "task-1", time.Minute))
	artifacts := cache.New(cache.NewMemoryBackend(), nil)
	persister := &failingPersister{calls: atomic.Int32{}, err: errDiskFull}
	rec := reconciler.New(db, registry, persister, artifacts, nil, nil)
	ctx := context.Background()

	require.NoError(t, rec.Register(ctx, videoTask("task-1")))

	_, err := rec.Transition(ctx, "task-1", completed("https://cdn.example/v.mp4"))

	var persistErr *core.PersistenceError

	require.ErrorAs(t, err, &persistErr)
	require.ErrorIs(t, err, errDiskFull)

	task, err := db.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusProcessing, task.Status)

	_, ok := artifacts.Get(ctx, "video-task-1")
	assert.False(t, ok)
}

func TestTransition_RejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.rec.Transition(context.Background(), "task-1", reconciler.Event{Source: reconciler.SourcePoll, Status: "exploded", ResultURL: "", Error: ""})
	require.ErrorIs(t, err, reconciler.ErrInvalidStatus)
}

func TestHandleNotification_ProviderMismatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Register(ctx, videoTask("task-1")))

	_, err := f.rec.HandleNotification(ctx, reconciler.Notification{
		Provider:  "video-b",
		TaskID:    "task-1",
		Status:    core.TaskStatusCompleted,
		ResultURL: "https://evil.example/v.mp4",
		Error:     "",
	})
	require.ErrorIs(t, err, reconciler.ErrProviderMismatch)

	task, err := f.store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusProcessing, task.Status)
}

func TestHandleNotification_UnknownTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.rec.HandleNotification(context.Background(), reconciler.Notification{
		Provider:  "video-a",
		TaskID:    "missing",
		Status:    core.TaskStatusCompleted,
		ResultURL: "https://cdn.example/v.mp4",
		Error:     "",
	})
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestPoll_AppliesProviderReport(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Register(ctx, videoTask("task-1")))

	outcome, err := f.rec.Poll(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, outcome.Applied)

	f.video.SetStatus(core.StatusReport{Status: core.TaskStatusCompleted, Progress: 1, ResultURL: "https://cdn.example/v.mp4", Error: "", NotFound: false}, nil)

	outcome, err = f.rec.Poll(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, outcome.Applied)
	assert.Equal(t, core.TaskStatusCompleted, outcome.Task.Status)

	calls := f.video.StatusCalls.Load()

	_, err = f.rec.Poll(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, calls, f.video.StatusCalls.Load(), "terminal tasks are not polled")
}

func TestPoll_NotFoundIsInconclusiveUntilStuck(t *testing.T) {
	t.Parallel()

	var clock atomic.Int64

	start := time.Now()
	clock.Store(start.UnixNano())

	f := newFixture(t,
		reconciler.WithStuckAfter(10*time.Minute),
		reconciler.WithClock(func() time.Time { return time.Unix(0, clock.Load()) }),
	)
	ctx := context.Background()

	require.NoError(t, f.rec.Register(ctx, videoTask("task-1")))
	f.video.SetStatus(core.StatusReport{Status: "", Progress: 0, ResultURL: "", Error: "", NotFound: true}, nil)

	outcome, err := f.rec.Poll(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.Equal(t, core.TaskStatusProcessing, outcome.Task.Status)

	clock.Store(start.Add(11 * time.Minute).UnixNano())

	outcome, err = f.rec.Poll(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, outcome.Applied)
	assert.Equal(t, core.TaskStatusFailed, outcome.Task.Status)
}

func TestPollAll_CountsChangedTasks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Register(ctx, videoTask("task-1")))
	require.NoError(t, f.rec.Register(ctx, videoTask("task-2")))

	f.video.SetStatus(core.StatusReport{Status: core.TaskStatusFailed, Progress: 0, ResultURL: "", Error: "quota", NotFound: false}, nil)

	changed, err := f.rec.PollAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, changed)

	changed, err = f.rec.PollAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)
}

func TestWait_ReturnsOnTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Register(ctx, videoTask("task-1")))

	done := make(chan core.GenerationTask, 1)

	go func() {
		task, err := f.rec.Wait(ctx, "task-1")
		assert.NoError(t, err)

		done <- task
	}()

	require.Eventually(t, func() bool {
		_, err := f.rec.Transition(ctx, "task-1", completed("https://cdn.example/v.mp4"))

		return err == nil
	}, time.Second, 10*time.Millisecond)

	select {
	case task := <-done:
		assert.Equal(t, core.TaskStatusCompleted, task.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestWait_HonorsContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	require.NoError(t, f.rec.Register(context.Background(), videoTask("task-1")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.rec.Wait(ctx, "task-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOnTerminal_LateRegistrationRunsImmediately(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Register(ctx, videoTask("task-1")))

	_, err := f.rec.Transition(ctx, "task-1", completed("https://cdn.example/v.mp4"))
	require.NoError(t, err)

	var seen core.GenerationTask

	require.NoError(t, f.rec.OnTerminal(ctx, "task-1", func(task core.GenerationTask) { seen = task }))
	assert.Equal(t, core.TaskStatusCompleted, seen.Status)
}

func TestFailTask_ForcesFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Register(ctx, videoTask("task-1")))
	require.NoError(t, f.rec.FailTask(ctx, "task-1", "stuck"))

	task, err := f.store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusFailed, task.Status)
	assert.Equal(t, "stuck", task.ErrorMessage)
}

func TestPurgeTerminal_RespectsRetention(t *testing.T) {
	t.Parallel()

	var clock atomic.Int64

	start := time.Now()
	clock.Store(start.UnixNano())

	f := newFixture(t,
		reconciler.WithRetention(time.Hour),
		reconciler.WithClock(func() time.Time { return time.Unix(0, clock.Load()) }),
	)
	ctx := context.Background()

	require.NoError(t, f.rec.Register(ctx, videoTask("task-1")))
	require.NoError(t, f.rec.Register(ctx, videoTask("task-2")))
	require.NoError(t, f.rec.FailTask(ctx, "task-1", "gone"))

	deleted, err := f.rec.PurgeTerminal(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	clock.Store(start.Add(2 * time.Hour).UnixNano())

	deleted, err = f.rec.PurgeTerminal(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = f.store.GetTask(ctx, "task-2")
	require.NoError(t, err)
}

func TestRegister_RequiresTaskID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	err := f.rec.Register(context.Background(), videoTask(""))
	require.ErrorIs(t, err, reconciler.ErrTaskIDEmpty)
}

type gateKey struct{}

// gatedStore parks GetTask calls whose context names a gate until it opens.
type gatedStore struct {
	*store.Store

	entered chan string
	gates   map[string]chan struct{}
}

func (g *gatedStore) GetTask(ctx context.Context, taskID string) (core.GenerationTask, error) {
	if name, ok := ctx.Value(gateKey{}).(string); ok {
		g.entered <- name
		<-g.gates[name]
	}

	return g.Store.GetTask(ctx, taskID)
}

func TestOnTerminal_RacingRegistrationsEachRunOnce(t *testing.T) {
	t.Parallel()

	db := storetest.Open(t)
	gated := &gatedStore{
		Store:   db,
		entered: make(chan string, 2),
		gates:   map[string]chan struct{}{"a": make(chan struct{}), "b": make(chan struct{})},
	}
	video := providertest.NewVideo("video-a", "task-1", time.Minute)
	rec := reconciler.New(gated, providertest.NewRegistry(t, video), store.NewPersister(nil, db),
		cache.New(cache.NewMemoryBackend(), nil), nil, nil)
	ctx := context.Background()

	require.NoError(t, rec.Register(ctx, videoTask("task-1")))

	var runsA, runsB atomic.Int32

	errs := make(chan error, 2)

	go func() {
		errs <- rec.OnTerminal(context.WithValue(ctx, gateKey{}, "a"), "task-1", func(core.GenerationTask) { runsA.Add(1) })
	}()

	require.Equal(t, "a", <-gated.entered)

	_, err := rec.Transition(ctx, "task-1", completed("https://cdn.example/v.mp4"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), runsA.Load())

	go func() {
		errs <- rec.OnTerminal(context.WithValue(ctx, gateKey{}, "b"), "task-1", func(core.GenerationTask) { runsB.Add(1) })
	}()

	require.Equal(t, "b", <-gated.entered)

	close(gated.gates["a"])
	require.NoError(t, <-errs)

	close(gated.gates["b"])
	require.NoError(t, <-errs)

	assert.Equal(t, int32(1), runsA.Load())
	assert.Equal(t, int32(1), runsB.Load())
}

func TestOnTerminal_ErrorLeavesNothingRegistered(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	var runs atomic.Int32

	err := f.rec.OnTerminal(ctx, "task-1", func(core.GenerationTask) { runs.Add(1) })
	require.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, f.rec.Register(ctx, videoTask("task-1")))

	_, err = f.rec.Transition(ctx, "task-1", completed("https://cdn.example/v.mp4"))
	require.NoError(t, err)
	assert.Zero(t, runs.Load())
}
