package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/book-expert/media-service/internal/config"
	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/natstest"
	"github.com/book-expert/media-service/internal/objectstore"
	"github.com/book-expert/media-service/internal/store"
	"github.com/book-expert/media-service/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()

	return storetest.Open(t)
}

func newTask(id string, status core.TaskStatus, updated time.Time) core.GenerationTask {
	return core.GenerationTask{
		TaskID:       id,
		Provider:     "video-a",
		Status:       status,
		Operation:    core.OperationVideo,
		EntityID:     "entity-1",
		CacheKey:     "video-" + id,
		ResultURL:    "",
		ErrorMessage: "",
		RetryCount:   0,
		CreatedAt:    updated,
		UpdatedAt:    updated,
	}
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := store.Open(context.Background(), config.DatabaseConfig{Driver: "oracle"})
	require.ErrorIs(t, err, store.ErrUnsupportedDriver)
}

func TestTasks_CompareAndSwapAppliesOnce(t *testing.T) {
	t.Parallel()

	db := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, db.CreateTask(ctx, newTask("t1", core.TaskStatusProcessing, now)))

	next := newTask("t1", core.TaskStatusCompleted, now.Add(time.Minute))
	next.ResultURL = "https://cdn.example/t1.mp4"

	changed, err := db.CompareAndSwapStatus(ctx, "t1", core.NonTerminalStatuses(), next)
	require.NoError(t, err)
	assert.True(t, changed)

	failed := newTask("t1", core.TaskStatusFailed, now.Add(2*time.Minute))

	changed, err = db.CompareAndSwapStatus(ctx, "t1", core.NonTerminalStatuses(), failed)
	require.NoError(t, err)
	assert.False(t, changed)

	stored, err := db.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, stored.Status)
	assert.Equal(t, "https://cdn.example/t1.mp4", stored.ResultURL)
	assert.Equal(t, "video-t1", stored.CacheKey)
}

func TestTasks_ListAndPurge(t *testing.T) {
	t.Parallel()

	db := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.CreateTask(ctx, newTask("old", core.TaskStatusProcessing, now.Add(-2*time.Hour))))
	require.NoError(t, db.CreateTask(ctx, newTask("fresh", core.TaskStatusProcessing, now)))
	require.NoError(t, db.CreateTask(ctx, newTask("done", core.TaskStatusCompleted, now.Add(-3*time.Hour))))

	stuck, err := db.ListTasksByStatus(ctx, core.TaskStatusProcessing, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "old", stuck[0].TaskID)

	all, err := db.ListTasksByStatus(ctx, core.TaskStatusProcessing, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byEntity, err := db.ListTasksByEntity(ctx, "entity-1")
	require.NoError(t, err)
	assert.Len(t, byEntity, 3)

	purged, err := db.DeleteTerminalTasks(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = db.GetTask(ctx, "done")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestOperations_UpsertAndListStuck(t *testing.T) {
	t.Parallel()

	db := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.UpsertOperation(ctx, core.OperationRecord{
		Operation: core.OperationSpeech,
		EntityID:  "e1",
		Status:    core.TaskStatusProcessing,
		Reason:    "",
		StartedAt: now.Add(-time.Hour),
		UpdatedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, db.UpsertOperation(ctx, core.OperationRecord{
		Operation: core.OperationVideo,
		EntityID:  "e1",
		Status:    core.TaskStatusCompleted,
		Reason:    "",
		StartedAt: now.Add(-time.Hour),
		UpdatedAt: now.Add(-time.Hour),
	}))

	stuck, err := db.ListStuckOperations(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, core.OperationSpeech, stuck[0].Operation)

	require.NoError(t, db.UpsertOperation(ctx, core.OperationRecord{
		Operation: core.OperationSpeech,
		EntityID:  "e1",
		Status:    core.TaskStatusFailed,
		Reason:    "stuck",
		StartedAt: time.Time{},
		UpdatedAt: now,
	}))

	record, err := db.GetOperation(ctx, core.OperationSpeech, "e1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusFailed, record.Status)
	assert.Equal(t, "stuck", record.Reason)
	assert.WithinDuration(t, now.Add(-time.Hour), record.StartedAt, time.Second)

	records, err := db.ListOperationsByEntity(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, records, 2)

	_, err = db.GetOperation(ctx, core.OperationChunkedSpeech, "e1")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestPersister_WritesBlobThenRecord(t *testing.T) {
	t.Parallel()

	db := openStore(t)
	_, jetstreamContext := natstest.JetStream(t)

	blobs, err := objectstore.New(jetstreamContext, "persist-test")
	require.NoError(t, err)

	persister := store.NewPersister(blobs, db)
	ctx := context.Background()

	artifact := core.Artifact{
		Payload:     []byte("RIFFxxxxWAVE"),
		URL:         "",
		ContentType: "audio/wav",
		Metadata:    map[string]string{store.MetadataProvider: "speech-a", "voice": "female1"},
	}

	require.NoError(t, persister.Persist(ctx, "speech-key", artifact))

	record, err := db.GetArtifact(ctx, "speech-key")
	require.NoError(t, err)
	assert.Equal(t, "speech-a", record.Provider)
	assert.Equal(t, "speech-key", record.ObjectKey)
	assert.Equal(t, int64(12), record.SizeBytes)
	assert.Equal(t, "female1", record.Metadata["voice"])

	loaded, err := persister.Load(ctx, "speech-key")
	require.NoError(t, err)
	assert.Equal(t, artifact.Payload, loaded.Payload)

	require.NoError(t, db.DeleteArtifact(ctx, "speech-key"))

	_, err = persister.Load(ctx, "speech-key")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestPersister_ReferenceArtifactNeedsNoBlobStore(t *testing.T) {
	t.Parallel()

	db := openStore(t)
	persister := store.NewPersister(nil, db)

	err := persister.Persist(context.Background(), "video-key", core.Artifact{
		Payload:     nil,
		URL:         "https://cdn.example/v.mp4",
		ContentType: "video/mp4",
		Metadata:    nil,
	})
	require.NoError(t, err)

	record, err := db.GetArtifact(context.Background(), "video-key")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/v.mp4", record.URL)
	assert.Empty(t, record.ObjectKey)
}
