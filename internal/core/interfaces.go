// Package core defines the shared types and the interfaces the media service
// consumes: generation providers and durable storage.
package core

import (
	"context"
	"time"
)

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// Provider is an interchangeable external generation backend.
// All providers accept and return the standard shapes; anything provider
// specific travels in Metadata.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Initialize(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Generate(ctx context.Context, req Request) (Response, error)
	CheckStatus(ctx context.Context, taskID string) (StatusReport, error)
}

// Canceler is implemented by providers that can stop an asynchronous task.
type Canceler interface {
	Cancel(ctx context.Context, taskID string) (bool, error)
}

// Lister is implemented by asynchronous providers that can report many tasks
// in one call. Tasks missing from the result are not necessarily gone.
type Lister interface {
	ListTasks(ctx context.Context, status TaskStatus) (map[string]StatusReport, error)
}

// Closer is implemented by providers holding resources that need releasing.
type Closer interface {
	Close() error
}

// ArtifactStore is the durable key-value record of produced artifacts.
type ArtifactStore interface {
	GetArtifact(ctx context.Context, key string) (ArtifactRecord, error)
	PutArtifact(ctx context.Context, record ArtifactRecord) error
	DeleteArtifact(ctx context.Context, key string) error
}

// TaskStore persists GenerationTasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task GenerationTask) error
	GetTask(ctx context.Context, taskID string) (GenerationTask, error)
	// CompareAndSwapStatus applies next only if the stored status is one of from.
	// It reports whether the row changed.
	CompareAndSwapStatus(ctx context.Context, taskID string, from []TaskStatus, next GenerationTask) (bool, error)
	ListTasksByStatus(ctx context.Context, status TaskStatus, olderThan time.Time) ([]GenerationTask, error)
	ListTasksByEntity(ctx context.Context, entityID string) ([]GenerationTask, error)
	DeleteTerminalTasks(ctx context.Context, olderThan time.Time) (int64, error)
}

// OperationStore persists OperationRecords keyed by operation and entity.
type OperationStore interface {
	UpsertOperation(ctx context.Context, record OperationRecord) error
	GetOperation(ctx context.Context, op Operation, entityID string) (OperationRecord, error)
	ListStuckOperations(ctx context.Context, olderThan time.Time) ([]OperationRecord, error)
	ListOperationsByEntity(ctx context.Context, entityID string) ([]OperationRecord, error)
}
