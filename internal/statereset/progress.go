package statereset

import (
	"sync"
	"time"

	"github.com/book-expert/media-service/internal/core"
)

// Progress is a snapshot of a multi-step operation.
type Progress struct {
	Operation core.Operation `json:"operation"`
	EntityID  string         `json:"entity_id"`
	Total     int            `json:"total"`
	Done      int            `json:"done"`
	StartedAt time.Time      `json:"started_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Complete reports whether every step finished.
func (p Progress) Complete() bool {
	return p.Total > 0 && p.Done >= p.Total
}

// ProgressTracker counts finished steps of one operation for one entity.
type ProgressTracker struct {
	mu       sync.Mutex
	progress Progress
	now      func() time.Time
}

// Start begins a new run of total steps.
func (t *ProgressTracker) Start(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.progress.Total = total
	t.progress.Done = 0
	t.progress.StartedAt = now
	t.progress.UpdatedAt = now
}

// Advance records one finished step and returns the new count.
func (t *ProgressTracker) Advance() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.progress.Total > 0 && t.progress.Done < t.progress.Total {
		t.progress.Done++
	}

	t.progress.UpdatedAt = t.now()

	return t.progress.Done
}

// Snapshot returns the current progress.
func (t *ProgressTracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.progress
}

// Reset clears the run.
func (t *ProgressTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.progress.Total = 0
	t.progress.Done = 0
	t.progress.StartedAt = time.Time{}
	t.progress.UpdatedAt = t.now()
}

type trackerKey struct {
	operation core.Operation
	entityID  string
}

// Trackers holds the progress trackers of every entity. It is safe for concurrent use.
type Trackers struct {
	mu       sync.Mutex
	trackers map[trackerKey]*ProgressTracker
	now      func() time.Time
}

// NewTrackers creates an empty tracker set.
func NewTrackers() *Trackers {
	return &Trackers{mu: sync.Mutex{}, trackers: make(map[trackerKey]*ProgressTracker), now: time.Now}
}

// Get returns the tracker for op and entityID, creating it if needed.
func (t *Trackers) Get(op core.Operation, entityID string) *ProgressTracker {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := trackerKey{operation: op, entityID: entityID}

	tracker, ok := t.trackers[key]
	if !ok {
		tracker = &ProgressTracker{
			mu:       sync.Mutex{},
			progress: Progress{Operation: op, EntityID: entityID, Total: 0, Done: 0, StartedAt: time.Time{}, UpdatedAt: time.Time{}},
			now:      t.now,
		}
		t.trackers[key] = tracker
	}

	return tracker
}

// Lookup returns the progress for op and entityID if a tracker exists.
func (t *Trackers) Lookup(op core.Operation, entityID string) (Progress, bool) {
	t.mu.Lock()
	tracker, ok := t.trackers[trackerKey{operation: op, entityID: entityID}]
	t.mu.Unlock()

	if !ok {
		return Progress{}, false
	}

	return tracker.Snapshot(), true
}

// Reset clears the tracker for op and entityID, drops it and reports whether
// one existed.
func (t *Trackers) Reset(op core.Operation, entityID string) bool {
	tracker, ok := t.take(op, entityID)
	if ok {
		tracker.Reset()
	}

	return ok
}

// Release drops the tracker of a finished run.
func (t *Trackers) Release(op core.Operation, entityID string) {
	t.take(op, entityID)
}

// Len returns the number of live trackers.
func (t *Trackers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.trackers)
}

func (t *Trackers) take(op core.Operation, entityID string) (*ProgressTracker, bool) {
	key := trackerKey{operation: op, entityID: entityID}

	t.mu.Lock()
	defer t.mu.Unlock()

	tracker, ok := t.trackers[key]
	delete(t.trackers, key)

	return tracker, ok
}
