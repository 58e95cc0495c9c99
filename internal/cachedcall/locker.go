package cachedcall

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryInterval = 100 * time.Millisecond

// KeyLocker serializes producers of the same key across processes.
type KeyLocker interface {
	// Lock blocks until the key is held or ctx is done. The returned function releases it.
	Lock(ctx context.Context, key string) (unlock func() error, err error)
}

// FileLocker is a KeyLocker backed by one lock file per key.
type FileLocker struct {
	locksDir string
}

// NewFileLocker stores lock files in locksDir, creating it on first use.
func NewFileLocker(locksDir string) *FileLocker {
	return &FileLocker{locksDir: locksDir}
}

func (l *FileLocker) lockPath(key string) string {
	name := strings.NewReplacer("/", "-", "\\", "-", ":", "-").Replace(key) + ".lock"

	return filepath.Join(l.locksDir, name)
}

// Lock implements KeyLocker.
func (l *FileLocker) Lock(ctx context.Context, key string) (func() error, error) {
	mkdirErr := os.MkdirAll(l.locksDir, 0o755)
	if mkdirErr != nil {
		return nil, fmt.Errorf("failed to create locks directory: %w", mkdirErr)
	}

	fileLock := flock.New(l.lockPath(key))

	locked, err := fileLock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock for '%s': %w", key, err)
	}

	if !locked {
		return nil, fmt.Errorf("failed to acquire lock for '%s': %w", key, ctx.Err())
	}

	return fileLock.Unlock, nil
}
