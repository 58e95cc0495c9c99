// Package storetest opens throwaway SQLite stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/book-expert/media-service/internal/config"
	"github.com/book-expert/media-service/internal/store"
	"github.com/stretchr/testify/require"
)

// Open returns a migrated store backed by a SQLite file in t.TempDir.
func Open(t testing.TB) *store.Store {
	t.Helper()

	db, err := store.Open(context.Background(), config.DatabaseConfig{
		Driver:   "sqlite",
		Name:     filepath.Join(t.TempDir(), "media.db"),
		Host:     "",
		Port:     0,
		User:     "",
		Password: "",
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}
