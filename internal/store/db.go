// Package store is the durable system of record: artifact records, generation
// tasks and operation states, kept in SQLite or PostgreSQL through GORM.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/media-service/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrUnsupportedDriver indicates a database driver other than sqlite or postgres.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Store implements core.ArtifactStore, core.TaskStore and core.OperationStore.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database and migrates the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector

	sqliteDriver := cfg.Driver == "sqlite" || cfg.Driver == ""

	switch {
	case cfg.Driver == "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
			cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port)
		dialector = postgres.Open(dsn)
	case sqliteDriver:
		dialector = sqlite.Open(fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", cfg.Name))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database (%s): %w", cfg.Name, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}

	if sqliteDriver {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetMaxIdleConns(10)
	}

	sqlDB.SetConnMaxLifetime(time.Hour)

	store := &Store{db: db}

	migrateErr := store.Migrate(ctx)
	if migrateErr != nil {
		_ = sqlDB.Close()

		return nil, migrateErr
	}

	return store, nil
}

// NewFromDB wraps an existing connection without migrating.
func NewFromDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates every table.
func (s *Store) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(&artifactModel{}, &taskModel{}, &operationModel{})
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB instance: %w", err)
	}

	return sqlDB.Close()
}
