package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/media-service/internal/core"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetArtifact returns the record for key or core.ErrNotFound.
func (s *Store) GetArtifact(ctx context.Context, key string) (core.ArtifactRecord, error) {
	var model artifactModel

	err := s.db.WithContext(ctx).First(&model, "cache_key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return core.ArtifactRecord{}, fmt.Errorf("artifact '%s': %w", key, core.ErrNotFound)
		}

		return core.ArtifactRecord{}, fmt.Errorf("failed to get artifact '%s': %w", key, err)
	}

	return fromArtifactModel(model), nil
}

// PutArtifact inserts or replaces the record.
func (s *Store) PutArtifact(ctx context.Context, record core.ArtifactRecord) error {
	model := toArtifactModel(record)

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		UpdateAll: true,
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("failed to upsert artifact '%s': %w", record.Key, err)
	}

	return nil
}

// DeleteArtifact removes the record. Missing records are not an error.
func (s *Store) DeleteArtifact(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Delete(&artifactModel{}, "cache_key = ?", key).Error
	if err != nil {
		return fmt.Errorf("failed to delete artifact '%s': %w", key, err)
	}

	return nil
}
