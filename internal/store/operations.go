package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/media-service/internal/core"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertOperation records the state of an operation for an entity. StartedAt
// is kept from the first insert.
func (s *Store) UpsertOperation(ctx context.Context, record core.OperationRecord) error {
	now := time.Now().UTC()
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}

	if record.StartedAt.IsZero() {
		record.StartedAt = record.UpdatedAt
	}

	model := operationModel{
		Operation: string(record.Operation),
		EntityID:  record.EntityID,
		Status:    string(record.Status),
		Reason:    record.Reason,
		StartedAt: record.StartedAt,
		UpdatedAt: record.UpdatedAt,
	}

	assignments := []string{"status", "reason", "updated_at"}
	if record.Status == core.TaskStatusProcessing || record.Status == core.TaskStatusPending {
		// A new run restarts the clock.
		assignments = append(assignments, "started_at")
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "operation"}, {Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns(assignments),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("failed to upsert operation %s/%s: %w", record.Operation, record.EntityID, err)
	}

	return nil
}

// GetOperation returns the record or core.ErrNotFound.
func (s *Store) GetOperation(ctx context.Context, op core.Operation, entityID string) (core.OperationRecord, error) {
	var model operationModel

	err := s.db.WithContext(ctx).First(&model, "operation = ? AND entity_id = ?", string(op), entityID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return core.OperationRecord{}, fmt.Errorf("operation %s/%s: %w", op, entityID, core.ErrNotFound)
		}

		return core.OperationRecord{}, fmt.Errorf("failed to get operation %s/%s: %w", op, entityID, err)
	}

	return fromOperationModel(model), nil
}

// ListStuckOperations returns non-terminal operations last updated before olderThan.
func (s *Store) ListStuckOperations(ctx context.Context, olderThan time.Time) ([]core.OperationRecord, error) {
	var models []operationModel

	err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statusStrings(core.NonTerminalStatuses()), olderThan).
		Order("updated_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck operations: %w", err)
	}

	records := make([]core.OperationRecord, 0, len(models))
	for _, model := range models {
		records = append(records, fromOperationModel(model))
	}

	return records, nil
}

// ListOperationsByEntity returns every operation recorded for an entity.
func (s *Store) ListOperationsByEntity(ctx context.Context, entityID string) ([]core.OperationRecord, error) {
	var models []operationModel

	err := s.db.WithContext(ctx).Where("entity_id = ?", entityID).Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list operations for entity '%s': %w", entityID, err)
	}

	records := make([]core.OperationRecord, 0, len(models))
	for _, model := range models {
		records = append(records, fromOperationModel(model))
	}

	return records, nil
}
