package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/media-service/internal/core"
	"gorm.io/gorm"
)

// ErrTaskIDEmpty indicates a task without an identifier.
var ErrTaskIDEmpty = errors.New("task id cannot be empty")

// CreateTask inserts a new task.
func (s *Store) CreateTask(ctx context.Context, task core.GenerationTask) error {
	if task.TaskID == "" {
		return ErrTaskIDEmpty
	}

	model := toTaskModel(task)

	err := s.db.WithContext(ctx).Create(&model).Error
	if err != nil {
		return fmt.Errorf("failed to create task '%s': %w", task.TaskID, err)
	}

	return nil
}

// GetTask returns the task or core.ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (core.GenerationTask, error) {
	var model taskModel

	err := s.db.WithContext(ctx).First(&model, "task_id = ?", taskID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return core.GenerationTask{}, fmt.Errorf("task '%s': %w", taskID, core.ErrNotFound)
		}

		return core.GenerationTask{}, fmt.Errorf("failed to get task '%s': %w", taskID, err)
	}

	return fromTaskModel(model), nil
}

// CompareAndSwapStatus writes next's mutable fields only while the stored
// status is one of from. The conditional UPDATE is the linearization point
// of terminal transitions across processes.
func (s *Store) CompareAndSwapStatus(ctx context.Context, taskID string, from []core.TaskStatus, next core.GenerationTask) (bool, error) {
	updatedAt := next.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	result := s.db.WithContext(ctx).
		Model(&taskModel{}).
		Where("task_id = ? AND status IN ?", taskID, statusStrings(from)).
		Updates(map[string]any{
			"status":        string(next.Status),
			"result_url":    next.ResultURL,
			"error_message": next.ErrorMessage,
			"retry_count":   next.RetryCount,
			"updated_at":    updatedAt,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to update task '%s': %w", taskID, result.Error)
	}

	return result.RowsAffected > 0, nil
}

// ListTasksByStatus returns tasks in status last updated before olderThan.
// A zero olderThan lists all of them.
func (s *Store) ListTasksByStatus(ctx context.Context, status core.TaskStatus, olderThan time.Time) ([]core.GenerationTask, error) {
	query := s.db.WithContext(ctx).Where("status = ?", string(status))
	if !olderThan.IsZero() {
		query = query.Where("updated_at < ?", olderThan)
	}

	var models []taskModel

	err := query.Order("updated_at ASC").Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list %s tasks: %w", status, err)
	}

	return fromTaskModels(models), nil
}

// ListTasksByEntity returns every task recorded for an entity.
func (s *Store) ListTasksByEntity(ctx context.Context, entityID string) ([]core.GenerationTask, error) {
	var models []taskModel

	err := s.db.WithContext(ctx).Where("entity_id = ?", entityID).Order("created_at ASC").Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for entity '%s': %w", entityID, err)
	}

	return fromTaskModels(models), nil
}

// DeleteTerminalTasks removes completed and failed tasks last updated before olderThan.
func (s *Store) DeleteTerminalTasks(ctx context.Context, olderThan time.Time) (int64, error) {
	terminal := []string{string(core.TaskStatusCompleted), string(core.TaskStatusFailed)}

	result := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", terminal, olderThan).
		Delete(&taskModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge terminal tasks: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func fromTaskModels(models []taskModel) []core.GenerationTask {
	tasks := make([]core.GenerationTask, 0, len(models))
	for _, model := range models {
		tasks = append(tasks, fromTaskModel(model))
	}

	return tasks
}
