package store

import (
	"encoding/json"
	"time"

	"github.com/book-expert/media-service/internal/core"
)

type artifactModel struct {
	Key         string    `gorm:"primaryKey;column:cache_key"`
	ObjectKey   string    `gorm:"column:object_key"`
	URL         string    `gorm:"column:url"`
	ContentType string    `gorm:"column:content_type"`
	SizeBytes   int64     `gorm:"column:size_bytes"`
	Provider    string    `gorm:"index:idx_artifacts_provider"`
	Metadata    string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (artifactModel) TableName() string {
	return "artifacts"
}

type taskModel struct {
	TaskID       string    `gorm:"primaryKey"`
	Provider     string    `gorm:"not null"`
	Status       string    `gorm:"index:idx_tasks_status_updated,priority:1;not null"`
	Operation    string    `gorm:"not null"`
	EntityID     string    `gorm:"index:idx_tasks_entity"`
	CacheKey     string    `gorm:"column:cache_key"`
	ResultURL    string    `gorm:"column:result_url"`
	ErrorMessage string    `gorm:"type:text"`
	RetryCount   int       `gorm:"default:0"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"index:idx_tasks_status_updated,priority:2;not null"`
}

func (taskModel) TableName() string {
	return "generation_tasks"
}

type operationModel struct {
	Operation string    `gorm:"primaryKey"`
	EntityID  string    `gorm:"primaryKey"`
	Status    string    `gorm:"index:idx_operations_status;not null"`
	Reason    string    `gorm:"type:text"`
	StartedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (operationModel) TableName() string {
	return "operation_states"
}

func toArtifactModel(record core.ArtifactRecord) artifactModel {
	metadata := "{}"

	if len(record.Metadata) > 0 {
		encoded, err := json.Marshal(record.Metadata)
		if err == nil {
			metadata = string(encoded)
		}
	}

	return artifactModel{
		Key:         record.Key,
		ObjectKey:   record.ObjectKey,
		URL:         record.URL,
		ContentType: record.ContentType,
		SizeBytes:   record.SizeBytes,
		Provider:    record.Provider,
		Metadata:    metadata,
		CreatedAt:   record.CreatedAt,
	}
}

func fromArtifactModel(m artifactModel) core.ArtifactRecord {
	var metadata map[string]string

	if m.Metadata != "" && m.Metadata != "{}" {
		_ = json.Unmarshal([]byte(m.Metadata), &metadata)
	}

	return core.ArtifactRecord{
		Key:         m.Key,
		ObjectKey:   m.ObjectKey,
		URL:         m.URL,
		ContentType: m.ContentType,
		SizeBytes:   m.SizeBytes,
		Provider:    m.Provider,
		Metadata:    metadata,
		CreatedAt:   m.CreatedAt,
	}
}

func toTaskModel(task core.GenerationTask) taskModel {
	return taskModel{
		TaskID:       task.TaskID,
		Provider:     task.Provider,
		Status:       string(task.Status),
		Operation:    string(task.Operation),
		EntityID:     task.EntityID,
		CacheKey:     task.CacheKey,
		ResultURL:    task.ResultURL,
		ErrorMessage: task.ErrorMessage,
		RetryCount:   task.RetryCount,
		CreatedAt:    task.CreatedAt,
		UpdatedAt:    task.UpdatedAt,
	}
}

func fromTaskModel(m taskModel) core.GenerationTask {
	return core.GenerationTask{
		TaskID:       m.TaskID,
		Provider:     m.Provider,
		Status:       core.TaskStatus(m.Status),
		Operation:    core.Operation(m.Operation),
		EntityID:     m.EntityID,
		CacheKey:     m.CacheKey,
		ResultURL:    m.ResultURL,
		ErrorMessage: m.ErrorMessage,
		RetryCount:   m.RetryCount,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func fromOperationModel(m operationModel) core.OperationRecord {
	return core.OperationRecord{
		Operation: core.Operation(m.Operation),
		EntityID:  m.EntityID,
		Status:    core.TaskStatus(m.Status),
		Reason:    m.Reason,
		StartedAt: m.StartedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func statusStrings(statuses []core.TaskStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}

	return out
}
