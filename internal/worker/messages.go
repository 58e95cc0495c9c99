package worker

import (
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/media-service/internal/core"
)

// GenerateRequest is the payload of the generate subject. When Chunks is set
// each chunk is synthesized as speech with Request's settings, under
// Request.EntityID.
type GenerateRequest struct {
	Header  events.EventHeader `json:"header"`
	Request core.Request       `json:"request"`
	Chunks  []string           `json:"chunks,omitempty"`
}

// ArtifactRef locates a finished artifact. Inline payloads are stored in the
// artifact object store under Key.
type ArtifactRef struct {
	Key         string            `json:"key"`
	URL         string            `json:"url,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	SizeBytes   int64             `json:"size_bytes"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// GenerateReply answers a GenerateRequest. Exactly one of Artifact, TaskID or
// Error is meaningful.
type GenerateReply struct {
	Header              events.EventHeader `json:"header"`
	Provider            string             `json:"provider,omitempty"`
	Status              core.TaskStatus    `json:"status,omitempty"`
	Artifact            *ArtifactRef       `json:"artifact,omitempty"`
	TaskID              string             `json:"task_id,omitempty"`
	EstimatedCompletion time.Time          `json:"estimated_completion,omitzero"`
	CacheHit            bool               `json:"cache_hit"`
	Chunks              []ArtifactRef      `json:"chunks,omitempty"`
	Error               string             `json:"error,omitempty"`
	ErrorKind           core.ErrorKind     `json:"error_kind,omitempty"`
}

// StatusRequest asks for, or cancels, an asynchronous task. WaitSeconds
// holds the reply until the task is terminal or the wait runs out.
type StatusRequest struct {
	Header      events.EventHeader `json:"header"`
	TaskID      string             `json:"task_id"`
	Cancel      bool               `json:"cancel,omitempty"`
	WaitSeconds int                `json:"wait_seconds,omitempty"`
}

// StatusReply answers a StatusRequest.
type StatusReply struct {
	Header    events.EventHeader   `json:"header"`
	Task      *core.GenerationTask `json:"task,omitempty"`
	Cancelled bool                 `json:"cancelled,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// CompletionAck answers a provider completion notification.
type CompletionAck struct {
	Header  events.EventHeader `json:"header"`
	TaskID  string             `json:"task_id"`
	Applied bool               `json:"applied"`
	Anomaly bool               `json:"anomaly,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// TaskEvent is published on the events subject when an accepted task
// reaches a terminal state.
type TaskEvent struct {
	Header events.EventHeader  `json:"header"`
	Task   core.GenerationTask `json:"task"`
}
