package core

import (
	"slices"
	"time"
)

// MediaKind identifies the family of artifact a request produces.
type MediaKind string

const (
	// MediaSpeech is synthesized audio from text.
	MediaSpeech MediaKind = "speech"
	// MediaVideo is synthesized video from a prompt.
	MediaVideo MediaKind = "video"
)

// Quality is a provider-agnostic output quality tier.
type Quality string

const (
	QualityDraft    Quality = "draft"
	QualityStandard Quality = "standard"
	QualityHigh     Quality = "high"
)

// TaskStatus is the lifecycle state of a GenerationTask.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed out of the status.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// NonTerminalStatuses lists the statuses a stuck record can be in.
func NonTerminalStatuses() []TaskStatus {
	return []TaskStatus{TaskStatusPending, TaskStatusProcessing}
}

// Artifact is a produced media object: either inline bytes or a reference URL,
// plus provider metadata that is passed through untouched.
type Artifact struct {
	Payload     []byte            `json:"payload,omitempty"`
	URL         string            `json:"url,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Size returns the number of bytes the artifact occupies in a cache.
func (a Artifact) Size() int64 {
	return int64(len(a.Payload) + len(a.URL))
}

// Empty reports whether the artifact carries neither bytes nor a reference.
func (a Artifact) Empty() bool {
	return len(a.Payload) == 0 && a.URL == ""
}

// Clone returns a deep copy so callers never share a payload slice with the cache.
func (a Artifact) Clone() Artifact {
	out := Artifact{
		Payload:     nil,
		URL:         a.URL,
		ContentType: a.ContentType,
		Metadata:    nil,
	}

	if a.Payload != nil {
		out.Payload = slices.Clone(a.Payload)
	}

	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}

	return out
}

// Capabilities is the static description of what a provider can do.
type Capabilities struct {
	Media                []MediaKind   `json:"media"`
	Qualities            []Quality     `json:"qualities"`
	MaxDuration          time.Duration `json:"max_duration"`
	MaxTextLength        int           `json:"max_text_length"`
	Async                bool          `json:"async"`
	SupportsCancel       bool          `json:"supports_cancel"`
	SupportsCostEstimate bool          `json:"supports_cost_estimate"`
	SupportsWebhook      bool          `json:"supports_webhook"`
}

// SupportsMedia reports whether kind is produced by the provider.
func (c Capabilities) SupportsMedia(kind MediaKind) bool {
	return slices.Contains(c.Media, kind)
}

// SupportsQuality reports whether q is offered. An empty quality always matches.
func (c Capabilities) SupportsQuality(q Quality) bool {
	if q == "" {
		return true
	}

	return slices.Contains(c.Qualities, q)
}

// Descriptor is the registry's view of one provider. Only Enabled and Healthy
// change after registration.
type Descriptor struct {
	Name         string       `json:"name"`
	Kind         string       `json:"kind"`
	Capabilities Capabilities `json:"capabilities"`
	Priority     int          `json:"priority"`
	Enabled      bool         `json:"enabled"`
	Healthy      bool         `json:"healthy"`
	LastChecked  time.Time    `json:"last_checked"`
	LastError    string       `json:"last_error,omitempty"`
}

// Request is the standard generation request every provider accepts.
type Request struct {
	Media    MediaKind         `json:"media"`
	Text     string            `json:"text,omitempty"`
	Prompt   string            `json:"prompt,omitempty"`
	Voice    string            `json:"voice,omitempty"`
	Language string            `json:"language,omitempty"`
	Quality  Quality           `json:"quality,omitempty"`
	Duration time.Duration     `json:"duration,omitempty"`
	EntityID string            `json:"entity_id,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
}

// Input returns the text a provider synthesizes from: Text for speech, Prompt for video.
func (r Request) Input() string {
	if r.Media == MediaVideo {
		return r.Prompt
	}

	return r.Text
}

// Response is the standard provider response. Exactly one of Artifact or
// TaskID is meaningful, depending on Status.
type Response struct {
	Provider            string            `json:"provider"`
	Status              TaskStatus        `json:"status"`
	Artifact            Artifact          `json:"artifact"`
	TaskID              string            `json:"task_id,omitempty"`
	EstimatedCompletion time.Time         `json:"estimated_completion,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// Pending reports whether the provider accepted the work asynchronously.
func (r Response) Pending() bool {
	return r.TaskID != "" && !r.Status.IsTerminal()
}

// StatusReport is what a provider says about an asynchronous task.
type StatusReport struct {
	Status    TaskStatus `json:"status"`
	Progress  float64    `json:"progress"`
	ResultURL string     `json:"result_url,omitempty"`
	Error     string     `json:"error,omitempty"`
	// NotFound is set when the provider's listing did not include the task.
	NotFound bool `json:"not_found,omitempty"`
}

// GenerationTask is the durable handle of an asynchronous generation.
type GenerationTask struct {
	TaskID       string     `json:"task_id"`
	Provider     string     `json:"provider"`
	Status       TaskStatus `json:"status"`
	Operation    Operation  `json:"operation"`
	EntityID     string     `json:"entity_id,omitempty"`
	CacheKey     string     `json:"cache_key,omitempty"`
	ResultURL    string     `json:"result_url,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Operation names a kind of integration flow whose durable state can get stuck.
type Operation string

const (
	OperationSpeech        Operation = "speech"
	OperationVideo         Operation = "video"
	OperationChunkedSpeech Operation = "chunked_speech"
)

// AllOperations lists every operation type, used by bulk resets.
func AllOperations() []Operation {
	return []Operation{OperationSpeech, OperationVideo, OperationChunkedSpeech}
}

// OperationFor maps a media kind to the operation that tracks it.
func OperationFor(kind MediaKind) Operation {
	if kind == MediaVideo {
		return OperationVideo
	}

	return OperationSpeech
}

// OperationRecord is the durable in-progress marker of an operation for an entity.
type OperationRecord struct {
	Operation Operation  `json:"operation"`
	EntityID  string     `json:"entity_id"`
	Status    TaskStatus `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ArtifactRecord is the system-of-record entry for a produced artifact.
type ArtifactRecord struct {
	Key         string            `json:"key"`
	ObjectKey   string            `json:"object_key,omitempty"`
	URL         string            `json:"url,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	SizeBytes   int64             `json:"size_bytes"`
	Provider    string            `json:"provider,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}
