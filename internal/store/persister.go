package store

import (
	"context"
	"fmt"
	"time"

	"github.com/book-expert/media-service/internal/core"
)

// MetadataProvider is the artifact metadata key naming the producing provider.
const MetadataProvider = "provider"

// Persister performs the durable write of a produced artifact: inline bytes
// go to the blob store, then the artifact record is upserted.
type Persister struct {
	objects core.ObjectStore
	records core.ArtifactStore
	now     func() time.Time
}

// NewPersister creates a Persister. objects may be nil when only reference
// artifacts are persisted.
func NewPersister(objects core.ObjectStore, records core.ArtifactStore) *Persister {
	return &Persister{objects: objects, records: records, now: time.Now}
}

// Persist stores artifact under key. It matches the cached-call Persist signature.
func (p *Persister) Persist(ctx context.Context, key string, artifact core.Artifact) error {
	objectKey := ""

	if len(artifact.Payload) > 0 {
		if p.objects == nil {
			return fmt.Errorf("failed to persist artifact '%s': no blob store configured", key)
		}

		objectKey = key

		uploadErr := p.objects.Upload(ctx, objectKey, artifact.Payload)
		if uploadErr != nil {
			return fmt.Errorf("failed to upload artifact '%s': %w", key, uploadErr)
		}
	}

	record := core.ArtifactRecord{
		Key:         key,
		ObjectKey:   objectKey,
		URL:         artifact.URL,
		ContentType: artifact.ContentType,
		SizeBytes:   artifact.Size(),
		Provider:    artifact.Metadata[MetadataProvider],
		Metadata:    artifact.Metadata,
		CreatedAt:   p.now().UTC(),
	}

	recordErr := p.records.PutArtifact(ctx, record)
	if recordErr != nil {
		return fmt.Errorf("failed to record artifact '%s': %w", key, recordErr)
	}

	return nil
}

// Load rebuilds an artifact from its durable record and blob.
func (p *Persister) Load(ctx context.Context, key string) (core.Artifact, error) {
	record, err := p.records.GetArtifact(ctx, key)
	if err != nil {
		return core.Artifact{}, err
	}

	artifact := core.Artifact{
		Payload:     nil,
		URL:         record.URL,
		ContentType: record.ContentType,
		Metadata:    record.Metadata,
	}

	if record.ObjectKey != "" && p.objects != nil {
		payload, downloadErr := p.objects.Download(ctx, record.ObjectKey)
		if downloadErr != nil {
			return core.Artifact{}, fmt.Errorf("failed to download artifact '%s': %w", key, downloadErr)
		}

		artifact.Payload = payload
	}

	return artifact, nil
}
