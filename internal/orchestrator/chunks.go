package orchestrator

import (
	"context"
	"fmt"

	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/statereset"
	"golang.org/x/sync/errgroup"
)

// GenerateChunks synthesizes every chunk of a long text as speech, at most
// maxParallelChunks at a time. Outcomes keep chunk order. Any failure stops
// the batch and resets the entity's chunked speech state.
func (o *Orchestrator) GenerateChunks(ctx context.Context, entityID string, chunks []string, req core.Request) ([]Outcome, error) {
	if len(chunks) == 0 {
		return nil, core.NewInvalidRequest("chunks", ErrNoChunks.Error())
	}

	for i, chunk := range chunks {
		if chunk == "" {
			return nil, core.NewInvalidRequest("chunks", fmt.Sprintf("chunk %d is empty", i))
		}
	}

	var tracker *statereset.ProgressTracker

	if o.resetter != nil {
		tracker = o.resetter.Trackers().Get(core.OperationChunkedSpeech, entityID)
		tracker.Start(len(chunks))
	}

	o.markOperation(ctx, core.OperationChunkedSpeech, entityID, core.TaskStatusProcessing)

	outcomes := make([]Outcome, len(chunks))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.maxParallelChunks)

	for i, chunk := range chunks {
		group.Go(func() error {
			chunkReq := req
			chunkReq.Media = core.MediaSpeech
			chunkReq.Text = chunk
			// Chunks are tracked under the batch's operation, not individually.
			chunkReq.EntityID = ""

			outcome, err := o.Generate(groupCtx, chunkReq)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}

			outcomes[i] = outcome

			if tracker != nil {
				done := tracker.Advance()
				o.logInfo("Entity '%s': chunk %d/%d synthesized", entityID, done, len(chunks))
			}

			return nil
		})
	}

	err := group.Wait()
	if err != nil {
		o.resetAfterFailure(ctx, core.OperationChunkedSpeech, entityID, err)

		return nil, err
	}

	o.markOperation(ctx, core.OperationChunkedSpeech, entityID, core.TaskStatusCompleted)

	if o.resetter != nil {
		o.resetter.Trackers().Release(core.OperationChunkedSpeech, entityID)
	}

	o.logInfo("Synthesized %d chunks for entity '%s'", len(chunks), entityID)

	return outcomes, nil
}
