package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/siftlabs/sift/internal/filter"
	"github.com/siftlabs/sift/internal/metrics"
	"github.com/siftlabs/sift/internal/store"
	"github.com/siftlabs/sift/internal/transform"
	"github.com/siftlabs/sift/internal/types"
)

// ChunkWorker executes one chunk attempt: claim, transform, filter, persist.
//
// Process is idempotent with respect to chunk identity. Re-running a chunk
// that already succeeded returns its status without calling the transformer,
// so duplicate dispatch never double-counts tokens or duplicates results.
type ChunkWorker struct {
	store       store.Store
	transformer transform.Transformer
	filter      filter.Filter
	recorder    metrics.Recorder
	logger      *slog.Logger
	cfg         Config
}

// NewChunkWorker creates a worker around the injected capabilities.
func NewChunkWorker(st store.Store, tr transform.Transformer, f filter.Filter, logger *slog.Logger, cfg Config) *ChunkWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkWorker{
		store:       st,
		transformer: tr,
		filter:      f,
		recorder:    metrics.Nop{},
		logger:      logger.With("component", "chunk_worker"),
		cfg:         cfg.withDefaults(),
	}
}

// WithRecorder sets the usage recorder. Nop by default.
func (w *ChunkWorker) WithRecorder(r metrics.Recorder) *ChunkWorker {
	if r != nil {
		w.recorder = r
	}
	return w
}

// Process runs one attempt of one chunk and returns the chunk's status after
// this attempt. A non-nil error means the store itself failed; transformation
// failures are recorded on the chunk, not returned.
func (w *ChunkWorker) Process(ctx context.Context, job *types.Job, chunkID int) (types.ChunkStatus, error) {
	logger := w.logger.With("job_id", job.ID, "chunk_id", chunkID)

	chunk, err := w.store.GetChunk(ctx, job.ID, chunkID)
	if err != nil {
		return "", err
	}
	if chunk.Status.Terminal() {
		logger.Debug("chunk already terminal, skipping", "status", chunk.Status)
		return chunk.Status, nil
	}
	if chunk.Status == types.ChunkProcessing {
		// Claimed elsewhere; the stuck watchdog owns recovery.
		return chunk.Status, nil
	}

	claimed, err := w.store.TransitionChunk(ctx, job.ID, chunkID, chunk.Status, types.ChunkProcessing)
	if err != nil {
		if errors.Is(err, store.ErrChunkConflict) {
			// Lost the claim race; report whatever status stands now.
			current, gerr := w.store.GetChunk(ctx, job.ID, chunkID)
			if gerr != nil {
				return "", gerr
			}
			return current.Status, nil
		}
		return "", err
	}

	result, terr := w.transform(ctx, job, claimed)
	if terr != nil {
		return w.recordFailure(ctx, logger, claimed, terr)
	}
	return w.recordSuccess(ctx, logger, claimed, result)
}

func (w *ChunkWorker) transform(ctx context.Context, job *types.Job, chunk *types.Chunk) (*transform.Result, *transform.Error) {
	req := &transform.Request{
		Text:      chunk.Payload,
		Model:     job.Model,
		Timeout:   w.cfg.TransformTimeout,
		RequestID: fmt.Sprintf("%s-%d-%d", job.ID, chunk.ChunkID, chunk.Attempts),
	}

	start := time.Now()
	result, err := w.transformer.Transform(ctx, req)
	sample := metrics.Sample{
		JobID:    job.ID,
		ChunkID:  chunk.ChunkID,
		Model:    job.Model,
		Duration: time.Since(start),
		At:       start.UTC(),
	}
	if err != nil {
		terr := transform.Classify(err)
		sample.ErrorCode = string(terr.Code)
		w.recorder.Record(sample)
		return nil, terr
	}
	sample.Success = true
	sample.Tokens = result.TokensUsed
	w.recorder.Record(sample)
	return result, nil
}

func (w *ChunkWorker) recordSuccess(ctx context.Context, logger *slog.Logger, chunk *types.Chunk, result *transform.Result) (types.ChunkStatus, error) {
	accepted := result.Sentences
	if w.filter != nil {
		accepted = w.filter.Filter(accepted)
	}
	if accepted == nil {
		accepted = []types.Sentence{}
	}

	now := time.Now().UTC()
	chunk.Status = types.ChunkSuccess
	chunk.Result = accepted
	chunk.TokensUsed = result.TokensUsed
	chunk.LastError = ""
	chunk.LastErrorCode = ""
	chunk.ProcessedAt = &now

	if err := w.store.SaveChunkResult(ctx, chunk, types.ChunkProcessing); err != nil {
		if errors.Is(err, store.ErrChunkConflict) {
			// Someone else (e.g. the watchdog) moved the chunk while we
			// worked; their write wins and ours is discarded.
			current, gerr := w.store.GetChunk(ctx, chunk.JobID, chunk.ChunkID)
			if gerr != nil {
				return "", gerr
			}
			return current.Status, nil
		}
		return "", err
	}

	logger.Debug("chunk succeeded",
		"sentences", len(accepted),
		"dropped", len(result.Sentences)-len(accepted),
		"tokens", result.TokensUsed,
	)
	return types.ChunkSuccess, nil
}

func (w *ChunkWorker) recordFailure(ctx context.Context, logger *slog.Logger, chunk *types.Chunk, terr *transform.Error) (types.ChunkStatus, error) {
	chunk.Attempts++
	chunk.LastError = terr.Error()
	chunk.LastErrorCode = string(terr.Code)

	if terr.Retryable() && chunk.Attempts < chunk.MaxRetries {
		chunk.Status = types.ChunkRetryScheduled
	} else {
		chunk.Status = types.ChunkFailed
	}

	if err := w.store.SaveChunkResult(ctx, chunk, types.ChunkProcessing); err != nil {
		if errors.Is(err, store.ErrChunkConflict) {
			current, gerr := w.store.GetChunk(ctx, chunk.JobID, chunk.ChunkID)
			if gerr != nil {
				return "", gerr
			}
			return current.Status, nil
		}
		return "", err
	}

	logger.Warn("chunk attempt failed",
		"attempt", chunk.Attempts,
		"max_retries", chunk.MaxRetries,
		"error_code", chunk.LastErrorCode,
		"status", chunk.Status,
	)
	return chunk.Status, nil
}
