package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/siftlabs/sift/internal/filter"
	"github.com/siftlabs/sift/internal/store"
	"github.com/siftlabs/sift/internal/transform"
	"github.com/siftlabs/sift/internal/types"
)

func workerFixture(t *testing.T, mock *transform.Mock) (*ChunkWorker, *store.Memory, *types.Job) {
	t.Helper()
	st := store.NewMemory()
	job := &types.Job{
		ID:          "job-1",
		UserID:      "user-1",
		Status:      types.JobProcessing,
		Model:       "gpt-4o-mini",
		TotalChunks: 1,
		CreatedAt:   time.Now().UTC(),
	}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := st.CreateChunks(context.Background(), []*types.Chunk{{
		JobID:      "job-1",
		ChunkID:    0,
		EndPage:    4,
		Payload:    "First sentence.\nSecond sentence.",
		Status:     types.ChunkPending,
		MaxRetries: 3,
	}}); err != nil {
		t.Fatalf("CreateChunks failed: %v", err)
	}

	w := NewChunkWorker(st, mock, filter.NewHeuristic(0, 0), nil, Config{RetryDelay: time.Millisecond})
	return w, st, job
}

func TestChunkWorker_Success(t *testing.T) {
	ctx := context.Background()
	mock := transform.NewMock()
	w, st, job := workerFixture(t, mock)

	status, err := w.Process(ctx, job, 0)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if status != types.ChunkSuccess {
		t.Fatalf("expected success, got %s", status)
	}

	chunk, _ := st.GetChunk(ctx, "job-1", 0)
	if len(chunk.Result) != 2 {
		t.Errorf("expected 2 sentences, got %d", len(chunk.Result))
	}
	if chunk.TokensUsed != 100 {
		t.Errorf("expected 100 tokens, got %d", chunk.TokensUsed)
	}
	if chunk.ProcessedAt == nil {
		t.Error("expected ProcessedAt to be set")
	}
	if chunk.Attempts != 0 {
		t.Errorf("expected 0 failed attempts, got %d", chunk.Attempts)
	}
}

func TestChunkWorker_RetryableFailure(t *testing.T) {
	ctx := context.Background()
	mock := transform.NewMock()
	mock.FailFirst = 1
	w, st, job := workerFixture(t, mock)

	status, err := w.Process(ctx, job, 0)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if status != types.ChunkRetryScheduled {
		t.Fatalf("expected retry_scheduled, got %s", status)
	}

	chunk, _ := st.GetChunk(ctx, "job-1", 0)
	if chunk.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", chunk.Attempts)
	}
	if chunk.LastErrorCode != string(transform.CodeServiceError) {
		t.Errorf("expected service_error, got %s", chunk.LastErrorCode)
	}

	// The scheduled retry succeeds.
	status, err = w.Process(ctx, job, 0)
	if err != nil {
		t.Fatalf("retry Process failed: %v", err)
	}
	if status != types.ChunkSuccess {
		t.Errorf("expected success after retry, got %s", status)
	}
}

func TestChunkWorker_NonRetryableFailure(t *testing.T) {
	ctx := context.Background()
	mock := transform.NewMock()
	mock.FailFirst = 1
	mock.Err = transform.NewError(transform.CodeMalformedOutput, nil, "unparseable output")
	w, st, job := workerFixture(t, mock)

	status, err := w.Process(ctx, job, 0)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if status != types.ChunkFailed {
		t.Fatalf("expected failed, got %s", status)
	}

	chunk, _ := st.GetChunk(ctx, "job-1", 0)
	if chunk.Attempts != 1 {
		t.Errorf("malformed output must not retry: %d attempts", chunk.Attempts)
	}
	if chunk.LastErrorCode != string(transform.CodeMalformedOutput) {
		t.Errorf("expected malformed_output, got %s", chunk.LastErrorCode)
	}
}

func TestChunkWorker_AttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	mock := transform.NewMock()
	mock.FailFirst = 10 // always fail within this test
	w, st, job := workerFixture(t, mock)

	var status types.ChunkStatus
	var err error
	for i := 0; i < 3; i++ {
		status, err = w.Process(ctx, job, 0)
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
	}
	if status != types.ChunkFailed {
		t.Fatalf("expected failed after exhausting retries, got %s", status)
	}

	chunk, _ := st.GetChunk(ctx, "job-1", 0)
	if chunk.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", chunk.Attempts)
	}

	// Further processing is a no-op on the terminal chunk.
	calls := mock.Calls()
	status, err = w.Process(ctx, job, 0)
	if err != nil || status != types.ChunkFailed {
		t.Fatalf("expected terminal no-op, got %s / %v", status, err)
	}
	if mock.Calls() != calls {
		t.Error("terminal chunk must not be re-transformed")
	}
}

func TestChunkWorker_IdempotentOnSuccess(t *testing.T) {
	ctx := context.Background()
	mock := transform.NewMock()
	w, _, job := workerFixture(t, mock)

	if _, err := w.Process(ctx, job, 0); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	calls := mock.Calls()

	status, err := w.Process(ctx, job, 0)
	if err != nil {
		t.Fatalf("duplicate Process failed: %v", err)
	}
	if status != types.ChunkSuccess {
		t.Errorf("expected success, got %s", status)
	}
	if mock.Calls() != calls {
		t.Error("duplicate dispatch must not re-transform a succeeded chunk")
	}
}

func TestChunkWorker_SkipsClaimedChunk(t *testing.T) {
	ctx := context.Background()
	mock := transform.NewMock()
	w, st, job := workerFixture(t, mock)

	// Another claimant holds the chunk.
	if _, err := st.TransitionChunk(ctx, "job-1", 0, types.ChunkPending, types.ChunkProcessing); err != nil {
		t.Fatalf("TransitionChunk failed: %v", err)
	}

	status, err := w.Process(ctx, job, 0)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if status != types.ChunkProcessing {
		t.Errorf("expected processing, got %s", status)
	}
	if mock.Calls() != 0 {
		t.Error("worker must not transform a chunk claimed elsewhere")
	}
}

func TestChunkWorker_FilterDropsRejects(t *testing.T) {
	ctx := context.Background()
	mock := transform.NewMock()
	mock.TransformFunc = func(_ context.Context, _ *transform.Request) (*transform.Result, error) {
		return &transform.Result{
			Sentences: []types.Sentence{
				{Normalized: "A real sentence.", Original: "A real sentence."},
				{Normalized: "..", Original: ".."}, // no letters, too short
			},
			TokensUsed: 50,
		}, nil
	}
	w, st, job := workerFixture(t, mock)

	if _, err := w.Process(ctx, job, 0); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	chunk, _ := st.GetChunk(ctx, "job-1", 0)
	if len(chunk.Result) != 1 {
		t.Errorf("expected filter to drop garbage, got %d sentences", len(chunk.Result))
	}
}
