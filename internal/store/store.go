// Package store persists jobs, chunks and ledger entries. The interface is
// storage-technology-agnostic; a Memory implementation backs unit tests and
// dev runs, and SQLite provides durability.
package store

import (
	"context"
	"errors"

	"github.com/siftlabs/sift/internal/credits"
	"github.com/siftlabs/sift/internal/types"
)

var (
	// ErrNotFound is returned when a job or chunk does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when a job update carries a stale
	// version: a concurrent writer committed first.
	ErrVersionConflict = errors.New("version conflict")

	// ErrChunkConflict is returned when a chunk transition's expected
	// status no longer matches, e.g. a duplicate dispatch racing a claim.
	ErrChunkConflict = errors.New("chunk status conflict")
)

// JobFilter selects jobs for listing.
type JobFilter struct {
	UserID string
	Status types.JobStatus
	Limit  int // 0 = default 100
}

// Store is the durable record of jobs, chunks and the settlement ledger.
//
// UpdateJob enforces optimistic concurrency: the write succeeds only when the
// stored version equals the job's version, and increments it. Chunk
// transitions are guarded check-then-set operations so that at-least-once
// callbacks stay idempotent.
type Store interface {
	CreateJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, jobID string) (*types.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, error)
	UpdateJob(ctx context.Context, job *types.Job) error

	CreateChunks(ctx context.Context, chunks []*types.Chunk) error
	GetChunk(ctx context.Context, jobID string, chunkID int) (*types.Chunk, error)
	ListChunks(ctx context.Context, jobID string) ([]*types.Chunk, error)

	// TransitionChunk atomically moves a chunk from one status to another,
	// touching UpdatedAt. Returns ErrChunkConflict when the current status
	// is not `from`.
	TransitionChunk(ctx context.Context, jobID string, chunkID int, from, to types.ChunkStatus) (*types.Chunk, error)

	// SaveChunkResult writes the chunk's full record, guarded by the
	// expected current status. Returns ErrChunkConflict on mismatch.
	SaveChunkResult(ctx context.Context, chunk *types.Chunk, expect types.ChunkStatus) error

	// Ledger entries are append-only; both list methods return entries in
	// insertion order. A job carries at most one entry per reason:
	// AppendEntry rejects a second job-scoped entry with the same reason
	// with credits.ErrDuplicateEntry, atomically with the write.
	AppendEntry(ctx context.Context, e *credits.Entry) error
	ListJobEntries(ctx context.Context, jobID string) ([]*credits.Entry, error)
	ListUserEntries(ctx context.Context, userID, month string) ([]*credits.Entry, error)

	Close() error
}
