package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/siftlabs/sift/internal/credits"
	"github.com/siftlabs/sift/internal/types"
)

// Memory is an in-memory Store for unit tests and dev runs. All methods are
// safe for concurrent use; records are deep-copied on the way in and out so
// callers can never mutate stored state directly.
type Memory struct {
	mu      sync.RWMutex
	jobs    map[string]*types.Job
	jobIDs  []string // insertion order for stable listing
	chunks  map[string][]*types.Chunk
	entries []*credits.Entry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:   make(map[string]*types.Job),
		chunks: make(map[string][]*types.Chunk),
	}
}

func (m *Memory) CreateJob(_ context.Context, job *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	m.jobs[job.ID] = job.Clone()
	m.jobIDs = append(m.jobIDs, job.ID)
	return nil
}

func (m *Memory) GetJob(_ context.Context, jobID string) (*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return job.Clone(), nil
}

func (m *Memory) ListJobs(_ context.Context, filter JobFilter) ([]*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []*types.Job
	for _, id := range m.jobIDs {
		job := m.jobs[id]
		if filter.UserID != "" && job.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, job.Clone())
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) UpdateJob(_ context.Context, job *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
	}
	if current.Version != job.Version {
		return fmt.Errorf("job %s at version %d, update carries %d: %w",
			job.ID, current.Version, job.Version, ErrVersionConflict)
	}

	updated := job.Clone()
	updated.Version++
	m.jobs[job.ID] = updated
	job.Version = updated.Version
	return nil
}

func (m *Memory) CreateChunks(_ context.Context, chunks []*types.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range chunks {
		for _, existing := range m.chunks[c.JobID] {
			if existing.ChunkID == c.ChunkID {
				return fmt.Errorf("chunk (%s, %d) already exists", c.JobID, c.ChunkID)
			}
		}
		cp := c.Clone()
		cp.UpdatedAt = time.Now().UTC()
		m.chunks[c.JobID] = append(m.chunks[c.JobID], cp)
	}
	return nil
}

func (m *Memory) GetChunk(_ context.Context, jobID string, chunkID int) (*types.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c := m.findChunk(jobID, chunkID)
	if c == nil {
		return nil, fmt.Errorf("chunk (%s, %d): %w", jobID, chunkID, ErrNotFound)
	}
	return c.Clone(), nil
}

func (m *Memory) ListChunks(_ context.Context, jobID string) ([]*types.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chunks := m.chunks[jobID]
	out := make([]*types.Chunk, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Clone())
	}
	return out, nil
}

func (m *Memory) TransitionChunk(_ context.Context, jobID string, chunkID int, from, to types.ChunkStatus) (*types.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.findChunk(jobID, chunkID)
	if c == nil {
		return nil, fmt.Errorf("chunk (%s, %d): %w", jobID, chunkID, ErrNotFound)
	}
	if c.Status != from {
		return nil, fmt.Errorf("chunk (%s, %d) is %s, expected %s: %w",
			jobID, chunkID, c.Status, from, ErrChunkConflict)
	}
	c.Status = to
	c.UpdatedAt = time.Now().UTC()
	return c.Clone(), nil
}

func (m *Memory) SaveChunkResult(_ context.Context, chunk *types.Chunk, expect types.ChunkStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.findChunk(chunk.JobID, chunk.ChunkID)
	if c == nil {
		return fmt.Errorf("chunk (%s, %d): %w", chunk.JobID, chunk.ChunkID, ErrNotFound)
	}
	if c.Status != expect {
		return fmt.Errorf("chunk (%s, %d) is %s, expected %s: %w",
			chunk.JobID, chunk.ChunkID, c.Status, expect, ErrChunkConflict)
	}

	cp := chunk.Clone()
	cp.UpdatedAt = time.Now().UTC()
	for i, existing := range m.chunks[chunk.JobID] {
		if existing.ChunkID == chunk.ChunkID {
			m.chunks[chunk.JobID][i] = cp
			break
		}
	}
	return nil
}

func (m *Memory) AppendEntry(_ context.Context, e *credits.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Job-scoped reasons are single-shot; the check and the append share
	// the lock so racing settlement writers cannot both commit.
	if e.JobID != "" {
		for _, existing := range m.entries {
			if existing.JobID == e.JobID && existing.Reason == e.Reason {
				return fmt.Errorf("entry (%s, %s): %w", e.JobID, e.Reason, credits.ErrDuplicateEntry)
			}
		}
	}

	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *Memory) ListJobEntries(_ context.Context, jobID string) ([]*credits.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*credits.Entry
	for _, e := range m.entries {
		if e.JobID == jobID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) ListUserEntries(_ context.Context, userID, month string) ([]*credits.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*credits.Entry
	for _, e := range m.entries {
		if e.UserID != userID {
			continue
		}
		if month != "" && e.Month != month {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

// findChunk returns the stored chunk, not a copy. Caller holds the lock.
func (m *Memory) findChunk(jobID string, chunkID int) *types.Chunk {
	for _, c := range m.chunks[jobID] {
		if c.ChunkID == chunkID {
			return c
		}
	}
	return nil
}

var _ Store = (*Memory)(nil)
