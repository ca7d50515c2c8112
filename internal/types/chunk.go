package types

import "time"

// ChunkStatus represents the lifecycle state of a single chunk.
type ChunkStatus string

const (
	ChunkPending        ChunkStatus = "pending"
	ChunkProcessing     ChunkStatus = "processing"
	ChunkSuccess        ChunkStatus = "success"
	ChunkFailed         ChunkStatus = "failed"
	ChunkRetryScheduled ChunkStatus = "retry_scheduled"
)

// Terminal reports whether the status is a terminal state.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkSuccess || s == ChunkFailed
}

// Chunk is one page range of a source document, owned by exactly one job.
// (JobID, ChunkID) is unique; ChunkID is 0-indexed and dense within a job.
//
// A chunk is retried in place: attempts is incremented and status reset,
// never cloned. Result is non-nil only when Status is ChunkSuccess.
type Chunk struct {
	JobID   string `json:"job_id"`
	ChunkID int    `json:"chunk_id"`

	// Page range, inclusive on both ends.
	StartPage  int  `json:"start_page"`
	EndPage    int  `json:"end_page"`
	HasOverlap bool `json:"has_overlap"`

	// Payload is the chunk's extracted page text.
	Payload string `json:"payload"`

	Status        ChunkStatus `json:"status"`
	Attempts      int         `json:"attempts"`
	MaxRetries    int         `json:"max_retries"`
	LastError     string      `json:"last_error,omitempty"`
	LastErrorCode string      `json:"last_error_code,omitempty"`

	TokensUsed int        `json:"tokens_used"`
	Result     []Sentence `json:"result,omitempty"`

	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the chunk.
func (c *Chunk) Clone() *Chunk {
	cp := *c
	if c.Result != nil {
		cp.Result = append([]Sentence(nil), c.Result...)
	}
	if c.ProcessedAt != nil {
		t := *c.ProcessedAt
		cp.ProcessedAt = &t
	}
	return &cp
}
