package types

import "time"

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is one user-submitted document processing request.
//
// ActualCredits is nil until finalization and is written exactly once, by the
// finalization step, after every chunk has reached a terminal state. Version
// guards concurrent writers: updates must carry the version they read, and the
// store rejects stale writes.
type Job struct {
	ID     string    `json:"id"`
	UserID string    `json:"user_id"`
	Status JobStatus `json:"status"`

	// Transformation settings frozen at creation.
	Model          string  `json:"model"`
	PricingRate    float64 `json:"pricing_rate"` // credits per 1k tokens
	PricingVersion string  `json:"pricing_version"`

	// Credit accounting.
	EstimatedCredits float64  `json:"estimated_credits"`
	ActualCredits    *float64 `json:"actual_credits,omitempty"`

	// Progress tracking. ProgressPercent is monotonically non-decreasing
	// while the job is processing.
	TotalChunks     int    `json:"total_chunks"`
	ProcessedChunks int    `json:"processed_chunks"`
	ProgressPercent int    `json:"progress_percent"`
	CurrentStep     string `json:"current_step"`
	FailedChunks    []int  `json:"failed_chunks,omitempty"`

	CancelRequested bool `json:"cancel_requested"`

	// Final merged output, set only on completion.
	Result []Sentence `json:"result,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`

	// Optimistic concurrency version, incremented by the store on every
	// successful update.
	Version int64 `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	if j.ActualCredits != nil {
		v := *j.ActualCredits
		c.ActualCredits = &v
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.FailedChunks != nil {
		c.FailedChunks = append([]int(nil), j.FailedChunks...)
	}
	if j.Result != nil {
		c.Result = append([]Sentence(nil), j.Result...)
	}
	return &c
}
