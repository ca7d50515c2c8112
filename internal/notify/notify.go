// Package notify defines the fire-and-forget progress notification surface.
// The real-time transport lives outside this repository; implementations here
// log or drop snapshots. A notifier failure must never fail the job, so the
// orchestrator calls notifiers through Send, which isolates panics.
package notify

import (
	"log/slog"

	"github.com/siftlabs/sift/internal/types"
)

// Snapshot is the state published after every state-relevant job mutation.
type Snapshot struct {
	JobID           string          `json:"job_id"`
	Status          types.JobStatus `json:"status"`
	CurrentStep     string          `json:"current_step"`
	ProgressPercent int             `json:"progress_percent"`
	ProcessedChunks int             `json:"processed_chunks"`
	TotalChunks     int             `json:"total_chunks"`
	ErrorCode       string          `json:"error_code,omitempty"`
}

// Notifier publishes job progress. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(jobID string, snap Snapshot)
}

// Send delivers a snapshot, swallowing panics from a misbehaving notifier.
func Send(n Notifier, jobID string, snap Snapshot) {
	if n == nil {
		return
	}
	defer func() { _ = recover() }()
	n.Notify(jobID, snap)
}

// Log is a Notifier that writes snapshots to structured logs.
type Log struct {
	Logger *slog.Logger
}

// NewLog creates a log-backed notifier.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{Logger: logger.With("component", "notify")}
}

func (l *Log) Notify(jobID string, snap Snapshot) {
	l.Logger.Info("job progress",
		"job_id", jobID,
		"status", snap.Status,
		"step", snap.CurrentStep,
		"progress", snap.ProgressPercent,
		"processed", snap.ProcessedChunks,
		"total", snap.TotalChunks,
	)
}

// Nop drops all snapshots.
type Nop struct{}

func (Nop) Notify(string, Snapshot) {}

var (
	_ Notifier = (*Log)(nil)
	_ Notifier = Nop{}
)
