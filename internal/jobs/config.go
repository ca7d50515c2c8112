// Package jobs ties chunk planning, workers, completion tracking, merge and
// settlement into the job state machine:
//
//	pending -> processing -> {completed, failed, cancelled}
//
// All state transitions are check-then-set against the store's optimistic
// versioning, so duplicate callbacks and concurrent finalizers degrade to
// no-ops instead of double applications.
package jobs

import "time"

// Stable job-level error codes exposed past the orchestrator boundary.
const (
	ErrCodeInvalidDocument     = "invalid_document"
	ErrCodeInsufficientCredits = "insufficient_credits"
	ErrCodeNoChunksSucceeded   = "no_chunks_succeeded"
	ErrCodeFinalizeConflict    = "finalize_conflict"
	ErrCodeSettlement          = "settlement_inconsistency"
	ErrCodeCancelled           = "cancelled"
)

// Config tunes the orchestration pipeline. The zero value is usable: every
// field falls back to a default.
type Config struct {
	// MaxRetries bounds attempts per chunk (default 3).
	MaxRetries int

	// RetryDelay is the pause before a retry_scheduled chunk is
	// re-dispatched (default 2s).
	RetryDelay time.Duration

	// StuckThreshold is how long a chunk may sit in processing without a
	// status update before the watchdog treats it as a failed attempt
	// (default 5m).
	StuckThreshold time.Duration

	// BarrierTimeout bounds the completion barrier wait; on expiry the job
	// is finalized with whatever chunks are terminal (default 30m).
	BarrierTimeout time.Duration

	// TransformTimeout bounds one transformation call (default 2m).
	TransformTimeout time.Duration

	// FinalizeAttempts and FinalizeDelay govern the bounded retry of the
	// finalization write under optimistic-concurrency conflicts
	// (defaults 5 and 200ms).
	FinalizeAttempts uint
	FinalizeDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 5 * time.Minute
	}
	if c.BarrierTimeout <= 0 {
		c.BarrierTimeout = 30 * time.Minute
	}
	if c.TransformTimeout <= 0 {
		c.TransformTimeout = 2 * time.Minute
	}
	if c.FinalizeAttempts == 0 {
		c.FinalizeAttempts = 5
	}
	if c.FinalizeDelay <= 0 {
		c.FinalizeDelay = 200 * time.Millisecond
	}
	return c
}
