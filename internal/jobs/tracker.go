package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/siftlabs/sift/internal/store"
	"github.com/siftlabs/sift/internal/transform"
	"github.com/siftlabs/sift/internal/types"
)

// CompletionTracker runs a job's chunks to completion. It owns the dispatch
// queue, the retry timers, the stuck-chunk watchdog, and the completion
// barrier: Await returns once every chunk has reached a terminal status, the
// barrier times out, the job is cancelled, or the context is done.
type CompletionTracker struct {
	store  store.Store
	worker *ChunkWorker
	logger *slog.Logger
	cfg    Config
}

// NewCompletionTracker creates a tracker that dispatches through worker.
func NewCompletionTracker(st store.Store, worker *ChunkWorker, logger *slog.Logger, cfg Config) *CompletionTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionTracker{
		store:  st,
		worker: worker,
		logger: logger.With("component", "completion_tracker"),
		cfg:    cfg.withDefaults(),
	}
}

// trackerState is the per-Await bookkeeping shared between dispatchers, the
// watchdog, and retry timers.
type trackerState struct {
	mu       sync.Mutex
	terminal map[int]bool
	total    int
	done     chan struct{}
	timers   []*time.Timer
	closed   bool
}

func (s *trackerState) markTerminal(chunkID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal[chunkID] {
		return false
	}
	s.terminal[chunkID] = true
	if len(s.terminal) == s.total && !s.closed {
		s.closed = true
		close(s.done)
	}
	return true
}

func (s *trackerState) addTimer(t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers = append(s.timers, t)
}

func (s *trackerState) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		t.Stop()
	}
}

// Await blocks until every non-terminal chunk of job reaches a terminal
// status, the barrier timeout expires, the job is cancelled, or ctx is done.
// onTerminal is invoked at most once per chunk as it lands. The returned
// chunks reflect store state at exit; callers decide the job outcome from
// them.
func (t *CompletionTracker) Await(ctx context.Context, job *types.Job, parallel int, onTerminal func(*types.Chunk)) ([]*types.Chunk, error) {
	chunks, err := t.store.ListChunks(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	st := &trackerState{
		terminal: make(map[int]bool, len(chunks)),
		total:    len(chunks),
		done:     make(chan struct{}),
	}

	// Each chunk can re-enter the queue once per retry plus a watchdog
	// requeue, so size the buffer to never block a dispatcher.
	queue := make(chan int, len(chunks)*(int(t.cfg.MaxRetries)+2))
	pending := 0
	for _, c := range chunks {
		if c.Status.Terminal() {
			st.markTerminal(c.ChunkID)
			if onTerminal != nil {
				onTerminal(c)
			}
			continue
		}
		queue <- c.ChunkID
		pending++
	}
	if pending == 0 {
		return t.store.ListChunks(ctx, job.ID)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	defer st.stopTimers()

	if parallel < 1 {
		parallel = 1
	}
	if parallel > pending {
		parallel = pending
	}

	logger := t.logger.With("job_id", job.ID)
	logger.Info("dispatching chunks", "chunks", pending, "workers", parallel)

	var wg sync.WaitGroup
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case chunkID := <-queue:
					t.dispatch(runCtx, logger, job, chunkID, st, queue, onTerminal)
				}
			}
		}()
	}

	watchdogDone := make(chan struct{})
	go t.watchdog(runCtx, logger, job, st, queue, onTerminal, watchdogDone)

	cancelled := make(chan struct{})
	go t.pollCancel(runCtx, job.ID, cancelled)

	var awaitErr error
	select {
	case <-st.done:
	case <-cancelled:
		logger.Info("cancellation requested, abandoning remaining chunks")
	case <-time.After(t.cfg.BarrierTimeout):
		logger.Warn("barrier timeout, settling with partial results", "timeout", t.cfg.BarrierTimeout)
	case <-ctx.Done():
		awaitErr = ctx.Err()
	}

	cancelRun()
	wg.Wait()
	<-watchdogDone

	final, err := t.store.ListChunks(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	return final, awaitErr
}

func (t *CompletionTracker) dispatch(ctx context.Context, logger *slog.Logger, job *types.Job, chunkID int, st *trackerState, queue chan int, onTerminal func(*types.Chunk)) {
	status, err := t.worker.Process(ctx, job, chunkID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("chunk dispatch failed", "chunk_id", chunkID, "error", err)
		// Store errors are transient from the tracker's view; requeue
		// after the retry delay rather than wedging the barrier.
		t.requeueAfter(ctx, st, queue, chunkID, t.cfg.RetryDelay)
		return
	}

	switch {
	case status.Terminal():
		if st.markTerminal(chunkID) && onTerminal != nil {
			if c, gerr := t.store.GetChunk(ctx, job.ID, chunkID); gerr == nil {
				onTerminal(c)
			}
		}
	case status == types.ChunkRetryScheduled:
		t.requeueAfter(ctx, st, queue, chunkID, t.cfg.RetryDelay)
	}
	// ChunkProcessing means another claimant holds it; the watchdog will
	// recover it if that claimant disappeared.
}

func (t *CompletionTracker) requeueAfter(ctx context.Context, st *trackerState, queue chan int, chunkID int, delay time.Duration) {
	timer := time.AfterFunc(delay, func() {
		select {
		case queue <- chunkID:
		case <-ctx.Done():
		}
	})
	st.addTimer(timer)
}

// watchdog periodically scans for chunks stuck in processing longer than
// StuckThreshold and converts the stale claim into a failed attempt, so a
// crashed or hung claimant cannot wedge the barrier.
func (t *CompletionTracker) watchdog(ctx context.Context, logger *slog.Logger, job *types.Job, st *trackerState, queue chan int, onTerminal func(*types.Chunk), done chan struct{}) {
	defer close(done)

	interval := t.cfg.StuckThreshold / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		chunks, err := t.store.ListChunks(ctx, job.ID)
		if err != nil {
			continue
		}
		for _, c := range chunks {
			if c.Status != types.ChunkProcessing {
				continue
			}
			if time.Since(c.UpdatedAt) < t.cfg.StuckThreshold {
				continue
			}

			c.Attempts++
			c.LastError = "chunk stuck in processing past threshold"
			c.LastErrorCode = string(transform.CodeTimeout)
			if c.Attempts < c.MaxRetries {
				c.Status = types.ChunkRetryScheduled
			} else {
				c.Status = types.ChunkFailed
			}

			if serr := t.store.SaveChunkResult(ctx, c, types.ChunkProcessing); serr != nil {
				// The real claimant finished first; nothing to recover.
				continue
			}
			logger.Warn("recovered stuck chunk",
				"chunk_id", c.ChunkID,
				"attempt", c.Attempts,
				"status", c.Status,
			)

			if c.Status == types.ChunkRetryScheduled {
				t.requeueAfter(ctx, st, queue, c.ChunkID, t.cfg.RetryDelay)
			} else if st.markTerminal(c.ChunkID) && onTerminal != nil {
				onTerminal(c)
			}
		}
	}
}

func (t *CompletionTracker) pollCancel(ctx context.Context, jobID string, cancelled chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := t.store.GetJob(ctx, jobID)
			if err != nil {
				continue
			}
			if job.CancelRequested {
				close(cancelled)
				return
			}
		}
	}
}
