package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/siftlabs/sift/internal/credits"
	"github.com/siftlabs/sift/internal/filter"
	"github.com/siftlabs/sift/internal/merge"
	"github.com/siftlabs/sift/internal/metrics"
	"github.com/siftlabs/sift/internal/notify"
	"github.com/siftlabs/sift/internal/planner"
	"github.com/siftlabs/sift/internal/store"
	"github.com/siftlabs/sift/internal/transform"
	"github.com/siftlabs/sift/internal/types"
)

// Deps carries the capabilities the orchestrator needs. Everything is
// injected explicitly; there is no ambient registry.
type Deps struct {
	Store       store.Store
	Ledger      *credits.Ledger
	Planner     *planner.Planner
	Transformer transform.Transformer
	Filter      filter.Filter
	Notifier    notify.Notifier
	Pricing     credits.Pricing
	Recorder    metrics.Recorder // optional usage recorder
	Logger      *slog.Logger
	Config      Config
}

// Orchestrator drives a job through its lifecycle: submit (plan, reserve,
// split), run (dispatch chunks, track the barrier), and finalize (merge,
// settle, verify). Finalization is guarded by optimistic concurrency so that
// concurrent runners settle a job exactly once.
type Orchestrator struct {
	store       store.Store
	ledger      *credits.Ledger
	planner     *planner.Planner
	transformer transform.Transformer
	filter      filter.Filter
	notifier    notify.Notifier
	pricing     credits.Pricing
	logger      *slog.Logger
	cfg         Config

	worker  *ChunkWorker
	tracker *CompletionTracker
}

// New creates an orchestrator from its dependencies.
func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config.withDefaults()

	worker := NewChunkWorker(deps.Store, deps.Transformer, deps.Filter, logger, cfg).WithRecorder(deps.Recorder)
	return &Orchestrator{
		store:       deps.Store,
		ledger:      deps.Ledger,
		planner:     deps.Planner,
		transformer: deps.Transformer,
		filter:      deps.Filter,
		notifier:    deps.Notifier,
		pricing:     deps.Pricing,
		logger:      logger.With("component", "orchestrator"),
		cfg:         cfg,
		worker:      worker,
		tracker:     NewCompletionTracker(deps.Store, worker, logger, cfg),
	}
}

// SubmitRequest describes a new job.
type SubmitRequest struct {
	UserID string
	Model  string
	Pages  []string
}

// Submit plans the document, creates the job, reserves credits, and persists
// the chunk set. The job is left pending; call Run to execute it. Pricing is
// frozen onto the job at submission so later price changes never affect it.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*types.Job, error) {
	plan, err := o.planner.Plan(len(req.Pages))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ErrCodeInvalidDocument, err)
	}

	model := req.Model
	if model == "" {
		model = o.pricing.DefaultModel()
	}

	job := &types.Job{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		Status:           types.JobPending,
		Model:            model,
		PricingRate:      o.pricing.Rate(model),
		PricingVersion:   o.pricing.Version,
		EstimatedCredits: o.pricing.Estimate(plan.PageCount, model),
		TotalChunks:      plan.NumChunks,
		CurrentStep:      "queued",
		CreatedAt:        time.Now().UTC(),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	logger := o.logger.With("job_id", job.ID, "user_id", job.UserID)
	logger.Info("job submitted",
		"pages", plan.PageCount,
		"strategy", plan.Strategy,
		"chunks", plan.NumChunks,
		"estimated_credits", job.EstimatedCredits,
	)

	if err := o.ledger.Reserve(ctx, job); err != nil {
		code := ErrCodeSettlement
		if errors.Is(err, credits.ErrInsufficientCredits) {
			code = ErrCodeInsufficientCredits
		}
		o.failJob(ctx, job.ID, code, err.Error())
		return nil, err
	}

	chunks, err := o.planner.Split(req.Pages, plan, int(o.cfg.MaxRetries))
	if err != nil {
		o.failJob(ctx, job.ID, ErrCodeInvalidDocument, err.Error())
		return nil, err
	}
	for _, c := range chunks {
		c.JobID = job.ID
	}
	if err := o.store.CreateChunks(ctx, chunks); err != nil {
		return nil, err
	}

	o.notify(job)
	return job, nil
}

// Run executes a pending or interrupted job to completion. It is safe to call
// Run again on a job that already finished; terminal jobs are returned as-is.
func (o *Orchestrator) Run(ctx context.Context, jobID string) (*types.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	logger := o.logger.With("job_id", jobID)

	if job.Status == types.JobPending {
		job, err = o.mutateJob(ctx, jobID, func(j *types.Job) error {
			if j.Status != types.JobPending {
				return nil
			}
			now := time.Now().UTC()
			j.Status = types.JobProcessing
			j.StartedAt = &now
			j.CurrentStep = "processing chunks"
			return nil
		})
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		o.notify(job)
	}

	parallel := o.parallelism(ctx, job)

	onTerminal := func(c *types.Chunk) {
		updated, merr := o.mutateJob(ctx, jobID, func(j *types.Job) error {
			j.ProcessedChunks = countTerminal(ctx, o.store, jobID)
			if j.TotalChunks > 0 {
				if pct := 100 * j.ProcessedChunks / j.TotalChunks; pct > j.ProgressPercent {
					j.ProgressPercent = pct
				}
			}
			return nil
		})
		if merr != nil {
			logger.Warn("progress update failed", "error", merr)
			return
		}
		o.notify(updated)
	}

	if job.TotalChunks == 1 {
		if _, err := o.worker.Process(ctx, job, 0); err != nil {
			return nil, err
		}
		if c, gerr := o.store.GetChunk(ctx, jobID, 0); gerr == nil && c.Status == types.ChunkRetryScheduled {
			// Single-chunk jobs retry inline rather than through the queue.
			for c.Status == types.ChunkRetryScheduled {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(o.cfg.RetryDelay):
				}
				if _, err := o.worker.Process(ctx, job, 0); err != nil {
					return nil, err
				}
				if c, gerr = o.store.GetChunk(ctx, jobID, 0); gerr != nil {
					return nil, gerr
				}
			}
		}
		onTerminal(nil)
	} else {
		if _, err := o.tracker.Await(ctx, job, parallel, onTerminal); err != nil {
			return nil, err
		}
	}

	return o.finalize(ctx, jobID)
}

// Cancel requests cancellation. A pending job is cancelled immediately with a
// full refund; a processing job has its flag set and settles for the work
// already done when the tracker observes the flag.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*types.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	if job.Status == types.JobPending {
		updated, err := o.mutateJob(ctx, jobID, func(j *types.Job) error {
			if j.Status != types.JobPending {
				return nil
			}
			now := time.Now().UTC()
			j.Status = types.JobCancelled
			j.ErrorCode = ErrCodeCancelled
			j.CurrentStep = "cancelled"
			j.CompletedAt = &now
			return nil
		})
		if err != nil {
			return nil, err
		}
		if updated.Status == types.JobCancelled {
			if rerr := o.ledger.RefundAll(ctx, updated); rerr != nil {
				return nil, rerr
			}
			o.notify(updated)
		}
		return updated, nil
	}

	updated, err := o.mutateJob(ctx, jobID, func(j *types.Job) error {
		j.CancelRequested = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("cancellation requested", "job_id", jobID)
	return updated, nil
}

// finalize settles a processing job exactly once. Competing finalizers race
// on the job's version; the loser observes a non-processing job and exits.
// The ledger is written before the job record so a crash between the two
// leaves a settled ledger and a re-runnable finalization, never a completed
// job with unsettled credits.
func (o *Orchestrator) finalize(ctx context.Context, jobID string) (*types.Job, error) {
	logger := o.logger.With("job_id", jobID)
	var final *types.Job

	err := retry.Do(
		func() error {
			job, err := o.store.GetJob(ctx, jobID)
			if err != nil {
				return err
			}
			if job.Status != types.JobProcessing {
				final = job
				return nil
			}

			chunks, err := o.store.ListChunks(ctx, jobID)
			if err != nil {
				return err
			}

			var succeeded, failed []int
			var tokens int
			for _, c := range chunks {
				switch c.Status {
				case types.ChunkSuccess:
					succeeded = append(succeeded, c.ChunkID)
					tokens += c.TokensUsed
				default:
					failed = append(failed, c.ChunkID)
				}
			}

			now := time.Now().UTC()
			switch {
			case job.CancelRequested:
				actual := credits.Cost(tokens, job.PricingRate)
				if err := o.ledger.Finalize(ctx, job, actual); err != nil {
					return err
				}
				job.Status = types.JobCancelled
				job.ErrorCode = ErrCodeCancelled
				job.ErrorMessage = "cancelled by user"
				job.ActualCredits = &actual
				job.CurrentStep = "cancelled"
				job.CompletedAt = &now

			case len(succeeded) > 0:
				sentences := merge.Merge(chunks)
				actual := credits.Cost(tokens, job.PricingRate)
				if err := o.ledger.Finalize(ctx, job, actual); err != nil {
					return err
				}
				job.Status = types.JobCompleted
				job.Result = sentences
				job.ActualCredits = &actual
				job.FailedChunks = failed
				job.ProcessedChunks = len(chunks)
				job.ProgressPercent = 100
				job.CurrentStep = "completed"
				job.CompletedAt = &now

			default:
				if err := o.ledger.RefundAll(ctx, job); err != nil {
					return err
				}
				job.Status = types.JobFailed
				job.ErrorCode = ErrCodeNoChunksSucceeded
				job.ErrorMessage = "all chunks failed"
				job.FailedChunks = failed
				job.ProcessedChunks = len(chunks)
				job.CurrentStep = "failed"
				job.CompletedAt = &now
			}

			if err := o.store.UpdateJob(ctx, job); err != nil {
				return err
			}

			if verr := o.ledger.VerifyJob(ctx, jobID); verr != nil {
				var inc *credits.InconsistencyError
				if errors.As(verr, &inc) {
					logger.Error("settlement inconsistency",
						"reserved", inc.Expected,
						"settled", inc.Got,
					)
					o.failJob(ctx, jobID, ErrCodeSettlement, inc.Error())
					final, _ = o.store.GetJob(ctx, jobID)
					return nil
				}
				return verr
			}

			final = job
			return nil
		},
		retry.RetryIf(func(err error) bool { return errors.Is(err, store.ErrVersionConflict) }),
		retry.Attempts(o.cfg.FinalizeAttempts),
		retry.Delay(o.cfg.FinalizeDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			logger.Error("finalize contention exhausted retries")
			o.failJob(ctx, jobID, ErrCodeFinalizeConflict, "concurrent finalization conflict")
			return o.store.GetJob(ctx, jobID)
		}
		return nil, err
	}

	if final != nil && final.Status.Terminal() {
		logger.Info("job finished",
			"status", final.Status,
			"error_code", final.ErrorCode,
		)
		o.notify(final)
	}
	return final, nil
}

// mutateJob applies fn to a fresh copy of the job and writes it back,
// reloading and reapplying on version conflicts. Attempts are bounded with
// backoff; contention beyond that surfaces as ErrVersionConflict.
func (o *Orchestrator) mutateJob(ctx context.Context, jobID string, fn func(*types.Job) error) (*types.Job, error) {
	var job *types.Job
	err := retry.Do(
		func() error {
			j, err := o.store.GetJob(ctx, jobID)
			if err != nil {
				return err
			}
			if err := fn(j); err != nil {
				return err
			}
			if err := o.store.UpdateJob(ctx, j); err != nil {
				return err
			}
			job = j
			return nil
		},
		retry.RetryIf(func(err error) bool { return errors.Is(err, store.ErrVersionConflict) }),
		retry.Attempts(o.cfg.FinalizeAttempts),
		retry.Delay(o.cfg.FinalizeDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (o *Orchestrator) failJob(ctx context.Context, jobID, code, message string) {
	_, err := o.mutateJob(ctx, jobID, func(j *types.Job) error {
		if j.Status.Terminal() {
			return nil
		}
		now := time.Now().UTC()
		j.Status = types.JobFailed
		j.ErrorCode = code
		j.ErrorMessage = message
		j.CurrentStep = "failed"
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		o.logger.Error("failed to mark job failed", "job_id", jobID, "error", err)
	}
}

// parallelism recovers the worker count for a job. The plan is not persisted,
// so re-plan from the page count implied by the chunk ranges.
func (o *Orchestrator) parallelism(ctx context.Context, job *types.Job) int {
	chunks, err := o.store.ListChunks(ctx, job.ID)
	if err != nil || len(chunks) == 0 {
		return 1
	}
	pageCount := 0
	for _, c := range chunks {
		if c.EndPage+1 > pageCount {
			pageCount = c.EndPage + 1
		}
	}
	plan, err := o.planner.Plan(pageCount)
	if err != nil {
		return 1
	}
	return plan.ParallelWorkers
}

func (o *Orchestrator) notify(job *types.Job) {
	notify.Send(o.notifier, job.ID, notify.Snapshot{
		JobID:           job.ID,
		Status:          job.Status,
		CurrentStep:     job.CurrentStep,
		ProgressPercent: job.ProgressPercent,
		ProcessedChunks: job.ProcessedChunks,
		TotalChunks:     job.TotalChunks,
		ErrorCode:       job.ErrorCode,
	})
}

func countTerminal(ctx context.Context, st store.Store, jobID string) int {
	chunks, err := st.ListChunks(ctx, jobID)
	if err != nil {
		return 0
	}
	n := 0
	for _, c := range chunks {
		if c.Status.Terminal() {
			n++
		}
	}
	return n
}
