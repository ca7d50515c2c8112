package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/siftlabs/sift/internal/types"
)

// ErrInsufficientCredits is returned when a reservation exceeds the user's
// available balance.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrDuplicateEntry is returned by stores when a job already has an entry
// with the same reason. It is how a settlement writer learns that a
// concurrent writer committed first.
var ErrDuplicateEntry = errors.New("duplicate ledger entry")

// reconcileEpsilon absorbs float rounding when checking per-job settlement.
const reconcileEpsilon = 0.001

// InconsistencyError reports a ledger whose per-job entries do not reconcile
// with the job's reservation. It is fatal for the job and surfaced for manual
// reconciliation, never silently corrected.
type InconsistencyError struct {
	JobID    string
	Expected float64 // reservation
	Got      float64 // consumed + refunded
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("settlement inconsistency for job %s: reserved %.2f but settled %.2f", e.JobID, e.Expected, e.Got)
}

// EntryStore is the persistence surface the ledger needs. Implemented by
// store.Store; entries are append-only and returned in insertion order.
//
// AppendEntry must enforce that a job carries at most one entry per reason,
// atomically with the write, and report a violation as ErrDuplicateEntry.
// The ledger's read-then-append idempotency checks are only advisory;
// this constraint is what keeps concurrent settlement single-shot.
type EntryStore interface {
	AppendEntry(ctx context.Context, e *Entry) error
	ListJobEntries(ctx context.Context, jobID string) ([]*Entry, error)
	ListUserEntries(ctx context.Context, userID, month string) ([]*Entry, error)
}

// Ledger provides settlement operations over the entry store. All job-scoped
// operations are idempotent: a duplicate call observes the existing entries
// and appends nothing.
type Ledger struct {
	store  EntryStore
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger creates a ledger service.
func NewLedger(store EntryStore, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger.With("component", "ledger"), now: time.Now}
}

// Balance returns the user's available credits for a month: the sum of all
// entry deltas except job_final. A job_final entry records consumption
// against funds the matching job_reserve already deducted; summing both would
// double-charge.
func (l *Ledger) Balance(ctx context.Context, userID, month string) (float64, error) {
	entries, err := l.store.ListUserEntries(ctx, userID, month)
	if err != nil {
		return 0, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	var sum float64
	for _, e := range entries {
		if e.Reason == ReasonJobFinal {
			continue
		}
		sum += e.Delta
	}
	return sum, nil
}

// Grant appends a monthly_grant entry for the current month.
func (l *Ledger) Grant(ctx context.Context, userID string, amount float64) (*Entry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("grant amount must be positive, got %.2f", amount)
	}
	return l.append(ctx, &Entry{
		UserID: userID,
		Delta:  amount,
		Reason: ReasonMonthlyGrant,
	})
}

// Adjust appends an admin_adjustment entry (signed).
func (l *Ledger) Adjust(ctx context.Context, userID string, delta float64) (*Entry, error) {
	if delta == 0 {
		return nil, fmt.Errorf("adjustment delta must be non-zero")
	}
	return l.append(ctx, &Entry{
		UserID: userID,
		Delta:  delta,
		Reason: ReasonAdminAdjustment,
	})
}

// Reserve holds the job's estimated credits: a job_reserve entry with a
// negative delta. Fails with ErrInsufficientCredits when the user's balance
// cannot cover the estimate. A duplicate call for the same job is a no-op.
func (l *Ledger) Reserve(ctx context.Context, job *types.Job) error {
	existing, err := l.jobEntries(ctx, job.ID)
	if err != nil {
		return err
	}
	if existing[ReasonJobReserve] != nil {
		return nil
	}

	balance, err := l.Balance(ctx, job.UserID, MonthOf(l.now()))
	if err != nil {
		return err
	}
	if balance < job.EstimatedCredits {
		return fmt.Errorf("%w: balance %.2f, need %.2f", ErrInsufficientCredits, balance, job.EstimatedCredits)
	}

	_, err = l.append(ctx, &Entry{
		UserID:         job.UserID,
		Delta:          -job.EstimatedCredits,
		Reason:         ReasonJobReserve,
		JobID:          job.ID,
		PricingVersion: job.PricingVersion,
	})
	if errors.Is(err, ErrDuplicateEntry) {
		// A concurrent call reserved first; same outcome.
		return nil
	}
	if err == nil {
		l.logger.Info("credits reserved", "job_id", job.ID, "user_id", job.UserID, "amount", job.EstimatedCredits)
	}
	return err
}

// Finalize settles a job that produced output: a job_final entry for the
// actual consumption and, when the reservation exceeds it, a job_refund for
// the difference. Actual consumption is capped at the reservation so a job
// can never charge more than it reserved. Idempotent per job: the store's
// per-reason uniqueness makes the entry writes single-shot, so a racing
// finalizer adopts whatever the first committer recorded, and a call
// interrupted between the two entries completes the refund on re-run.
func (l *Ledger) Finalize(ctx context.Context, job *types.Job, actual float64) error {
	existing, err := l.jobEntries(ctx, job.ID)
	if err != nil {
		return err
	}
	if existing[ReasonJobFinal] == nil && existing[ReasonJobRefund] != nil {
		// Already settled through the refund-only path.
		return nil
	}

	if actual > job.EstimatedCredits {
		actual = job.EstimatedCredits
	}
	if actual < 0 {
		actual = 0
	}

	// A committed final entry fixes the consumed amount; settle the refund
	// against it so the reservation nets exactly.
	if fin := existing[ReasonJobFinal]; fin != nil {
		actual = -fin.Delta
	} else if actual > 0 {
		_, aerr := l.append(ctx, &Entry{
			UserID:         job.UserID,
			Delta:          -actual,
			Reason:         ReasonJobFinal,
			JobID:          job.ID,
			PricingVersion: job.PricingVersion,
		})
		if errors.Is(aerr, ErrDuplicateEntry) {
			existing, err = l.jobEntries(ctx, job.ID)
			if err != nil {
				return err
			}
			if fin := existing[ReasonJobFinal]; fin != nil {
				actual = -fin.Delta
			}
		} else if aerr != nil {
			return aerr
		}
	}

	if existing[ReasonJobRefund] == nil {
		if refund := job.EstimatedCredits - actual; refund > 0 {
			_, aerr := l.append(ctx, &Entry{
				UserID:         job.UserID,
				Delta:          refund,
				Reason:         ReasonJobRefund,
				JobID:          job.ID,
				PricingVersion: job.PricingVersion,
			})
			if aerr != nil && !errors.Is(aerr, ErrDuplicateEntry) {
				return aerr
			}
		}
	}

	l.logger.Info("job settled", "job_id", job.ID, "reserved", job.EstimatedCredits, "actual", actual)
	return nil
}

// RefundAll returns the full reservation for a job that produced nothing.
// Idempotent per job.
func (l *Ledger) RefundAll(ctx context.Context, job *types.Job) error {
	return l.Refund(ctx, job, job.EstimatedCredits)
}

// Refund returns part of the reservation, e.g. proportional to chunks never
// started when a job is cancelled. Idempotent per job.
func (l *Ledger) Refund(ctx context.Context, job *types.Job, amount float64) error {
	existing, err := l.jobEntries(ctx, job.ID)
	if err != nil {
		return err
	}
	if existing[ReasonJobRefund] != nil {
		return nil
	}
	if amount <= 0 {
		return nil
	}
	if amount > job.EstimatedCredits {
		amount = job.EstimatedCredits
	}

	_, err = l.append(ctx, &Entry{
		UserID:         job.UserID,
		Delta:          amount,
		Reason:         ReasonJobRefund,
		JobID:          job.ID,
		PricingVersion: job.PricingVersion,
	})
	if errors.Is(err, ErrDuplicateEntry) {
		// A concurrent settlement refunded first.
		return nil
	}
	if err == nil {
		l.logger.Info("credits refunded", "job_id", job.ID, "amount", amount)
	}
	return err
}

// VerifyJob checks that a settled job's entries reconcile: the reservation
// must exactly equal consumption plus refund. A violation is returned as
// *InconsistencyError and must be surfaced, not corrected.
func (l *Ledger) VerifyJob(ctx context.Context, jobID string) error {
	entries, err := l.store.ListJobEntries(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to list job ledger entries: %w", err)
	}

	var reserved, consumed, refunded float64
	for _, e := range entries {
		switch e.Reason {
		case ReasonJobReserve:
			reserved += -e.Delta
		case ReasonJobFinal:
			consumed += -e.Delta
		case ReasonJobRefund:
			refunded += e.Delta
		}
	}

	if settled := consumed + refunded; math.Abs(reserved-settled) > reconcileEpsilon {
		return &InconsistencyError{JobID: jobID, Expected: reserved, Got: settled}
	}
	return nil
}

// jobEntries returns the job's entries indexed by reason (first entry wins;
// reserve/final/refund each appear at most once per job).
func (l *Ledger) jobEntries(ctx context.Context, jobID string) (map[Reason]*Entry, error) {
	entries, err := l.store.ListJobEntries(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job ledger entries: %w", err)
	}
	byReason := make(map[Reason]*Entry, len(entries))
	for _, e := range entries {
		if _, ok := byReason[e.Reason]; !ok {
			byReason[e.Reason] = e
		}
	}
	return byReason, nil
}

func (l *Ledger) append(ctx context.Context, e *Entry) (*Entry, error) {
	now := l.now().UTC()
	e.ID = uuid.New().String()
	e.Month = MonthOf(now)
	e.CreatedAt = now
	if err := l.store.AppendEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return e, nil
}
