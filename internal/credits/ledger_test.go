package credits

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/siftlabs/sift/internal/types"
)

// memStore is a minimal in-memory EntryStore for ledger tests. Like the real
// stores, it rejects a second job-scoped entry with the same reason.
type memStore struct {
	entries []*Entry
}

func (m *memStore) AppendEntry(_ context.Context, e *Entry) error {
	if e.JobID != "" {
		for _, existing := range m.entries {
			if existing.JobID == e.JobID && existing.Reason == e.Reason {
				return ErrDuplicateEntry
			}
		}
	}
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *memStore) ListJobEntries(_ context.Context, jobID string) ([]*Entry, error) {
	var out []*Entry
	for _, e := range m.entries {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) ListUserEntries(_ context.Context, userID, month string) ([]*Entry, error) {
	var out []*Entry
	for _, e := range m.entries {
		if e.UserID == userID && e.Month == month {
			out = append(out, e)
		}
	}
	return out, nil
}

// staleStore serves job-entry listings frozen at a snapshot while writes
// keep landing in the underlying store. It reproduces the window where two
// settlement calls both read the ledger before either has appended.
type staleStore struct {
	memStore
	snapshot []*Entry
	frozen   bool
}

func (s *staleStore) freeze() {
	s.snapshot = append([]*Entry(nil), s.entries...)
	s.frozen = true
}

func (s *staleStore) thaw() { s.frozen = false }

func (s *staleStore) ListJobEntries(ctx context.Context, jobID string) ([]*Entry, error) {
	if !s.frozen {
		return s.memStore.ListJobEntries(ctx, jobID)
	}
	var out []*Entry
	for _, e := range s.snapshot {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

func countByReason(entries []*Entry) map[Reason]int {
	out := make(map[Reason]int)
	for _, e := range entries {
		out[e.Reason]++
	}
	return out
}

func testJob(id string, estimated float64) *types.Job {
	return &types.Job{
		ID:               id,
		UserID:           "user-1",
		EstimatedCredits: estimated,
		PricingVersion:   "2025-01",
	}
}

func newTestLedger() (*Ledger, *memStore) {
	st := &memStore{}
	return NewLedger(st, nil), st
}

func TestLedger_GrantAndBalance(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()
	month := MonthOf(time.Now())

	if _, err := ledger.Grant(ctx, "user-1", 500); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	balance, err := ledger.Balance(ctx, "user-1", month)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != 500 {
		t.Errorf("expected balance 500, got %.2f", balance)
	}

	if _, err := ledger.Grant(ctx, "user-1", -5); err == nil {
		t.Error("expected error for non-positive grant")
	}
}

func TestLedger_ReserveInsufficient(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()

	if _, err := ledger.Grant(ctx, "user-1", 50); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	err := ledger.Reserve(ctx, testJob("job-1", 100))
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestLedger_ReserveIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger, st := newTestLedger()

	ledger.Grant(ctx, "user-1", 500)
	job := testJob("job-1", 100)

	if err := ledger.Reserve(ctx, job); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := ledger.Reserve(ctx, job); err != nil {
		t.Fatalf("duplicate Reserve failed: %v", err)
	}

	entries, _ := st.ListJobEntries(ctx, "job-1")
	if len(entries) != 1 {
		t.Errorf("expected 1 reserve entry, got %d", len(entries))
	}
}

func TestLedger_FinalizeNetting(t *testing.T) {
	// Reserve 100, consume 60: job_final of -60, job_refund of +40,
	// leaving the user's balance down exactly 60.
	ctx := context.Background()
	ledger, _ := newTestLedger()
	month := MonthOf(time.Now())

	ledger.Grant(ctx, "user-1", 500)
	job := testJob("job-1", 100)
	if err := ledger.Reserve(ctx, job); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := ledger.Finalize(ctx, job, 60); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	balance, err := ledger.Balance(ctx, "user-1", month)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if math.Abs(balance-440) > reconcileEpsilon {
		t.Errorf("expected balance 440, got %.2f", balance)
	}

	if err := ledger.VerifyJob(ctx, "job-1"); err != nil {
		t.Errorf("VerifyJob failed: %v", err)
	}
}

func TestLedger_FinalizeIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger, st := newTestLedger()

	ledger.Grant(ctx, "user-1", 500)
	job := testJob("job-1", 100)
	ledger.Reserve(ctx, job)

	if err := ledger.Finalize(ctx, job, 60); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if err := ledger.Finalize(ctx, job, 60); err != nil {
		t.Fatalf("duplicate Finalize failed: %v", err)
	}

	entries, _ := st.ListJobEntries(ctx, "job-1")
	if len(entries) != 3 { // reserve, final, refund
		t.Errorf("expected 3 entries, got %d", len(entries))
	}
}

func TestLedger_ConcurrentFinalizeSettlesOnce(t *testing.T) {
	// Two finalizers race: both read the job's entries before either has
	// appended, so both idempotency checks pass. The store's per-reason
	// uniqueness must still keep the settlement single-shot.
	ctx := context.Background()
	st := &staleStore{}
	ledger := NewLedger(st, nil)
	month := MonthOf(time.Now())

	ledger.Grant(ctx, "user-1", 500)
	job := testJob("job-1", 100)
	if err := ledger.Reserve(ctx, job); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	st.freeze()
	if err := ledger.Finalize(ctx, job, 60); err != nil {
		t.Fatalf("first Finalize failed: %v", err)
	}
	if err := ledger.Finalize(ctx, job, 60); err != nil {
		t.Fatalf("racing Finalize failed: %v", err)
	}
	st.thaw()

	counts := countByReason(st.entries)
	if counts[ReasonJobFinal] != 1 || counts[ReasonJobRefund] != 1 {
		t.Fatalf("expected 1 final and 1 refund entry, got %d / %d",
			counts[ReasonJobFinal], counts[ReasonJobRefund])
	}
	balance, _ := ledger.Balance(ctx, "user-1", month)
	if math.Abs(balance-440) > reconcileEpsilon {
		t.Errorf("expected balance 440, got %.2f", balance)
	}
	if err := ledger.VerifyJob(ctx, "job-1"); err != nil {
		t.Errorf("VerifyJob failed: %v", err)
	}
}

func TestLedger_ConcurrentRefundOnce(t *testing.T) {
	ctx := context.Background()
	st := &staleStore{}
	ledger := NewLedger(st, nil)
	month := MonthOf(time.Now())

	ledger.Grant(ctx, "user-1", 500)
	job := testJob("job-1", 100)
	ledger.Reserve(ctx, job)

	st.freeze()
	if err := ledger.RefundAll(ctx, job); err != nil {
		t.Fatalf("first RefundAll failed: %v", err)
	}
	if err := ledger.RefundAll(ctx, job); err != nil {
		t.Fatalf("racing RefundAll failed: %v", err)
	}
	st.thaw()

	if counts := countByReason(st.entries); counts[ReasonJobRefund] != 1 {
		t.Fatalf("expected 1 refund entry, got %d", counts[ReasonJobRefund])
	}
	balance, _ := ledger.Balance(ctx, "user-1", month)
	if balance != 500 {
		t.Errorf("expected balance restored to 500, got %.2f", balance)
	}
}

func TestLedger_ConcurrentReserveOnce(t *testing.T) {
	ctx := context.Background()
	st := &staleStore{}
	ledger := NewLedger(st, nil)
	month := MonthOf(time.Now())

	ledger.Grant(ctx, "user-1", 500)
	st.freeze()

	job := testJob("job-1", 100)
	if err := ledger.Reserve(ctx, job); err != nil {
		t.Fatalf("first Reserve failed: %v", err)
	}
	if err := ledger.Reserve(ctx, job); err != nil {
		t.Fatalf("racing Reserve failed: %v", err)
	}
	st.thaw()

	if counts := countByReason(st.entries); counts[ReasonJobReserve] != 1 {
		t.Fatalf("expected 1 reserve entry, got %d", counts[ReasonJobReserve])
	}
	balance, _ := ledger.Balance(ctx, "user-1", month)
	if balance != 400 {
		t.Errorf("expected balance 400, got %.2f", balance)
	}
}

func TestLedger_FinalizeAdoptsCommittedAmount(t *testing.T) {
	// A finalizer arriving after another committed a different amount must
	// settle the refund against the committed final, not its own figure.
	ctx := context.Background()
	ledger, st := newTestLedger()

	ledger.Grant(ctx, "user-1", 500)
	job := testJob("job-1", 100)
	ledger.Reserve(ctx, job)

	if err := ledger.Finalize(ctx, job, 60); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if err := ledger.Finalize(ctx, job, 90); err != nil {
		t.Fatalf("late Finalize failed: %v", err)
	}

	for _, e := range st.entries {
		if e.Reason == ReasonJobFinal && e.Delta != -60 {
			t.Errorf("expected final delta -60, got %.2f", e.Delta)
		}
		if e.Reason == ReasonJobRefund && e.Delta != 40 {
			t.Errorf("expected refund delta 40, got %.2f", e.Delta)
		}
	}
	if err := ledger.VerifyJob(ctx, "job-1"); err != nil {
		t.Errorf("VerifyJob failed: %v", err)
	}
}

func TestLedger_FinalizeResumesPartialSettlement(t *testing.T) {
	// A crash between the final and refund entries leaves a half-settled
	// job; re-running Finalize completes the refund against the committed
	// final entry.
	ctx := context.Background()
	ledger, st := newTestLedger()

	st.entries = append(st.entries,
		&Entry{UserID: "user-1", JobID: "job-1", Reason: ReasonJobReserve, Delta: -100},
		&Entry{UserID: "user-1", JobID: "job-1", Reason: ReasonJobFinal, Delta: -60},
	)

	if err := ledger.Finalize(ctx, testJob("job-1", 100), 60); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	counts := countByReason(st.entries)
	if counts[ReasonJobRefund] != 1 {
		t.Fatalf("expected the refund to be completed, got %d refund entries", counts[ReasonJobRefund])
	}
	if err := ledger.VerifyJob(ctx, "job-1"); err != nil {
		t.Errorf("VerifyJob failed: %v", err)
	}
}

func TestLedger_FinalizeCapsAtReservation(t *testing.T) {
	ctx := context.Background()
	ledger, st := newTestLedger()

	ledger.Grant(ctx, "user-1", 500)
	job := testJob("job-1", 100)
	ledger.Reserve(ctx, job)

	// Actual usage overran the estimate; the charge is capped.
	if err := ledger.Finalize(ctx, job, 150); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	entries, _ := st.ListJobEntries(ctx, "job-1")
	for _, e := range entries {
		if e.Reason == ReasonJobFinal && e.Delta != -100 {
			t.Errorf("expected final delta -100, got %.2f", e.Delta)
		}
		if e.Reason == ReasonJobRefund {
			t.Errorf("unexpected refund entry for fully-consumed reservation")
		}
	}
	if err := ledger.VerifyJob(ctx, "job-1"); err != nil {
		t.Errorf("VerifyJob failed: %v", err)
	}
}

func TestLedger_RefundAll(t *testing.T) {
	// A job whose every chunk failed refunds the entire reservation and
	// writes no job_final entry.
	ctx := context.Background()
	ledger, st := newTestLedger()
	month := MonthOf(time.Now())

	ledger.Grant(ctx, "user-1", 500)
	job := testJob("job-1", 100)
	ledger.Reserve(ctx, job)

	if err := ledger.RefundAll(ctx, job); err != nil {
		t.Fatalf("RefundAll failed: %v", err)
	}
	if err := ledger.RefundAll(ctx, job); err != nil {
		t.Fatalf("duplicate RefundAll failed: %v", err)
	}

	balance, _ := ledger.Balance(ctx, "user-1", month)
	if balance != 500 {
		t.Errorf("expected balance restored to 500, got %.2f", balance)
	}

	entries, _ := st.ListJobEntries(ctx, "job-1")
	if len(entries) != 2 { // reserve + refund
		t.Errorf("expected 2 entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Reason == ReasonJobFinal {
			t.Error("unexpected job_final entry for refunded job")
		}
	}
	if err := ledger.VerifyJob(ctx, "job-1"); err != nil {
		t.Errorf("VerifyJob failed: %v", err)
	}
}

func TestLedger_BalanceExcludesFinal(t *testing.T) {
	// job_final records consumption against already-reserved funds; counting
	// it in the balance would charge the user twice.
	ctx := context.Background()
	ledger, _ := newTestLedger()
	month := MonthOf(time.Now())

	ledger.Grant(ctx, "user-1", 200)
	job := testJob("job-1", 100)
	ledger.Reserve(ctx, job)
	ledger.Finalize(ctx, job, 100)

	balance, _ := ledger.Balance(ctx, "user-1", month)
	if balance != 100 {
		t.Errorf("expected balance 100, got %.2f", balance)
	}
}

func TestLedger_VerifyJobInconsistency(t *testing.T) {
	ctx := context.Background()
	ledger, st := newTestLedger()

	// Hand-craft a broken settlement: reserve 100 but settle only 90.
	st.entries = append(st.entries,
		&Entry{UserID: "user-1", JobID: "job-1", Reason: ReasonJobReserve, Delta: -100},
		&Entry{UserID: "user-1", JobID: "job-1", Reason: ReasonJobFinal, Delta: -60},
		&Entry{UserID: "user-1", JobID: "job-1", Reason: ReasonJobRefund, Delta: 30},
	)

	err := ledger.VerifyJob(ctx, "job-1")
	var inc *InconsistencyError
	if !errors.As(err, &inc) {
		t.Fatalf("expected InconsistencyError, got %v", err)
	}
	if inc.Expected != 100 || inc.Got != 90 {
		t.Errorf("expected reserved 100 settled 90, got %.2f / %.2f", inc.Expected, inc.Got)
	}
}

func TestMonthOf(t *testing.T) {
	ts := time.Date(2025, time.March, 7, 12, 0, 0, 0, time.UTC)
	if got := MonthOf(ts); got != "2025-03" {
		t.Errorf("expected 2025-03, got %s", got)
	}
}
