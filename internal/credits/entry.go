// Package credits implements the settlement ledger: append-only accounting of
// credit grants, reservations, consumption and refunds. Entries are immutable
// once written; corrections are new entries, never updates.
package credits

import "time"

// Reason classifies a ledger entry.
type Reason string

const (
	ReasonMonthlyGrant    Reason = "monthly_grant"
	ReasonJobReserve      Reason = "job_reserve"
	ReasonJobFinal        Reason = "job_final"
	ReasonJobRefund       Reason = "job_refund"
	ReasonAdminAdjustment Reason = "admin_adjustment"
)

// Entry is one immutable ledger record. Delta is signed: reservations are
// negative, refunds and grants positive. job_final entries record actual
// consumption (negative) against a reservation that already captured the
// funds, so they are excluded from the available-balance sum; see
// Ledger.Balance.
type Entry struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Month          string    `json:"month"` // YYYY-MM bucket
	Delta          float64   `json:"delta_credits"`
	Reason         Reason    `json:"reason"`
	JobID          string    `json:"job_id,omitempty"`
	PricingVersion string    `json:"pricing_version,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// MonthOf returns the YYYY-MM bucket for a timestamp.
func MonthOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}
