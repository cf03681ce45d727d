// Package credits implements the metered-operation executor: unit-cost
// operations are charged against a per-user credit balance before they run
// and refunded when they fail.
package credits

import (
	"context"
	"time"
)

// Balance is the materialized credit count for one user. Remaining is the
// number of operations the user may still run; UsedTotal counts every charge
// ever taken and is never decremented by refunds.
type Balance struct {
	UserID    string    `json:"user_id"`
	Remaining int64     `json:"remaining"`
	UsedTotal int64     `json:"used_total"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry is one immutable row in the append-only credit audit trail.
// Amount is negative for charges and positive for refunds and grants.
type LedgerEntry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// BalanceStore is the persistence contract the executor needs. Implementations
// must make ReserveCredit atomic: the conditional decrement and the ledger
// insert happen in one storage transaction, so two concurrent reservations
// against a balance of one can never both succeed.
type BalanceStore interface {
	// Balance returns the current balance, or (nil, nil) if the user has none.
	Balance(ctx context.Context, userID string) (*Balance, error)

	// ReserveCredit atomically decrements remaining by one, increments
	// used_total by one, and appends a -1 ledger entry. Returns the remaining
	// count after the decrement, or ErrInsufficientCredits when remaining < 1.
	ReserveCredit(ctx context.Context, userID, description string) (int64, error)

	// RefundCredit increments remaining by one and appends a +1 compensating
	// ledger entry in one transaction. UsedTotal is left untouched.
	RefundCredit(ctx context.Context, userID, description string) (int64, error)
}
