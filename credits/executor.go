package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Operation is a deferred unit of work gated by one credit. The executor
// never retries it; a retry is a fresh Execute call and a fresh charge.
type Operation func(ctx context.Context) error

// Executor charges one credit, runs the operation, and refunds the credit if
// the operation fails. The contract: an operation either runs and is durably
// charged, does not run at all, or runs, fails, and is durably refunded.
type Executor struct {
	store  BalanceStore
	logger *slog.Logger
}

// NewExecutor creates an executor backed by the given store.
func NewExecutor(store BalanceStore, logger *slog.Logger) *Executor {
	return &Executor{
		store:  store,
		logger: logger.With("component", "credits"),
	}
}

// Execute runs op under credit metering for userID. An empty userID selects
// the unmetered guest path: op runs and the balance and ledger are never
// touched.
//
// Failure taxonomy: ErrInsufficientCredits when no credit is left (op is not
// invoked), ErrStoreUnavailable when the reservation write fails,
// *OperationError when op fails and the refund succeeds, *CompensationError
// when op fails and the refund also fails.
func (e *Executor) Execute(ctx context.Context, userID, kind string, op Operation) error {
	if userID == "" {
		return op(ctx)
	}

	remaining, err := e.store.ReserveCredit(ctx, userID, kind)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			return ErrInsufficientCredits
		}
		return fmt.Errorf("%w: reserve: %v", ErrStoreUnavailable, err)
	}

	e.logger.Debug("credit reserved", "user_id", userID, "kind", kind, "remaining", remaining)

	opErr := op(ctx)
	if opErr == nil {
		return nil
	}

	// Compensate on a context detached from the caller: a client disconnect
	// after the charge must not leave the credit spent.
	refundCtx := context.WithoutCancel(ctx)
	if _, refundErr := e.store.RefundCredit(refundCtx, userID, "refund — "+kind+" failed"); refundErr != nil {
		e.logger.Error("credit refund failed, manual reconciliation required",
			"user_id", userID,
			"kind", kind,
			"operation_error", opErr,
			"refund_error", refundErr,
		)
		return &CompensationError{OpErr: opErr, RefundErr: refundErr}
	}

	e.logger.Info("credit refunded after failed operation", "user_id", userID, "kind", kind, "error", opErr)
	return &OperationError{Err: opErr}
}
