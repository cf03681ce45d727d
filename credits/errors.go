package credits

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientCredits is returned when a reservation finds no credit
	// left. It is an expected business condition, not a system fault.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrStoreUnavailable wraps balance/ledger store failures. Authenticated
	// executions never fall back to running for free when the store is down.
	ErrStoreUnavailable = errors.New("credit store unavailable")
)

// OperationError reports that the metered operation itself failed after its
// credit was charged; the charge has already been refunded.
type OperationError struct {
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation failed: %v", e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// CompensationError reports that the refund write failed after an operation
// failure. The credit is charged with nothing to show for it, so this must
// surface distinctly for manual reconciliation — never as a plain
// OperationError.
type CompensationError struct {
	OpErr     error // the original operation failure
	RefundErr error // the refund write failure
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("refund failed after operation failure: %v (operation error: %v)", e.RefundErr, e.OpErr)
}

func (e *CompensationError) Unwrap() error { return e.RefundErr }
