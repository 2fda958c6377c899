package settlement

import "errors"

// Precondition errors: expected, recoverable, surfaced to the caller for a
// corrective action. Never retried automatically.
var (
	ErrAlreadyFunded         = errors.New("project already funded")
	ErrNotApproved           = errors.New("milestone not completed or deliverable not approved")
	ErrAlreadyReleased       = errors.New("milestone already released")
	ErrAmountMismatch        = errors.New("amount does not match milestone held amount")
	ErrInsufficientHeldFunds = errors.New("amount exceeds currently held funds")
	ErrIdempotencyConflict   = errors.New("idempotency key already used by a different operation")
)

// Validation errors: rejected synchronously, nothing applied.
var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrBudgetMismatch    = errors.New("milestone amounts do not sum to project budget")
	ErrProjectNotFound   = errors.New("project not found")
	ErrMilestoneNotFound = errors.New("milestone not found")
)

// ErrSettlementFailed is terminal: the external capability failed after the
// retry budget. The local ledger is untouched; manual intervention required.
var ErrSettlementFailed = errors.New("settlement failed")

// ErrConservationViolated means a write would break
// sum(hold) == sum(release) + sum(refund) + held with held >= 0. It indicates
// a bug or a race the lock should have prevented; treated as fatal/alerting,
// never swallowed.
var ErrConservationViolated = errors.New("escrow conservation invariant violated")
