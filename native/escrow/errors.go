package escrow

import "errors"

// The closed set of domain failures raised by the guard chain, the state
// machine and the transfer engine. Callers match them with errors.Is; every
// one of them aborts the operation with no partial state committed.
var (
	// ErrInvalidAmount rejects creation with a zero amount.
	ErrInvalidAmount = errors.New("escrow: amount must be positive")
	// ErrInvalidState rejects a terminal operation attempted outside the
	// Active state. Safe to treat as an idempotent no-op by callers.
	ErrInvalidState = errors.New("escrow: invalid state for operation")
	// ErrUnauthorized rejects a caller that is not the escrow's buyer.
	ErrUnauthorized = errors.New("escrow: unauthorized caller")
	// ErrInvalidSeller rejects a release whose payout target does not match
	// the stored seller.
	ErrInvalidSeller = errors.New("escrow: seller mismatch")
	// ErrInsufficientFunds rejects a transfer when the balance actually
	// resident at the source address is below the required quantity.
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")
	// ErrInvalidAddress signals that a stored record does not re-derive to
	// the address it is filed under. The record cannot be trusted.
	ErrInvalidAddress = errors.New("escrow: derived address mismatch")
)

var (
	errNilState  = errors.New("escrow engine: state not configured")
	errNotFound  = errors.New("escrow engine: escrow not found")
	errNilEscrow = errors.New("escrow engine: nil escrow")
)

// IsNotFound reports whether err signals a missing escrow record.
func IsNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}
