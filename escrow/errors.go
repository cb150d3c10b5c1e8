package escrow

import "errors"

var (
	// ErrDuplicateHold is returned when a request already owns an escrow.
	ErrDuplicateHold = errors.New("escrow: duplicate hold")
	// ErrNotFound is returned when the escrow or its request does not exist.
	ErrNotFound = errors.New("escrow: not found")
	// ErrAmountMismatch is returned when the hold amount differs from the request cost.
	ErrAmountMismatch = errors.New("escrow: amount must equal request cost")
	// ErrPayoutFailed reports that the status transition committed but the
	// outbound transfer did not. The payout is left for the sweep to retry.
	ErrPayoutFailed = errors.New("escrow: payout failed")
	// ErrPayoutInFlight is returned when another goroutine is paying the same escrow.
	ErrPayoutInFlight = errors.New("escrow: payout in flight")
)
