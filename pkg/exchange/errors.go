package exchange

import "errors"

// Every failed operation aborts with no partial mutation and wraps exactly
// one of these sentinels, so callers can branch on errors.Is.
var (
	// ErrInsufficientBalance: the caller or maker lacks the custodial funds
	// the requested move needs.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrTransferFailed: the external token ledger rejected a pull or push.
	ErrTransferFailed = errors.New("token transfer failed")

	// ErrNotFound: the referenced order id was never issued.
	ErrNotFound = errors.New("order not found")

	// ErrUnauthorized: the caller may not mutate the referenced order.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyFinalized: the order is cancelled or filled; both states
	// are permanent.
	ErrAlreadyFinalized = errors.New("order already finalized")
)
