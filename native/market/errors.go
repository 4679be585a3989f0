package market

import "errors"

// Every guard below is evaluated before any mutation; a failed guard leaves
// the record and all balances untouched.
var (
	// ErrNotFound is returned when no credit record exists for the
	// requested identifier.
	ErrNotFound = errors.New("market: credit not found")

	// ErrUnauthorized is returned when the caller is not the required
	// identity (owner, or owner-or-buyer) for the attempted operation.
	ErrUnauthorized = errors.New("market: caller not authorized")

	// ErrNotParticipant is returned by listing updates when the caller does
	// not own the record, and by the purchase commitment when no buyer is
	// associated yet.
	ErrNotParticipant = errors.New("market: caller is not a participant")

	// ErrDuplicateBid is returned when a bid arrives while a buyer is
	// already associated. At most one buyer exists per record.
	ErrDuplicateBid = errors.New("market: credit already has a buyer")

	// ErrSelfTransaction is returned when the owner attempts to bid on
	// their own listing.
	ErrSelfTransaction = errors.New("market: owner cannot bid on own credit")

	// ErrInvalidTransaction is returned when a release is attempted from a
	// state that does not satisfy purchased && !dispute.
	ErrInvalidTransaction = errors.New("market: credit not in a releasable state")

	// ErrAlreadyResolved is returned when dispute resolution is attempted
	// while no dispute is active.
	ErrAlreadyResolved = errors.New("market: no dispute active")

	// ErrDeadlineNotReached is returned when a release is attempted before
	// the settlement deadline has elapsed. Release is only permitted after
	// the deadline, never before it.
	ErrDeadlineNotReached = errors.New("market: release deadline not reached")

	// ErrInsufficientBalance is returned when settlement is attempted
	// against an empty escrow.
	ErrInsufficientBalance = errors.New("market: escrow balance is empty")

	// ErrInvalidBid is returned when an operation requiring an associated
	// buyer is invoked while none exists.
	ErrInvalidBid = errors.New("market: no buyer associated")
)
