package domain

import "errors"

// Failure taxonomy shared by every core operation. Callers branch with
// errors.Is; the HTTP layer maps each to a status code and stable error code.
var (
	// ErrNotFound: the referenced agent or negotiation is absent or destroyed.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument: malformed input such as a missing required field,
	// a self-relationship, or an out-of-range strength.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState: an illegal state transition, including the loser of a
	// concurrent-decision race on the same negotiation.
	ErrInvalidState = errors.New("invalid state")

	// ErrConflict: duplicate creation under an idempotency key.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable: the durable store is unreachable. Cache unavailability
	// is absorbed locally and never surfaces as this error.
	ErrUnavailable = errors.New("unavailable")
)
