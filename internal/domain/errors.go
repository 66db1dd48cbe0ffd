package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency. The HTTP layer
// maps them onto status codes; the scheduler maps them onto task fates.

var (
	// Admission errors: returned synchronously from Submit, never
	// leave a trace in the task store.
	ErrValidation          = errors.New("invalid request")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUserInactive        = errors.New("user account is disabled")

	// Capacity shortage: the task queues rather than fails — this
	// signals "try again later", not "request is wrong".
	ErrNoCapacity = errors.New("all eligible credentials saturated")

	// Processing errors: recorded on the task and settled financially.
	ErrUpstream        = errors.New("upstream provider call failed")
	ErrUpstreamTimeout = errors.New("upstream provider call timed out")
	ErrProviderUnknown = errors.New("no provider registered for class")

	// Query/command errors.
	ErrNotFound     = errors.New("task not found")
	ErrForbidden    = errors.New("requester does not own this task")
	ErrTaskTerminal = errors.New("task already in a terminal state")

	// Ledger errors.
	ErrReservationNotFound = errors.New("reservation not found")
	ErrPackageNotFound     = errors.New("credit package not found")

	// Credential pool errors.
	ErrCredentialNotFound = errors.New("credential not found")
	ErrLeaseReleased      = errors.New("lease already released")
)
