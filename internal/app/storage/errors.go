package storage

import "errors"

// Error taxonomy surfaced by every ContributionStore implementation.
// Callers branch with errors.Is; retry policy belongs to the command
// layer, not here.
var (
	// ErrNotFound reports that the id or key has no row.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict reports a unique-constraint violation, e.g. the actor
	// is already a contributor of the contribution.
	ErrConflict = errors.New("storage: conflict")

	// ErrUnavailable reports that the underlying store is unreachable or
	// the per-call timeout elapsed.
	ErrUnavailable = errors.New("storage: unavailable")
)
