package domain

import "errors"

// Error kinds. Callers classify with errors.Is; the HTTP layer maps each
// kind to a status code. Wrap with fmt.Errorf("...: %w", Err...) to add
// context without losing the kind.
var (
	// ErrNotFound means a referenced entity is absent.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a unique invariant (address, sender email,
	// pattern-list key) would be violated.
	ErrConflict = errors.New("conflict")

	// ErrInvalidState means a state-machine transition is not allowed from
	// the current status, or a warmup operation targets a finished plan.
	ErrInvalidState = errors.New("invalid state")

	// ErrUnavailable means a collaborator (remote node, MailWizz database,
	// DNS, downstream) could not be reached or reported failure.
	ErrUnavailable = errors.New("service unavailable")

	// ErrIntegrity means a compound operation observed partial success and
	// had to be surfaced after rollback.
	ErrIntegrity = errors.New("integrity failure")

	// ErrPermission means the caller lacks permission. Applied at the
	// boundary, never raised by the core.
	ErrPermission = errors.New("permission denied")

	// ErrValidation means malformed input at the boundary.
	ErrValidation = errors.New("validation failed")
)
