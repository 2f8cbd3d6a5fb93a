package domain

import "errors"

// Domain errors
var (
	// ErrUnknownPlayer means the remote ranking service has no such
	// username. Recoverable by retrying with a corrected name.
	ErrUnknownPlayer = errors.New("no such player on the ranking service")

	// ErrServiceUnavailable means the remote ranking service kept failing
	// transiently after retries were exhausted.
	ErrServiceUnavailable = errors.New("ranking service unavailable")

	// ErrLinkConflict means a link would violate a uniqueness invariant in
	// the record store. Requires a re-link or staff intervention.
	ErrLinkConflict = errors.New("link conflicts with an existing record")

	// ErrAlreadyLinked means the chat identity is already linked to the
	// requested game account.
	ErrAlreadyLinked = errors.New("already linked to this account")

	// ErrNotLinked means no record exists for the chat identity.
	ErrNotLinked = errors.New("chat identity is not linked")

	// ErrStoreUnavailable means the record store is unreachable. Fatal for
	// the current command, not for the process.
	ErrStoreUnavailable = errors.New("record store unavailable")

	// ErrInvalidStats means the remote service returned values outside the
	// valid range for a statistic.
	ErrInvalidStats = errors.New("invalid stats from ranking service")

	ErrInvalidRequest = errors.New("invalid request")
	ErrInternalError  = errors.New("internal server error")
)

// IsUserError reports whether the error should be shown to the requesting
// user as-is rather than masked as an internal failure.
func IsUserError(err error) bool {
	return errors.Is(err, ErrUnknownPlayer) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrLinkConflict) ||
		errors.Is(err, ErrAlreadyLinked) ||
		errors.Is(err, ErrNotLinked)
}
