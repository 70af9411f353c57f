package reservation

import (
	"errors"
	"fmt"
)

// Rejection kinds. Handlers map these to transport status codes; the engine
// and store only ever speak in these terms. Every rejection leaves the store
// unchanged.
var (
	// ErrMalformed covers unparseable or missing request fields.
	ErrMalformed = errors.New("malformed request")

	// ErrUnknownResource means the referenced resource id does not exist.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrOutOfHours means the candidate interval falls outside the resolved
	// business window.
	ErrOutOfHours = errors.New("outside opening hours")

	// ErrRestrictedWindow means a public-mode request fell outside the
	// restricted booking sub-window. Distinct from ErrOutOfHours so callers
	// can tell policy from opening hours.
	ErrRestrictedWindow = errors.New("outside public booking window")

	// ErrOverlap means the candidate interval intersects an existing
	// reservation on the same resource.
	ErrOverlap = errors.New("overlaps an existing reservation")

	// ErrNotFound means the operation target does not exist.
	ErrNotFound = errors.New("reservation not found")
)

// StoreError wraps a datastore failure. Retryable failures (timeouts,
// serialization conflicts, lost connections) are signalled to the caller;
// the engine never retries on its own, so a still-conflicting request can
// never be masked by a hidden retry loop.
type StoreError struct {
	Err       error
	Retryable bool
}

func (e *StoreError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("store failure (retryable): %v", e.Err)
	}
	return fmt.Sprintf("store failure: %v", e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a store failure the caller may retry.
func IsRetryable(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Retryable
}
