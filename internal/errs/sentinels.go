// Package errs contains sentinel errors shared by the storage, exchange and transport layers.
package errs

import "errors"

var (
	// ErrValidation indicates bad or missing caller input.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized indicates a missing, malformed or expired token.
	ErrUnauthorized = errors.New("invalid token")

	// ErrForbidden indicates a valid token used outside its scope.
	ErrForbidden = errors.New("forbidden")

	ErrNotFound = errors.New("not found")

	// ErrConflict indicates an operation attempted from the wrong state.
	ErrConflict = errors.New("conflict")

	// ErrDuplicateFile indicates the participant already has a live upload.
	ErrDuplicateFile = errors.New("file already uploaded")

	// ErrInvalidState indicates a session transition that the current state forbids.
	ErrInvalidState = errors.New("invalid session state")

	// ErrLockBusy indicates the session lock is held by someone else. Callers may retry.
	ErrLockBusy = errors.New("session busy")

	ErrTooLarge = errors.New("file too large")

	ErrSessionExpired = errors.New("session expired")

	// ErrScannerUnavailable indicates the malware scanner could not be reached.
	ErrScannerUnavailable = errors.New("scanner unavailable")
)

// Retryable reports whether err is transient and the same call may succeed later.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockBusy)
}

// IsConflict reports whether err belongs to the conflict family.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrDuplicateFile) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrLockBusy)
}
