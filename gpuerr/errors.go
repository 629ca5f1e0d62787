// Package gpuerr defines the error kinds returned by the submission and
// channel APIs. Callers test for them with errors.Is; the packages that
// return them wrap the sentinel with the failing step.
package gpuerr

import "errors"

var (
	// ErrInvalidArgument reports a malformed request. It is never retried
	// internally.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOutOfMemory reports that a command buffer, job or syncpoint could
	// not be allocated.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrTryAgain reports transient exhaustion of ring or job slots. The
	// caller may retry later.
	ErrTryAgain = errors.New("try again")

	// ErrNotAllowed reports a violated structural precondition, such as a
	// dying driver or an unserviceable channel.
	ErrNotAllowed = errors.New("not allowed")

	// ErrTimeout reports that a bounded wait expired.
	ErrTimeout = errors.New("timed out")
)
