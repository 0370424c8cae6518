package concurrency

import "github.com/cockroachdb/errors"

// Sentinel errors corresponding to the §7 error-kind taxonomy. Callers
// should match against these with errors.Is rather than switching on
// dynamic types.
var (
	// ErrBusy is returned by a fail-fast lock acquisition that could not
	// be granted immediately.
	ErrBusy = errors.New("lock busy")

	// ErrTimedOut is returned when a lock acquisition or a dependency
	// wait exceeds its configured deadline.
	ErrTimedOut = errors.New("timed out")

	// ErrExpired is returned to a transaction that discovers its own
	// deadline has passed and that another actor has reclaimed its
	// locks (LOCKS_STOLEN).
	ErrExpired = errors.New("transaction expired")

	// ErrAborted is returned to a transaction that must roll back
	// because a dependency aborted or OCC validation failed.
	ErrAborted = errors.New("transaction aborted")

	// ErrInvalidArgument flags API misuse: committing twice, naming a
	// transaction after it has left STARTED, etc.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned by dirty-buffer and access-list lookups
	// that find no matching entry.
	ErrNotFound = errors.New("not found")

	// errIncomplete is an internal-only continuation signal. No function
	// in this package returns it: the wait loops in DependencyEngine and
	// WaitForDependency poll in place instead. It must never be returned
	// across the Transaction façade.
	errIncomplete = errors.New("incomplete")
)

// IsConflict reports whether err indicates that the caller's request was
// rejected due to contention rather than an implementation fault.
func IsConflict(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrTimedOut) || errors.Is(err, ErrAborted)
}
