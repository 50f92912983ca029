package lease

import (
	"errors"
)

var (
	// ErrLockHeld is returned by a Locker when another holder owns the lease.
	ErrLockHeld = errors.New("busflow: lock is held by another owner")
	// ErrLeaseLost is the cancellation cause of a job whose lease could not
	// be renewed.
	ErrLeaseLost = errors.New("busflow: lease lost")
	// ErrHandleRequired is returned when a Lock is built without a Handle.
	ErrHandleRequired = errors.New("busflow: lease handle is required")
	// ErrLeaseIDRequired is returned when a Lock is built without a lease id.
	ErrLeaseIDRequired = errors.New("busflow: lease id is required")
)

type failureKind int

const (
	kindTransient failureKind = iota + 1
	kindGone
	kindConflict
)

type classifiedError struct {
	kind failureKind
	err  error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

func classify(kind failureKind, err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: kind, err: err}
}

func kindOf(err error) failureKind {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.kind
	}
	return 0
}

// Transient marks err as a failure of the lock backend itself. A renewal that
// fails this way is retried sooner instead of aborting the job.
func Transient(err error) error { return classify(kindTransient, err) }

// Gone marks err as "the lock resource no longer exists".
func Gone(err error) error { return classify(kindGone, err) }

// Conflict marks err as "another lease holds the resource".
func Conflict(err error) error { return classify(kindConflict, err) }

func IsTransient(err error) bool { return kindOf(err) == kindTransient }
func IsGone(err error) bool      { return kindOf(err) == kindGone }
func IsConflict(err error) bool  { return kindOf(err) == kindConflict }
