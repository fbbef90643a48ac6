package sourced

import (
	"fmt"

	"github.com/pkg/errors"
)

// UnknownMessageError is returned when a message's type has no entry in the
// codec's registry. It is fatal at the call site; callers should not retry.
type UnknownMessageError struct {
	Type string
}

func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("sourced: unknown message type %q", e.Type)
}

// InvalidMessageError is returned when a payload fails schema validation
// during construction or decode. The message is never appended.
type InvalidMessageError struct {
	Type   string
	Reason string
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("sourced: invalid message %q: %s", e.Type, e.Reason)
}

// ConcurrentAppendError is returned by Store.Append when a supplied Guard's
// relevant set gained a conflicting message since the guard was observed.
// Routers treat this as expected and release the claim for a retry.
type ConcurrentAppendError struct {
	// Conflicts is the number of conflicting messages found during the
	// guard check, for diagnostics only.
	Conflicts int
}

func (e *ConcurrentAppendError) Error() string {
	return fmt.Sprintf("sourced: concurrent append, %d conflicting message(s) observed", e.Conflicts)
}

// IsConcurrentAppend reports whether err is, or wraps, a ConcurrentAppendError.
func IsConcurrentAppend(err error) bool {
	var ca *ConcurrentAppendError
	return errors.As(err, &ca)
}

// BackendError wraps a failure the store could not classify as a conflict:
// a serialization failure, a constraint violation, a dropped connection.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("sourced: backend error during %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// NewBackendError wraps err as a BackendError with a stack trace attached,
// so callers surfacing it to logs or telemetry get more than a bare message.
func NewBackendError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Op: op, Err: errors.Wrap(err, op)}
}

// ReactorError wraps any panic/error raised from inside a Reactor's
// HandleBatch. It is handed to the error strategy; the transaction that
// would have committed the reactor's actions is rolled back and the claim
// released.
type ReactorError struct {
	GroupID string
	Err     error
}

func (e *ReactorError) Error() string {
	return fmt.Sprintf("sourced: reactor %q failed: %v", e.GroupID, e.Err)
}

func (e *ReactorError) Unwrap() error { return e.Err }

// PastMessageDateError is returned when Schedule is constructed with a time
// that is not strictly in the future.
type PastMessageDateError struct {
	At string
}

func (e *PastMessageDateError) Error() string {
	return fmt.Sprintf("sourced: scheduled time %s is not in the future", e.At)
}

// ErrGroupStopped is returned (alongside a nil claim) by implementations
// that choose to surface a stopped consumer group as a hard error rather
// than a quiet nil from ClaimNext. The reference Store implementations
// return (nil, nil) instead, per spec: "Returns null if the group is
// stopped, or no partition has pending work, or all claimed."
var ErrGroupStopped = errors.New("sourced: consumer group stopped")
