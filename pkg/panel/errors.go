package panel

import (
	"fmt"

	"github.com/pkg/errors"
)

// FetchError reports a failed snapshot load. It is recoverable; callers may retry.
type FetchError struct {
	SessionID  string
	Collection string
	Err        error
}

func (e *FetchError) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("fetch %s for session %s: %v", e.Collection, e.SessionID, e.Err)
	}
	return fmt.Sprintf("fetch session %s: %v", e.SessionID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SubscriptionError reports a degraded change feed. Existing state stays visible.
type SubscriptionError struct {
	SessionID  string
	Collection string
	Err        error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s/%s: %v", e.SessionID, e.Collection, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// WriteError reports a failed submission. It is only surfaced to the submitter.
type WriteError struct {
	Collection string
	Err        error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Collection, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// NotFoundError reports an operation on a record or poll that does not exist.
type NotFoundError struct {
	Collection string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Collection, e.ID)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

func IsWriteError(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}

func IsSubscriptionError(err error) bool {
	var se *SubscriptionError
	return errors.As(err, &se)
}
