package position

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies an error category at the API boundary.
type Kind string

const (
	KindValidation Kind = "VALIDATION"
	KindNotFound   Kind = "NOT_FOUND"
	KindBusy       Kind = "BUSY"
	KindStorage    Kind = "STORAGE"
	KindIntegrity  Kind = "INTEGRITY"
)

// ValidationError reports bad caller input. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", KindValidation, e.Message)
	}
	return fmt.Sprintf("%s: %s %s", KindValidation, e.Field, e.Message)
}

// NotFoundError reports a reference to an unknown position, or a mutation of
// one that is already closed. Never retried.
type NotFoundError struct {
	PositionID string
	Closed     bool
}

func (e *NotFoundError) Error() string {
	if e.Closed {
		return fmt.Sprintf("%s: position %s is closed", KindNotFound, e.PositionID)
	}
	return fmt.Sprintf("%s: position %s not found", KindNotFound, e.PositionID)
}

// BusyError reports that the writer slot could not be acquired in time.
// Callers may retry it with backoff.
type BusyError struct {
	Op     string
	Waited time.Duration
	Err    error
}

func (e *BusyError) Error() string {
	msg := fmt.Sprintf("%s: %s: writer busy after %s", KindBusy, e.Op, e.Waited.Round(time.Millisecond))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BusyError) Unwrap() error { return e.Err }

// StorageError wraps an I/O or corruption failure from the embedded store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", KindStorage, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IntegrityViolation reports positions whose event replay does not match the
// stored row. It is always surfaced and never repaired automatically.
type IntegrityViolation struct {
	PositionIDs []string
	Details     []string
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("%s: %d position(s) diverge from their event log: %s",
		KindIntegrity, len(e.PositionIDs), strings.Join(e.Details, "; "))
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

// IsBusy reports whether err is a BusyError.
func IsBusy(err error) bool {
	var be *BusyError
	return errors.As(err, &be)
}

// IsStorage reports whether err is a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsIntegrity reports whether err is an IntegrityViolation.
func IsIntegrity(err error) bool {
	var iv *IntegrityViolation
	return errors.As(err, &iv)
}

// IsRetryable reports whether the operation that produced err may succeed if
// attempted again. Only writer contention qualifies.
func IsRetryable(err error) bool {
	return IsBusy(err)
}

// KindOf classifies err, returning "" for errors outside the taxonomy.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return KindValidation
	case IsNotFound(err):
		return KindNotFound
	case IsBusy(err):
		return KindBusy
	case IsIntegrity(err):
		return KindIntegrity
	case IsStorage(err):
		return KindStorage
	}
	return ""
}
