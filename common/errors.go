package common

import (
	"errors"
	"fmt"
)

type ErrorCode int

const (
	// IOError wraps an operating system failure while reading, writing or extending a file. It is never retried.
	IOError ErrorCode = iota
	// DeadlockError is returned by the lock table when a lock request waits longer than the lock timeout.
	// The transaction should be rolled back and may be retried.
	DeadlockError
	// BufferAbortError is returned by the buffer manager when no buffer became available before the pin
	// timeout. It belongs to the same recoverable class as DeadlockError.
	BufferAbortError
	// SerializationError indicates a corrupt, truncated or unrecognized log record.
	SerializationError
	// TransactionAbortError indicates an operation on a transaction that is no longer active, or a failure
	// during commit/rollback that voids the durability guarantee of that transaction.
	TransactionAbortError
	// BadOffsetError indicates a read or write that would cross the boundary of a page.
	BadOffsetError
	// LogClosedError indicates an attempt to write to the log after it has been closed.
	LogClosedError
)

func (ec ErrorCode) String() string {
	switch ec {
	case IOError:
		return "IOError"
	case DeadlockError:
		return "DeadlockError"
	case BufferAbortError:
		return "BufferAbortError"
	case SerializationError:
		return "SerializationError"
	case TransactionAbortError:
		return "TransactionAbortError"
	case BadOffsetError:
		return "BadOffsetError"
	case LogClosedError:
		return "LogClosedError"
	}
	return "unknown"
}

// DBError is the custom error type for the storage engine.
// It wraps a specific ErrorCode with a detailed message and, optionally, the underlying cause.
//
// Callers distinguish recoverable failures (DeadlockError, BufferAbortError: roll back and retry) from fatal
// ones by inspecting the code, usually through IsCode.
type DBError struct {
	Code      ErrorCode
	ErrString string
	Err       error
}

func (e DBError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("err: %s; msg: %s: %v", e.Code.String(), e.ErrString, e.Err)
	}
	return fmt.Sprintf("err: %s; msg: %s", e.Code.String(), e.ErrString)
}

func (e DBError) Unwrap() error {
	return e.Err
}

// NewError creates a DBError with a formatted message.
func NewError(code ErrorCode, format string, args ...any) DBError {
	return DBError{Code: code, ErrString: fmt.Sprintf(format, args...)}
}

// WrapError creates a DBError that carries err as its cause.
func WrapError(code ErrorCode, err error, format string, args ...any) DBError {
	return DBError{Code: code, ErrString: fmt.Sprintf(format, args...), Err: err}
}

// IsCode reports whether any error in err's chain is a DBError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var dbErr DBError
	if errors.As(err, &dbErr) {
		return dbErr.Code == code
	}
	return false
}

// IsRetryable reports whether err signals a timed-out wait (lock or buffer) after which the whole transaction
// may be rolled back and retried.
func IsRetryable(err error) bool {
	return IsCode(err, DeadlockError) || IsCode(err, BufferAbortError)
}
