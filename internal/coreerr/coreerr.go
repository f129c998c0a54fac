// Package coreerr is the structured error vocabulary shared by every
// layer of the storage core. It lives in internal/ rather than the root
// package so that txn, recovery, and runlifecycle can construct the same
// error type the public API returns, without creating an import cycle
// back through the root package. The root package re-exports these
// names as its own public Code/Error type (spec §6.4).
package coreerr

import (
	"errors"
	"fmt"
)

// Code is the structured error vocabulary callers switch on. Errors
// returned by this module are never bare strings — always a *Error
// wrapping one of these codes, so errors.Is/errors.As keep working the
// way the teacher lineage's own sentinel errors do.
type Code uint8

const (
	_ Code = iota
	CodeKeyNotFound
	CodeRunNotFound
	CodeWrongType
	CodeConflict
	CodeVersionMismatch
	CodeTransactionAborted
	CodeHistoryTrimmed
	CodeCorruption
	CodeIO
	CodeTimeout
	CodeInvalidArgument
)

func (c Code) String() string {
	switch c {
	case CodeKeyNotFound:
		return "KeyNotFound"
	case CodeRunNotFound:
		return "RunNotFound"
	case CodeWrongType:
		return "WrongType"
	case CodeConflict:
		return "Conflict"
	case CodeVersionMismatch:
		return "VersionMismatch"
	case CodeTransactionAborted:
		return "TransactionAborted"
	case CodeHistoryTrimmed:
		return "HistoryTrimmed"
	case CodeCorruption:
		return "Corruption"
	case CodeIO:
		return "Io"
	case CodeTimeout:
		return "Timeout"
	case CodeInvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// Error is the single structured error type the public API returns.
type Error struct {
	Code Code
	Msg  string
	Err  error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error, optionally wrapping a cause.
func New(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Msg: msg, Err: cause}
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error, and
// reports ok=false otherwise.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// IsConflict reports whether err is a Conflict error.
func IsConflict(err error) bool {
	c, ok := CodeOf(err)
	return ok && c == CodeConflict
}

// Recoverable reports whether err belongs to the "recoverable locally"
// category from spec §7: Conflict, Timeout, VersionMismatch.
func Recoverable(err error) bool {
	c, ok := CodeOf(err)
	if !ok {
		return false
	}
	switch c {
	case CodeConflict, CodeTimeout, CodeVersionMismatch:
		return true
	default:
		return false
	}
}
