// Package storecore is the transactional storage core of an embedded,
// in-process state substrate: a durable, versioned, run-scoped key-value
// store with MVCC snapshot isolation, optimistic concurrency control, and
// write-ahead-log crash recovery.
//
// Every logical operation is tagged with a RunId so state produced within
// a bounded agent execution can later be replayed, diffed, or reclaimed.
// Higher-level primitives (JSON documents, event streams, state cells,
// vector search, ...) are expected to sit on top of this package as thin
// facades; they are not part of it.
package storecore

import "github.com/agentic-substrate/storecore/internal/coreerr"

// Code is the structured error vocabulary callers switch on. It is an
// alias of the internal coreerr.Code so every layer of the module
// (including internal/txn, internal/recovery, internal/runlifecycle)
// constructs and returns exactly the same type the public API promises.
type Code = coreerr.Code

const (
	CodeKeyNotFound        = coreerr.CodeKeyNotFound
	CodeRunNotFound        = coreerr.CodeRunNotFound
	CodeWrongType          = coreerr.CodeWrongType
	CodeConflict           = coreerr.CodeConflict
	CodeVersionMismatch    = coreerr.CodeVersionMismatch
	CodeTransactionAborted = coreerr.CodeTransactionAborted
	CodeHistoryTrimmed     = coreerr.CodeHistoryTrimmed
	CodeCorruption         = coreerr.CodeCorruption
	CodeIO                 = coreerr.CodeIO
	CodeTimeout            = coreerr.CodeTimeout
	CodeInvalidArgument    = coreerr.CodeInvalidArgument
)

// Error is the single structured error type the public API returns.
type Error = coreerr.Error

// New constructs an *Error, optionally wrapping a cause.
func New(code Code, msg string, cause error) *Error {
	return coreerr.New(code, msg, cause)
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error, and
// reports ok=false otherwise.
func CodeOf(err error) (Code, bool) { return coreerr.CodeOf(err) }

// IsConflict reports whether err is a Conflict error — the one code the
// coordinator itself never retries, leaving that to the caller or the
// optional retry wrapper (see WithRetry).
func IsConflict(err error) bool { return coreerr.IsConflict(err) }

// Recoverable reports whether err belongs to the "recoverable locally"
// category from spec §7: Conflict, Timeout, VersionMismatch. Everything
// else is surfaced to the caller as final.
func Recoverable(err error) bool { return coreerr.Recoverable(err) }
