package store

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is one of the ADLB data-module result codes (spec.md §7; grounded on
// original_source/lb/code/src/adlb-defs.h's adlb_data_code). Only
// CodeSuccess is not an error condition; every operation that can fail
// returns one of the others wrapped in *Error.
type Code int

const (
	CodeSuccess Code = iota
	CodeOOM
	CodeDoubleDeclare
	CodeDoubleWrite
	CodeUnset
	CodeNotFound
	CodeSubscriptNotFound
	CodeNumberFormat
	CodeInvalid
	CodeNull
	CodeType
	CodeRefcountNegative
	CodeLimit
	CodeUnresolved
	CodeBufferTooSmall
	CodeDone
	CodeUnknown
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeOOM:
		return "ERROR_OOM"
	case CodeDoubleDeclare:
		return "ERROR_DOUBLE_DECLARE"
	case CodeDoubleWrite:
		return "ERROR_DOUBLE_WRITE"
	case CodeUnset:
		return "ERROR_UNSET"
	case CodeNotFound:
		return "ERROR_NOT_FOUND"
	case CodeSubscriptNotFound:
		return "ERROR_SUBSCRIPT_NOT_FOUND"
	case CodeNumberFormat:
		return "ERROR_NUMBER_FORMAT"
	case CodeInvalid:
		return "ERROR_INVALID"
	case CodeNull:
		return "ERROR_NULL"
	case CodeType:
		return "ERROR_TYPE"
	case CodeRefcountNegative:
		return "ERROR_REFCOUNT_NEGATIVE"
	case CodeLimit:
		return "ERROR_LIMIT"
	case CodeUnresolved:
		return "ERROR_UNRESOLVED"
	case CodeBufferTooSmall:
		return "BUFFER_TOO_SMALL"
	case CodeDone:
		return "DONE"
	default:
		return "ERROR_UNKNOWN"
	}
}

// Error is the error type returned by every failing store operation. These
// are ordinary user-visible results (spec.md §7: "Errors from user-supplied
// operations... are returned to the calling worker as the operation's
// result code; they are never fatal to the server"), not process faults.
type Error struct {
	Code Code
	Op   string
	msg  string
}

func (e *Error) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("store: %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("store: %s: %s: %s", e.Op, e.Code, e.msg)
}

func newErr(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error, returning
// CodeUnknown otherwise.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// wrapInternal marks err as an unexpected internal fault rather than a
// user-visible result code, attaching a stack trace so it surfaces
// something actionable in the server log. These indicate a bug in Store
// itself (a corrupt listener or an invariant violation), not bad caller
// input.
func wrapInternal(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, "store: internal error in %s", op)
}
