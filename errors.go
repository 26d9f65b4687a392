package mdb

import (
	"errors"
	"fmt"
)

// Error is returned by every exported operation that fails.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error // wrapped error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mdb: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("mdb: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so errors.Is(err,
// NewError(ErrNotFound)) works regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// ErrorCode classifies an Error.
type ErrorCode int

const (
	Success ErrorCode = 0

	// ErrKeyExist: the key or key/value pair is already present
	ErrKeyExist ErrorCode = -30799

	// ErrNotFound: no such key, or the cursor ran off the end
	ErrNotFound ErrorCode = -30798

	// ErrPageNotFound: a page reference points outside the snapshot
	ErrPageNotFound ErrorCode = -30797

	// ErrCorrupted: no meta page passes validation, or a page is malformed
	ErrCorrupted ErrorCode = -30796

	// ErrEnvOpen: the environment cannot be opened
	ErrEnvOpen ErrorCode = -30795

	// ErrMapFull: the map size limit was reached
	ErrMapFull ErrorCode = -30792

	// ErrDBsFull: no free database handle
	ErrDBsFull ErrorCode = -30791

	// ErrReadersFull: no free reader slot
	ErrReadersFull ErrorCode = -30790

	// ErrMapResized: another process grew the map beyond this mapping
	ErrMapResized ErrorCode = -30785

	// ErrIncompatible: operation does not match the database flags
	ErrIncompatible ErrorCode = -30784

	// ErrBadTxn: the transaction has ended or is the wrong kind
	ErrBadTxn ErrorCode = -30782

	// ErrBadValSize: key or value is empty or too large
	ErrBadValSize ErrorCode = -30781

	// ErrBadDBI: unknown database handle
	ErrBadDBI ErrorCode = -30780

	// ErrTxnConflict: the writer lock is held and waiting was not allowed
	ErrTxnConflict ErrorCode = -30778

	// ErrBadCursor: the cursor is closed or its transaction ended
	ErrBadCursor ErrorCode = -30777

	// ErrIO: a read, write or sync of the data file failed
	ErrIO ErrorCode = -30776

	// ErrInvalid: bad argument or call in the wrong state
	ErrInvalid ErrorCode = -22

	// ErrPermissionDenied: write attempted on a read-only env or txn
	ErrPermissionDenied ErrorCode = -13
)

var errorMessages = map[ErrorCode]string{
	Success:             "success",
	ErrKeyExist:         "key/data pair already exists",
	ErrNotFound:         "key/data pair not found",
	ErrPageNotFound:     "requested page not found",
	ErrCorrupted:        "database is corrupted",
	ErrEnvOpen:          "cannot open environment",
	ErrMapFull:          "environment mapsize limit reached",
	ErrDBsFull:          "environment maxdbs limit reached",
	ErrReadersFull:      "environment maxreaders limit reached",
	ErrMapResized:       "database grew beyond current mapsize",
	ErrIncompatible:     "incompatible operation or flags",
	ErrBadTxn:           "transaction is invalid",
	ErrBadValSize:       "invalid key or value size",
	ErrBadDBI:           "invalid DBI handle",
	ErrTxnConflict:      "another write transaction is running",
	ErrBadCursor:        "cursor is invalid",
	ErrIO:               "I/O error",
	ErrInvalid:          "invalid argument",
	ErrPermissionDenied: "permission denied",
}

// NewError creates a new Error with the given code
func NewError(code ErrorCode) *Error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = fmt.Sprintf("unknown error code %d", code)
	}
	return &Error{Code: code, Message: msg}
}

// WrapError creates a new Error wrapping another error
func WrapError(code ErrorCode, err error) *Error {
	e := NewError(code)
	e.Err = err
	return e
}

func errorf(code ErrorCode, format string, args ...any) *Error {
	return WrapError(code, fmt.Errorf(format, args...))
}

// fatal errors end the write transaction they occur in
func isFatal(err error) bool {
	switch Code(err) {
	case ErrMapFull, ErrIO, ErrCorrupted, ErrPageNotFound:
		return true
	}
	return false
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool { return hasCode(err, ErrNotFound) }

// IsKeyExist reports whether err is ErrKeyExist.
func IsKeyExist(err error) bool { return hasCode(err, ErrKeyExist) }

// IsMapFull reports whether err is ErrMapFull.
func IsMapFull(err error) bool { return hasCode(err, ErrMapFull) }

// IsTxnConflict reports whether err is ErrTxnConflict.
func IsTxnConflict(err error) bool { return hasCode(err, ErrTxnConflict) }

// IsCorrupted reports whether err indicates a damaged database.
func IsCorrupted(err error) bool {
	return hasCode(err, ErrCorrupted) || hasCode(err, ErrPageNotFound)
}

// Code returns the error code from an error, or ErrInvalid if err is not
// an *Error.
func Code(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInvalid
}
