// ABOUTME: Status code taxonomy for the storage engine
// ABOUTME: Status implements error; sentinel values are comparable with errors.Is

package storage

import "fmt"

// Code is one of the engine's closed set of status codes.
type Code int

const (
	StatusOK Code = iota
	StatusInvalidParameter
	StatusInvalidKeySize
	StatusInvalidRecordSize
	StatusInvalidPageSize
	StatusInvalidFileHeader
	StatusKeyNotFound
	StatusDatabaseNotFound
	StatusCursorIsNil
	StatusDuplicateKey
	StatusTxnConflict
	StatusDatabaseAlreadyOpen
	StatusCursorStillOpen
	StatusLimitsReached
	StatusOutOfMemory
	StatusIOError
	StatusIntegrityViolated
	StatusKeyErasedInTxn
	StatusWriteProtected
	StatusWouldBlock
	StatusNotReady
	StatusNotImplemented
)

var codeNames = map[Code]string{
	StatusOK:                  "OK",
	StatusInvalidParameter:    "INV_PARAMETER",
	StatusInvalidKeySize:      "INV_KEY_SIZE",
	StatusInvalidRecordSize:   "INV_RECORD_SIZE",
	StatusInvalidPageSize:     "INV_PAGESIZE",
	StatusInvalidFileHeader:   "INV_FILE_HEADER",
	StatusKeyNotFound:         "KEY_NOT_FOUND",
	StatusDatabaseNotFound:    "DATABASE_NOT_FOUND",
	StatusCursorIsNil:         "CURSOR_IS_NIL",
	StatusDuplicateKey:        "DUPLICATE_KEY",
	StatusTxnConflict:         "TXN_CONFLICT",
	StatusDatabaseAlreadyOpen: "DATABASE_ALREADY_OPEN",
	StatusCursorStillOpen:     "CURSOR_STILL_OPEN",
	StatusLimitsReached:       "LIMITS_REACHED",
	StatusOutOfMemory:         "OUT_OF_MEMORY",
	StatusIOError:             "IO_ERROR",
	StatusIntegrityViolated:   "INTEGRITY_VIOLATED",
	StatusKeyErasedInTxn:      "KEY_ERASED_IN_TXN",
	StatusWriteProtected:      "WRITE_PROTECTED",
	StatusWouldBlock:          "WOULD_BLOCK",
	StatusNotReady:            "NOT_READY",
	StatusNotImplemented:      "NOT_IMPLEMENTED",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(c))
}

// Status is the engine's error type: a code plus an optional wrapped cause.
type Status struct {
	Code Code
	Msg  string
	Err  error
}

func (s *Status) Error() string {
	if s.Err != nil {
		return fmt.Sprintf("%s: %s: %v", s.Code, s.Msg, s.Err)
	}
	if s.Msg != "" {
		return fmt.Sprintf("%s: %s", s.Code, s.Msg)
	}
	return s.Code.String()
}

func (s *Status) Unwrap() error { return s.Err }

// Is lets errors.Is(err, ErrKeyNotFound) match regardless of Msg/Err.
func (s *Status) Is(target error) bool {
	t, ok := target.(*Status)
	if !ok {
		return false
	}
	return s.Code == t.Code
}

func newStatus(code Code, msg string) *Status {
	return &Status{Code: code, Msg: msg}
}

func wrapStatus(code Code, msg string, err error) *Status {
	return &Status{Code: code, Msg: msg, Err: err}
}

// Sentinel Status values for errors.Is comparisons, one per code.
var (
	ErrInvalidParameter    = newStatus(StatusInvalidParameter, "")
	ErrInvalidKeySize      = newStatus(StatusInvalidKeySize, "")
	ErrInvalidRecordSize   = newStatus(StatusInvalidRecordSize, "")
	ErrInvalidPageSize     = newStatus(StatusInvalidPageSize, "")
	ErrInvalidFileHeader   = newStatus(StatusInvalidFileHeader, "")
	ErrKeyNotFound         = newStatus(StatusKeyNotFound, "")
	ErrDatabaseNotFound    = newStatus(StatusDatabaseNotFound, "")
	ErrCursorIsNil         = newStatus(StatusCursorIsNil, "")
	ErrDuplicateKey        = newStatus(StatusDuplicateKey, "")
	ErrTxnConflict         = newStatus(StatusTxnConflict, "")
	ErrDatabaseAlreadyOpen = newStatus(StatusDatabaseAlreadyOpen, "")
	ErrCursorStillOpen     = newStatus(StatusCursorStillOpen, "")
	ErrLimitsReached       = newStatus(StatusLimitsReached, "")
	ErrOutOfMemory         = newStatus(StatusOutOfMemory, "")
	ErrIOError             = newStatus(StatusIOError, "")
	ErrIntegrityViolated   = newStatus(StatusIntegrityViolated, "")
	ErrKeyErasedInTxn      = newStatus(StatusKeyErasedInTxn, "")
	ErrWriteProtected      = newStatus(StatusWriteProtected, "")
	ErrWouldBlock          = newStatus(StatusWouldBlock, "")
	ErrNotReady            = newStatus(StatusNotReady, "")
	ErrNotImplemented      = newStatus(StatusNotImplemented, "")
)
