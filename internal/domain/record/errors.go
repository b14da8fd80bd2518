package record

import "errors"

var (
	ErrProcedureNotFound = errors.New("procedure not found")
	ErrRecordNotFound    = errors.New("clinical record not found")
	ErrRecordImmutable   = errors.New("record is closed or amended")
	ErrRecordLocked      = errors.New("record is locked")
	ErrNotClosed         = errors.New("record must be closed before amending")
	ErrAlreadyFinal      = errors.New("record is already closed or amended")
	ErrAlreadyLocked     = errors.New("record is already locked")
	ErrNotLocked         = errors.New("record is not locked")
	ErrReasonRequired    = errors.New("a reason is required")
	ErrUpdatesRequired   = errors.New("amendment updates are required")
	ErrUnknownSection    = errors.New("unknown record section")
	ErrLastRecord        = errors.New("cannot remove the last record for a procedure")
)
