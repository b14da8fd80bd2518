package inventory

import "errors"

var (
	ErrRecordNotFound    = errors.New("clinical record not found")
	ErrUsageNotFound     = errors.New("usage row not found")
	ErrCommitNotFound    = errors.New("commit not found")
	ErrReasonRequired    = errors.New("a reason is required")
	ErrSignatureRequired = errors.New("a signature is required")
	ErrNegativeQty       = errors.New("quantity must not be negative")
	ErrNothingToCommit   = errors.New("no usage rows for this unit")
	ErrForeignUnit       = errors.New("commit belongs to another unit")
	ErrAlreadyRolledBack = errors.New("commit is already rolled back")
)
