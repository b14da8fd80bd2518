package snapshot

import "errors"

var (
	ErrRecordNotFound    = errors.New("clinical record not found")
	ErrSnapshotMissing   = errors.New("no snapshot for record")
	ErrRecordImmutable   = errors.New("record is closed or amended")
	ErrPointNotFound     = errors.New("point not found")
	ErrTimestampNotFound = errors.New("no points at timestamp")
	ErrTimestampTaken    = errors.New("another reading already exists at the target timestamp")
	ErrUnknownChannel    = errors.New("unknown channel")
	ErrNotKeyedChannel   = errors.New("channel is not keyed")
	ErrKeyedChannel      = errors.New("channel is keyed, use the keyed operations")
	ErrInvalidPoint      = errors.New("point payload does not match channel shape")
)
