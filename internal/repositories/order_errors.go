package repositories

import "errors"

var (
	// ErrFinancialImmutable indicates an update attempted to alter the persisted financial snapshot.
	ErrFinancialImmutable = errors.New("order repository: financial snapshot is immutable")
	// ErrVersionConflict indicates the order was modified concurrently and the write lost the race.
	ErrVersionConflict = errors.New("order repository: version conflict")
)
