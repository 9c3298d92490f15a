package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotAcquired is returned when another holder currently owns the key.
	ErrNotAcquired = errors.New("lock: not acquired")
	// ErrNotHeld is returned when releasing a lock that this handle no longer owns.
	ErrNotHeld = errors.New("lock: not held")
)

// Handle represents an acquired lock that the owner must release.
type Handle interface {
	// Release frees the lock if it is still owned by this handle. Releasing a
	// lock that expired or was taken over by another owner returns ErrNotHeld.
	Release(ctx context.Context) error
}

// Locker provides short-lived mutual exclusion keyed by an arbitrary string.
// The TTL bounds how long a crashed holder can block other callers.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error)
}
