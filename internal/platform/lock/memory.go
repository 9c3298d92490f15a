package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is an in-process Locker used by tests and single-node tooling.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	clock func() time.Time
	seq   uint64
}

type memoryEntry struct {
	owner     uint64
	expiresAt time.Time
}

// NewMemoryLocker builds an in-memory locker. A nil clock defaults to time.Now.
func NewMemoryLocker(clock func() time.Time) *MemoryLocker {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLocker{
		held:  make(map[string]memoryEntry),
		clock: clock,
	}
}

// Acquire takes the key when it is free or its previous holder expired.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if entry, ok := l.held[key]; ok && now.Before(entry.expiresAt) {
		return nil, ErrNotAcquired
	}

	l.seq++
	owner := l.seq
	l.held[key] = memoryEntry{owner: owner, expiresAt: now.Add(ttl)}
	return &memoryHandle{locker: l, key: key, owner: owner}, nil
}

type memoryHandle struct {
	locker *MemoryLocker
	key    string
	owner  uint64
}

func (h *memoryHandle) Release(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()

	entry, ok := h.locker.held[h.key]
	if !ok || entry.owner != h.owner {
		return ErrNotHeld
	}
	if h.locker.clock().After(entry.expiresAt) {
		delete(h.locker.held, h.key)
		return ErrNotHeld
	}
	delete(h.locker.held, h.key)
	return nil
}
