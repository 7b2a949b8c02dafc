package cluster

import (
	"context"
	"sync"
)

// LockMap holds one exclusive lock per key. Locks have
// an owner, usually an invocation or transaction id, and
// locking a key that the owner already holds is a no-op.
// Waiting for a lock can be abandoned through the context.
type LockMap struct {
	mu    sync.Mutex
	locks map[string]*lock
}

type lock struct {
	owner    string
	released chan struct{}
}

// NewLockMap creates an empty LockMap
func NewLockMap() *LockMap {
	return &LockMap{locks: map[string]*lock{}}
}

// Lock blocks until owner holds the lock for key or ctx is done.
// It returns ctx.Err() if ctx finishes first.
func (lm *LockMap) Lock(ctx context.Context, key string, owner string) error {
	for {
		lm.mu.Lock()
		l, ok := lm.locks[key]

		if !ok {
			lm.locks[key] = &lock{owner: owner, released: make(chan struct{})}
			lm.mu.Unlock()

			return nil
		}

		if l.owner == owner {
			lm.mu.Unlock()

			return nil
		}

		released := l.released
		lm.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryLock acquires the lock for key if it is free or
// already held by owner. It never blocks.
func (lm *LockMap) TryLock(key string, owner string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	l, ok := lm.locks[key]

	if !ok {
		lm.locks[key] = &lock{owner: owner, released: make(chan struct{})}

		return true
	}

	return l.owner == owner
}

// Unlock releases the lock for key if owner holds it
// and wakes up every waiter. It returns false if owner
// did not hold the lock.
func (lm *LockMap) Unlock(key string, owner string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	l, ok := lm.locks[key]

	if !ok || l.owner != owner {
		return false
	}

	delete(lm.locks, key)
	close(l.released)

	return true
}

// Owner returns the owner of the lock for key
func (lm *LockMap) Owner(key string) (string, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	l, ok := lm.locks[key]

	if !ok {
		return "", false
	}

	return l.owner, true
}

// Len returns the number of held locks
func (lm *LockMap) Len() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	return len(lm.locks)
}
