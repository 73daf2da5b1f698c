package taskutil

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const maxReaders = 1 << 30

// RWLock is a context-aware reader/writer lock. A writer excludes readers
// and other writers; a waiting writer holds back readers that arrive after
// it.
type RWLock struct {
	sem *semaphore.Weighted
}

func NewRWLock() *RWLock {
	return &RWLock{sem: semaphore.NewWeighted(maxReaders)}
}

// RLock acquires a read share. Call the returned func exactly once.
func (l *RWLock) RLock(ctx context.Context) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { l.sem.Release(1) }) }, nil
}

// Lock acquires exclusive access. Call the returned func exactly once.
func (l *RWLock) Lock(ctx context.Context) (func(), error) {
	if err := l.sem.Acquire(ctx, maxReaders); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { l.sem.Release(maxReaders) }) }, nil
}

// BinaryLock guards a one-time piece of work such as starting a process.
// The first caller to Wait does the work and calls Set on success; callers
// queued behind it then see the lock set and skip the work. Reset makes the
// next Wait do the work again.
type BinaryLock struct {
	sem chan struct{}
	set atomic.Bool
}

func NewBinaryLock() *BinaryLock {
	return &BinaryLock{sem: make(chan struct{}, 1)}
}

func (l *BinaryLock) IsSet() bool {
	return l.set.Load()
}

// Reset clears the set flag.
func (l *BinaryLock) Reset() {
	l.set.Store(false)
}

// Wait returns once the lock is set or the caller holds it. When the token
// is not set the caller owns the work and must call Set or Release.
func (l *BinaryLock) Wait(ctx context.Context) (*BinaryToken, error) {
	if l.set.Load() {
		return &BinaryToken{set: true}, nil
	}
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if l.set.Load() {
		<-l.sem
		return &BinaryToken{set: true}, nil
	}
	return &BinaryToken{lock: l}, nil
}

// BinaryToken is the result of BinaryLock.Wait.
type BinaryToken struct {
	lock *BinaryLock
	set  bool
	once sync.Once
}

// IsSet reports whether the work was already done when Wait returned.
func (t *BinaryToken) IsSet() bool {
	return t.set
}

// Set marks the work done and releases the lock.
func (t *BinaryToken) Set() {
	if t.lock == nil {
		return
	}
	t.once.Do(func() {
		t.lock.set.Store(true)
		<-t.lock.sem
	})
}

// Release gives the lock to the next waiter without marking the work done.
// It is a no-op after Set, so it can be deferred.
func (t *BinaryToken) Release() {
	if t.lock == nil {
		return
	}
	t.once.Do(func() {
		<-t.lock.sem
	})
}
