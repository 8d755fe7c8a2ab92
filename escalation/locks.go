package escalation

import (
	"context"
	"sync"
)

// caseLock is a context-aware mutex: a one-slot channel holding a token
// while unlocked.
type caseLock struct {
	ch   chan struct{}
	refs int
}

// CaseLocks serializes work per case key. Entries are dropped once no
// caller holds or waits for them.
type CaseLocks struct {
	mu    sync.Mutex
	locks map[string]*caseLock
}

// NewCaseLocks builds an empty lock table.
func NewCaseLocks() *CaseLocks {
	return &CaseLocks{locks: make(map[string]*caseLock)}
}

// Lock blocks until key is free or ctx is done. The returned func releases
// the lock and must be called exactly once.
func (l *CaseLocks) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*caseLock)
	}
	lock, ok := l.locks[key]
	if !ok {
		lock = &caseLock{ch: make(chan struct{}, 1)}
		lock.ch <- struct{}{}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case <-lock.ch:
		return func() {
			lock.ch <- struct{}{}
			l.release(key, lock)
		}, nil
	case <-ctx.Done():
		l.release(key, lock)
		return nil, ctx.Err()
	}
}

func (l *CaseLocks) release(key string, lock *caseLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, key)
	}
}

// Len reports how many keys are tracked.
func (l *CaseLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
