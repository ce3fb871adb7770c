package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// BranchLocks is a set of per-branch mutexes. Waiters are served in arrival
// order and may give up when their context ends. Entries are removed once
// no goroutine holds or waits on them.
type BranchLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*branchLock
}

type branchLock struct {
	ch   chan struct{}
	refs int
}

// NewBranchLocks creates an empty lock set.
func NewBranchLocks() *BranchLocks {
	return &BranchLocks{locks: make(map[uuid.UUID]*branchLock)}
}

// Lock blocks until the branch lock is held or ctx ends. The returned
// release function is safe to call more than once.
func (l *BranchLocks) Lock(ctx context.Context, branchID uuid.UUID) (release func(), err error) {
	l.mu.Lock()
	bl, ok := l.locks[branchID]
	if !ok {
		bl = &branchLock{ch: make(chan struct{}, 1)}
		l.locks[branchID] = bl
	}
	bl.refs++
	l.mu.Unlock()

	select {
	case bl.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(branchID, bl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-bl.ch
			l.drop(branchID, bl)
		})
	}, nil
}

func (l *BranchLocks) drop(branchID uuid.UUID, bl *branchLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bl.refs--
	if bl.refs == 0 {
		delete(l.locks, branchID)
	}
}

// Len returns the number of branches with a holder or waiter.
func (l *BranchLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
