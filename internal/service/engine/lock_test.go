package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBranchLocksSerializePerBranch(t *testing.T) {
	locks := NewBranchLocks()
	branch := uuid.New()

	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Lock(context.Background(), branch)
			require.NoError(t, err)
			defer release()
			n := inside.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.Zero(t, locks.Len(), "entries are removed after the last release")
}

func TestBranchLocksIndependentBranches(t *testing.T) {
	locks := NewBranchLocks()
	relA, err := locks.Lock(context.Background(), uuid.New())
	require.NoError(t, err)
	defer relA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	relB, err := locks.Lock(ctx, uuid.New())
	require.NoError(t, err)
	relB()
	assert.Equal(t, 1, locks.Len())
}

func TestBranchLocksContextCancel(t *testing.T) {
	locks := NewBranchLocks()
	branch := uuid.New()
	release, err := locks.Lock(context.Background(), branch)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, branch)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.Zero(t, locks.Len())

	again, err := locks.Lock(context.Background(), branch)
	require.NoError(t, err)
	again()
}
