package pbnlock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildbarn/vdo-depot/pkg/vdo/physical"
	"github.com/buildbarn/vdo-depot/pkg/vdo/vdoerrors"
)

func TestAttemptAcquireFreshWriteNewSucceeds(t *testing.T) {
	p := NewPool()
	lock, err := p.AttemptAcquire(10, WriteNew, true)
	require.NoError(t, err)
	require.NotNil(t, lock)
	require.Equal(t, 1, lock.HolderCount())
	require.Equal(t, 1, p.Len())
}

func TestAttemptAcquireFreshlyAllocatedAlreadyHeldIsLockError(t *testing.T) {
	p := NewPool()
	_, err := p.AttemptAcquire(10, WriteNew, true)
	require.NoError(t, err)

	_, err = p.AttemptAcquire(10, Read, true)
	require.Error(t, err)
	require.True(t, vdoerrors.IsLockError(err))
}

func TestWriteNewConflictsWithEverything(t *testing.T) {
	p := NewPool()
	_, err := p.AttemptAcquire(10, WriteNew, true)
	require.NoError(t, err)

	for _, lt := range []LockType{WriteNew, CompressedWrite, Read, BlockMap} {
		lock, err := p.AttemptAcquire(10, lt, false)
		require.NoError(t, err)
		require.Nil(t, lock, "lock type %v must conflict with an outstanding write-new lock", lt)
	}
}

func TestReadsShareAmongThemselvesAndWithBlockMap(t *testing.T) {
	p := NewPool()
	first, err := p.AttemptAcquire(10, Read, false)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := p.AttemptAcquire(10, Read, false)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 2, second.HolderCount())

	third, err := p.AttemptAcquire(10, BlockMap, false)
	require.NoError(t, err)
	require.Same(t, first, third)
	require.Equal(t, 3, third.HolderCount())
}

func TestCompressedWriteConflictsWithWriteNewAndItself(t *testing.T) {
	p := NewPool()
	_, err := p.AttemptAcquire(10, CompressedWrite, false)
	require.NoError(t, err)

	lock, err := p.AttemptAcquire(10, CompressedWrite, false)
	require.NoError(t, err)
	require.Nil(t, lock)

	lock, err = p.AttemptAcquire(10, WriteNew, false)
	require.NoError(t, err)
	require.Nil(t, lock)
}

func TestReleaseReturnsProvisionalReferenceOnlyOnceUnheld(t *testing.T) {
	p := NewPool()
	lock, err := p.AttemptAcquire(10, WriteNew, true)
	require.NoError(t, err)
	lock.AssignProvisional()

	second, err := p.AttemptAcquire(10, Read, false)
	require.NoError(t, err)
	require.Nil(t, second, "write-new still conflicts while held")

	rollback := p.Release(lock)
	require.True(t, rollback)
	require.Equal(t, 0, p.Len())
}

func TestReleaseWithoutProvisionalReferenceDoesNotRollBack(t *testing.T) {
	p := NewPool()
	lock, err := p.AttemptAcquire(10, WriteNew, true)
	require.NoError(t, err)
	lock.AssignProvisional()
	lock.ClearProvisional()

	require.False(t, p.Release(lock))
}

func TestReleasePanicsWhenOverreleased(t *testing.T) {
	p := NewPool()
	lock, err := p.AttemptAcquire(10, Read, false)
	require.NoError(t, err)
	p.Release(lock)
	require.Panics(t, func() { p.Release(lock) })
}

func TestPoolGrowsAcrossManyDistinctPBNs(t *testing.T) {
	p := NewPool()
	for i := physical.BlockNumber(0); i < 500; i++ {
		_, err := p.AttemptAcquire(i, Read, false)
		require.NoError(t, err)
	}
	require.Equal(t, 500, p.Len())
}
