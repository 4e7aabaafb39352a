package refcounts

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildbarn/vdo-depot/pkg/vdo/vdoerrors"
)

func TestReserveFreeStampsProvisionalAndTracksFreeCount(t *testing.T) {
	rc := New(4)
	require.Equal(t, 4, rc.FreeCount())

	idx, err := rc.ReserveFree()
	require.NoError(t, err)
	require.Equal(t, Provisional, rc.Get(idx))
	require.Equal(t, 3, rc.FreeCount())
}

func TestReserveFreeExhaustionReturnsNoSpace(t *testing.T) {
	rc := New(1)
	_, err := rc.ReserveFree()
	require.NoError(t, err)

	_, err = rc.ReserveFree()
	require.Error(t, err)
	require.True(t, vdoerrors.IsNoSpace(err))
}

// Incrementing and then decrementing a counter restores its prior
// value.
func TestIncrementDecrementRoundTrip(t *testing.T) {
	rc := New(4)
	idx, err := rc.ReserveFree()
	require.NoError(t, err)
	require.NoError(t, rc.Modify(idx, Increment))
	require.Equal(t, uint8(1), rc.Get(idx))

	require.NoError(t, rc.Modify(idx, Increment))
	require.Equal(t, uint8(2), rc.Get(idx))

	require.NoError(t, rc.Modify(idx, Decrement))
	require.Equal(t, uint8(1), rc.Get(idx))

	require.NoError(t, rc.Modify(idx, Decrement))
	require.Equal(t, Free, rc.Get(idx))
	require.Equal(t, 4, rc.FreeCount())
}

func TestIncrementSaturatesAtMax(t *testing.T) {
	rc := New(1)
	idx, err := rc.ReserveFree()
	require.NoError(t, err)
	require.NoError(t, rc.Modify(idx, Increment)) // -> 1

	for rc.Get(idx) < Saturated {
		require.NoError(t, rc.Modify(idx, Increment))
	}
	require.Equal(t, Saturated, rc.Get(idx))

	// Saturated counters never change further.
	require.NoError(t, rc.Modify(idx, Increment))
	require.Equal(t, Saturated, rc.Get(idx))
}

func TestDecrementOfSaturatedIsCorrupt(t *testing.T) {
	rc := New(1)
	idx, err := rc.ReserveFree()
	require.NoError(t, err)
	require.NoError(t, rc.Modify(idx, BlockMapIncrement))
	require.Equal(t, Saturated, rc.Get(idx))

	err = rc.Modify(idx, Decrement)
	require.Error(t, err)
	require.True(t, vdoerrors.IsCorrupt(err))
}

func TestBlockMapIncrementPinsDirectly(t *testing.T) {
	rc := New(2)
	idx, err := rc.ReserveFree()
	require.NoError(t, err)
	before := rc.FreeCount()
	require.NoError(t, rc.Modify(idx, BlockMapIncrement))
	require.Equal(t, Saturated, rc.Get(idx))
	require.Equal(t, before, rc.FreeCount(), "a provisional counter was already excluded from free_count")
}

// The tracked free count must always equal the number of counters at
// Free, across a mixed sequence of reservations and releases.
func TestFreeCountInvariant(t *testing.T) {
	rc := New(10)
	var reserved []int
	for i := 0; i < 6; i++ {
		idx, err := rc.ReserveFree()
		require.NoError(t, err)
		reserved = append(reserved, idx)
	}
	for _, idx := range reserved[:3] {
		require.NoError(t, rc.Modify(idx, Decrement))
	}
	free := 0
	for i := 0; i < rc.Len(); i++ {
		if rc.Get(i) == Free {
			free++
		}
	}
	require.Equal(t, free, rc.FreeCount())
}

func TestPersistentBytesDropProvisionalReservations(t *testing.T) {
	rc := New(3)
	reserved, err := rc.ReserveFree()
	require.NoError(t, err)
	confirmed, err := rc.ReserveFree()
	require.NoError(t, err)
	require.NoError(t, rc.Modify(confirmed, Increment))

	data := rc.PersistentBytes()
	require.Equal(t, Free, data[reserved], "a reservation is volatile and must not reach disk")
	require.Equal(t, uint8(1), data[confirmed])
	require.Equal(t, Provisional, rc.Get(reserved), "the in-memory counter is untouched")
}

func TestBytesRoundTripsThroughNewFromBytes(t *testing.T) {
	rc := New(4)
	idx, err := rc.ReserveFree()
	require.NoError(t, err)
	require.NoError(t, rc.Modify(idx, Increment))

	rc2 := NewFromBytes(rc.Bytes())
	require.Equal(t, rc.Bytes(), rc2.Bytes())
	require.Equal(t, rc.FreeCount(), rc2.FreeCount())
}
