package priority

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeueHighestPriorityFirst(t *testing.T) {
	table := NewTable(4)
	low := NewEntry(1)
	high := NewEntry(2)
	mid := NewEntry(3)
	table.Enqueue(low, 1)
	table.Enqueue(high, 4)
	table.Enqueue(mid, 2)

	require.Equal(t, 2, table.Dequeue().Value())
	require.Equal(t, 3, table.Dequeue().Value())
	require.Equal(t, 1, table.Dequeue().Value())
	require.Nil(t, table.Dequeue())
}

func TestDequeueIsFIFOWithinABucket(t *testing.T) {
	table := NewTable(2)
	a := NewEntry(1)
	b := NewEntry(2)
	c := NewEntry(3)
	table.Enqueue(a, 1)
	table.Enqueue(b, 1)
	table.Enqueue(c, 1)

	require.Equal(t, 1, table.Dequeue().Value())
	require.Equal(t, 2, table.Dequeue().Value())
	require.Equal(t, 3, table.Dequeue().Value())
}

func TestRemoveTakesAnEntryOutWithoutDequeuing(t *testing.T) {
	table := NewTable(2)
	a := NewEntry(1)
	b := NewEntry(2)
	table.Enqueue(a, 1)
	table.Enqueue(b, 1)

	table.Remove(a)
	require.Equal(t, 1, table.Len())
	require.Equal(t, 2, table.Dequeue().Value())

	// Removing again, or removing an entry that was never enqueued,
	// is a no-op rather than a panic.
	table.Remove(a)
	table.Remove(NewEntry(99))
}

func TestEnqueueAlreadyQueuedEntryPanics(t *testing.T) {
	table := NewTable(2)
	a := NewEntry(1)
	table.Enqueue(a, 1)
	require.Panics(t, func() { table.Enqueue(a, 1) })
}

func TestLog2Floor(t *testing.T) {
	cases := map[uint64]int{0: 0, 1: 0, 2: 1, 3: 1, 4: 2, 7: 2, 8: 3, 1023: 9, 1024: 10}
	for n, want := range cases {
		require.Equal(t, want, Log2Floor(n), "Log2Floor(%d)", n)
	}
}

func TestIsEmptyAndLen(t *testing.T) {
	table := NewTable(2)
	require.True(t, table.IsEmpty())
	e := NewEntry(1)
	table.Enqueue(e, 0)
	require.False(t, table.IsEmpty())
	require.Equal(t, 1, table.Len())
}
