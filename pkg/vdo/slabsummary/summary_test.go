package slabsummary

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildbarn/vdo-depot/pkg/vdo/vdoerrors"
)

func TestUpdateCoalescesIntoReadAllStatuses(t *testing.T) {
	z := NewZoneSummary([]int{0, 1, 2})
	z.Update(1, 42, true, false, 10)
	z.Update(1, 99, false, true, 20)

	statuses := z.ReadAllStatuses()
	require.Len(t, statuses, 3)
	require.Equal(t, uint16(99), statuses[1].TailBlockOffset)
	require.False(t, statuses[1].IsClean)
	require.True(t, statuses[1].LoadRefCounts)
	require.EqualValues(t, 20, statuses[1].FreeBlocksHint)
}

func TestZoneSummaryCoversOnlyItsOwnSlabNumbers(t *testing.T) {
	// Zone 1 of a two-zone depot owns the odd-numbered slabs.
	z := NewZoneSummary([]int{5, 1, 3})
	statuses := z.ReadAllStatuses()
	require.Len(t, statuses, 3)
	require.Equal(t, 1, statuses[0].SlabNumber)
	require.Equal(t, 3, statuses[1].SlabNumber)
	require.Equal(t, 5, statuses[2].SlabNumber)

	z.Update(5, 7, true, false, 1)
	require.Equal(t, uint16(7), z.Get(5).TailBlockOffset)
}

func TestAdmitExtendsCoverageForGrownSlabs(t *testing.T) {
	z := NewZoneSummary([]int{0, 2})
	z.Admit(4)
	z.Admit(4)

	statuses := z.ReadAllStatuses()
	require.Len(t, statuses, 3)
	require.Equal(t, 4, statuses[2].SlabNumber)
	require.False(t, statuses[2].IsClean, "a newly admitted slab starts unclean")
}

func TestDrainFlushesOnlyDirtyEntriesAndClearsPendingState(t *testing.T) {
	z := NewZoneSummary([]int{0, 1, 2})
	require.False(t, z.HasPendingWrites())

	z.Update(0, 1, true, false, 0)
	z.Update(2, 2, false, false, 5)
	require.True(t, z.HasPendingWrites())

	var batch map[int]Entry
	err := z.Drain(func(b map[int]Entry) error {
		batch = b
		return nil
	})
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.False(t, z.HasPendingWrites())
}

func TestDrainIsANoOpWithNothingPending(t *testing.T) {
	z := NewZoneSummary([]int{0})
	called := false
	err := z.Drain(func(map[int]Entry) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.False(t, called)
}

func TestEncodeDecodeEntryRoundTrips(t *testing.T) {
	e := Entry{TailBlockOffset: 1234, IsClean: true, LoadRefCounts: false, FreeBlocksHint: 37}
	buf := EncodeEntry(e)
	decoded := DecodeEntry(buf)
	require.Equal(t, e, decoded)
}

func TestFreeBlocksHintIsMaskedTo6Bits(t *testing.T) {
	z := NewZoneSummary([]int{0})
	z.Update(0, 0, false, false, 0xff)
	require.LessOrEqual(t, z.Get(0).FreeBlocksHint, uint8(0x3f))
}

func TestFreeBlockHintScalesWithDataBlocks(t *testing.T) {
	// Small slabs keep the exact count.
	require.EqualValues(t, 17, FreeBlockHint(17, 60))
	// Large slabs shift the count into range.
	hint := FreeBlockHint(1<<20, 1<<20)
	require.LessOrEqual(t, hint, uint8(0x3f))
	require.Greater(t, hint, uint8(0))
	require.EqualValues(t, 0, FreeBlockHint(0, 1<<20))
}

func TestEncodeDecodeBlockRoundTrips(t *testing.T) {
	entries := []Entry{
		{TailBlockOffset: 1, IsClean: true, FreeBlocksHint: 5},
		{TailBlockOffset: 2, LoadRefCounts: true, FreeBlocksHint: 63},
	}
	block, err := EncodeBlock(entries)
	require.NoError(t, err)
	require.Len(t, block, BlockSize)

	decoded, err := DecodeBlock(block, len(entries))
	require.NoError(t, err)
	require.Equal(t, entries, decoded)
}

func TestDecodeBlockDetectsCorruption(t *testing.T) {
	block, err := EncodeBlock([]Entry{{TailBlockOffset: 9}})
	require.NoError(t, err)
	block[3] ^= 0xff

	_, err = DecodeBlock(block, 1)
	require.Error(t, err)
	require.True(t, vdoerrors.IsCorrupt(err))
}

func TestEncodeBlockRejectsOverfullBlock(t *testing.T) {
	_, err := EncodeBlock(make([]Entry, EntriesPerBlock+1))
	require.Error(t, err)
	require.True(t, vdoerrors.IsCorrupt(err))
}
