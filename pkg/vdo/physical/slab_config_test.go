package physical

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildbarn/vdo-depot/pkg/vdo/vdoerrors"
)

func testState() DepotState {
	return DepotState{
		SlabConfig: SlabConfig{
			SlabBlocks:                    1024,
			DataBlocks:                    1000,
			RefCountBlocks:                4,
			SlabJournalBlocks:             16,
			SlabJournalFlushingThreshold:  8,
			SlabJournalBlockingThreshold:  12,
			SlabJournalScrubbingThreshold: 10,
		},
		FirstBlock: 0,
		LastBlock:  1024 * 4,
		ZoneCount:  2,
	}
}

// decode(encode(s)) == s for any valid depot state.
func TestEncodeDecodeDepotStateRoundTrips(t *testing.T) {
	s := testState()
	decoded, err := DecodeDepotState(s.Encode())
	require.NoError(t, err)
	require.Equal(t, s, decoded)
}

func TestDecodeDepotStateRejectsShortBuffer(t *testing.T) {
	_, err := DecodeDepotState(make([]byte, 4))
	require.Error(t, err)
	require.True(t, vdoerrors.IsCorrupt(err))
}

func TestDecodeDepotStateRejectsLastBeforeFirst(t *testing.T) {
	s := testState()
	s.FirstBlock = s.LastBlock + 1
	_, err := DecodeDepotState(s.Encode())
	require.Error(t, err)
	require.True(t, vdoerrors.IsCorrupt(err))
}

func TestDecodeDepotStateRejectsZeroDataBlocks(t *testing.T) {
	s := testState()
	s.SlabConfig.DataBlocks = 0
	_, err := DecodeDepotState(s.Encode())
	require.Error(t, err)
	require.True(t, vdoerrors.IsCorrupt(err))
}

func TestDecodeDepotStateRejectsZeroZoneCount(t *testing.T) {
	s := testState()
	s.ZoneCount = 0
	_, err := DecodeDepotState(s.Encode())
	require.Error(t, err)
	require.True(t, vdoerrors.IsCorrupt(err))
}

func TestSlabCount(t *testing.T) {
	s := testState()
	require.EqualValues(t, 4, s.SlabCount())
}

func TestIsZeroBlock(t *testing.T) {
	require.True(t, ZeroBlock.IsZeroBlock())
	require.True(t, BlockNumber(0).IsZeroBlock())
	require.False(t, BlockNumber(1).IsZeroBlock())
}
