package physical

import (
	"encoding/binary"

	"github.com/buildbarn/vdo-depot/pkg/vdo/vdoerrors"
)

// SlabConfig mirrors the on-disk slab_config structure. All fields are
// counts of physical blocks.
type SlabConfig struct {
	SlabBlocks                   uint64
	DataBlocks                   uint64
	RefCountBlocks               uint64
	SlabJournalBlocks            uint64
	SlabJournalFlushingThreshold uint64
	SlabJournalBlockingThreshold uint64
	SlabJournalScrubbingThreshold uint64
}

// DepotState mirrors slab_depot_state_2_0, the on-disk super-block
// component owned by the allocator core.
type DepotState struct {
	SlabConfig SlabConfig
	FirstBlock BlockNumber
	LastBlock  BlockNumber
	ZoneCount  uint8
}

// depotStateEncodedSize is the fixed little-endian encoding of
// DepotState: 7 uint64 fields for SlabConfig, 2 uint64 fields for
// FirstBlock/LastBlock, and a single ZoneCount byte.
const depotStateEncodedSize = 7*8 + 8 + 8 + 1

// Encode serializes the depot state to its on-disk little-endian
// representation.
func (s DepotState) Encode() []byte {
	buf := make([]byte, depotStateEncodedSize)
	o := 0
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[o:], v)
		o += 8
	}
	putU64(s.SlabConfig.SlabBlocks)
	putU64(s.SlabConfig.DataBlocks)
	putU64(s.SlabConfig.RefCountBlocks)
	putU64(s.SlabConfig.SlabJournalBlocks)
	putU64(s.SlabConfig.SlabJournalFlushingThreshold)
	putU64(s.SlabConfig.SlabJournalBlockingThreshold)
	putU64(s.SlabConfig.SlabJournalScrubbingThreshold)
	putU64(uint64(s.FirstBlock))
	putU64(uint64(s.LastBlock))
	buf[o] = s.ZoneCount
	return buf
}

// DecodeDepotState parses the on-disk slab_depot_state_2_0
// representation produced by Encode. Round-trips with Encode for all
// valid inputs.
func DecodeDepotState(buf []byte) (DepotState, error) {
	if len(buf) < depotStateEncodedSize {
		return DepotState{}, vdoerrors.Corrupt("slab depot state is %d bytes, expected at least %d", len(buf), depotStateEncodedSize)
	}
	o := 0
	getU64 := func() uint64 {
		v := binary.LittleEndian.Uint64(buf[o:])
		o += 8
		return v
	}
	var s DepotState
	s.SlabConfig.SlabBlocks = getU64()
	s.SlabConfig.DataBlocks = getU64()
	s.SlabConfig.RefCountBlocks = getU64()
	s.SlabConfig.SlabJournalBlocks = getU64()
	s.SlabConfig.SlabJournalFlushingThreshold = getU64()
	s.SlabConfig.SlabJournalBlockingThreshold = getU64()
	s.SlabConfig.SlabJournalScrubbingThreshold = getU64()
	s.FirstBlock = BlockNumber(getU64())
	s.LastBlock = BlockNumber(getU64())
	s.ZoneCount = buf[o]
	if s.LastBlock < s.FirstBlock {
		return DepotState{}, vdoerrors.Corrupt("slab depot state has last_block %d before first_block %d", s.LastBlock, s.FirstBlock)
	}
	if s.SlabConfig.DataBlocks == 0 || s.SlabConfig.SlabBlocks < s.SlabConfig.DataBlocks {
		return DepotState{}, vdoerrors.Corrupt("slab depot state has invalid slab_config %+v", s.SlabConfig)
	}
	if s.ZoneCount == 0 {
		return DepotState{}, vdoerrors.Corrupt("slab depot state has zero zone_count")
	}
	return s, nil
}

// SlabCount returns the number of whole slabs that fit between
// FirstBlock and LastBlock.
func (s DepotState) SlabCount() uint64 {
	total := uint64(s.LastBlock - s.FirstBlock)
	if s.SlabConfig.SlabBlocks == 0 {
		return 0
	}
	return total / s.SlabConfig.SlabBlocks
}
