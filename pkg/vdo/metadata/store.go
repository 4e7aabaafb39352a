// Package metadata maps the slab depot's persistent structures onto
// the metadata block device: a slab summary partition at the front,
// followed by one fixed-size region per slab holding that slab's
// ref-counts and its circular journal. Every offset is computed purely
// from the depot state and the slab number; no per-slab pointer is
// stored on disk.
package metadata

import (
	"encoding/binary"

	"github.com/buildbarn/vdo-depot/pkg/blockdevice"
	"github.com/buildbarn/vdo-depot/pkg/vdo/physical"
	"github.com/buildbarn/vdo-depot/pkg/vdo/slabjournal"
	"github.com/buildbarn/vdo-depot/pkg/vdo/slabsummary"
	"github.com/buildbarn/vdo-depot/pkg/vdo/vdoerrors"
)

// blockSize is the unit in which all metadata I/O is issued.
const blockSize = 4096

// journalSlotHeaderSize is the little-endian length prefix stored at
// the front of each journal slot. A zero length marks an empty slot,
// which is also what a freshly zeroed device reads as.
const journalSlotHeaderSize = 4

// Store performs the depot's metadata reads and writes. It is safe for
// concurrent use by multiple zone threads because zones touch disjoint
// summary blocks and slab regions.
type Store struct {
	device blockdevice.BlockDevice
	state  physical.DepotState

	summaryPartitionBytes int64
	refCountRegionBytes   int64
	journalRegionBytes    int64
}

// NewStore creates a Store for the given depot geometry. The layout
// is: one summary block per zone, then per slab a ref-counts region of
// ref_count_blocks blocks followed by slab_journal_blocks journal
// slots.
func NewStore(device blockdevice.BlockDevice, state physical.DepotState) (*Store, error) {
	config := state.SlabConfig
	if config.DataBlocks > config.RefCountBlocks*blockSize {
		return nil, vdoerrors.Corrupt(
			"%d data blocks do not fit in %d ref-count blocks",
			config.DataBlocks, config.RefCountBlocks)
	}
	maxEntries := uint64((blockSize - journalSlotHeaderSize - slabjournal.EncodedBlockOverhead) / slabjournal.EncodedEntrySize)
	if config.SlabJournalBlockingThreshold > maxEntries {
		return nil, vdoerrors.Corrupt(
			"slab journal blocking threshold %d exceeds the %d entries that fit in one journal block",
			config.SlabJournalBlockingThreshold, maxEntries)
	}
	slabsPerZone := (state.SlabCount() + uint64(state.ZoneCount) - 1) / uint64(state.ZoneCount)
	if slabsPerZone > slabsummary.EntriesPerBlock {
		return nil, vdoerrors.Corrupt(
			"%d slabs per zone exceed the %d summary entries that fit in one block",
			slabsPerZone, slabsummary.EntriesPerBlock)
	}
	return &Store{
		device:                device,
		state:                 state,
		summaryPartitionBytes: int64(state.ZoneCount) * blockSize,
		refCountRegionBytes:   int64(config.RefCountBlocks) * blockSize,
		journalRegionBytes:    int64(config.SlabJournalBlocks) * blockSize,
	}, nil
}

// RequiredSizeBytes returns the metadata device capacity the given
// depot geometry needs.
func RequiredSizeBytes(state physical.DepotState) int64 {
	config := state.SlabConfig
	perSlab := int64(config.RefCountBlocks+config.SlabJournalBlocks) * blockSize
	return int64(state.ZoneCount)*blockSize + int64(state.SlabCount())*perSlab
}

func (s *Store) slabRegionOffset(slabNumber int) int64 {
	return s.summaryPartitionBytes + int64(slabNumber)*(s.refCountRegionBytes+s.journalRegionBytes)
}

func (s *Store) journalSlotOffset(slabNumber, slot int) int64 {
	return s.slabRegionOffset(slabNumber) + s.refCountRegionBytes + int64(slot)*blockSize
}

// WriteZoneSummary persists one zone's summary block, containing the
// entries for that zone's slabs in slab-number order.
func (s *Store) WriteZoneSummary(zone int, entries []slabsummary.Entry) error {
	block, err := slabsummary.EncodeBlock(entries)
	if err != nil {
		return err
	}
	if _, err := s.device.WriteAt(block, int64(zone)*blockSize); err != nil {
		return vdoerrors.IO("writing summary block for zone %d: %s", zone, err)
	}
	return nil
}

// ReadZoneSummary reads back one zone's summary block. A block that
// was never written (all zeroes) decodes as entryCount unclean
// entries, forcing every slab in the zone through the scrubber.
func (s *Store) ReadZoneSummary(zone, entryCount int) ([]slabsummary.Entry, error) {
	block := make([]byte, blockSize)
	if _, err := s.device.ReadAt(block, int64(zone)*blockSize); err != nil {
		return nil, vdoerrors.IO("reading summary block for zone %d: %s", zone, err)
	}
	if isZero(block) {
		return make([]slabsummary.Entry, entryCount), nil
	}
	return slabsummary.DecodeBlock(block, entryCount)
}

// WriteRefCounts persists a slab's ref-count image.
func (s *Store) WriteRefCounts(slabNumber int, data []byte) error {
	if int64(len(data)) > s.refCountRegionBytes {
		return vdoerrors.Corrupt(
			"%d ref-count bytes exceed slab %d's %d-byte region",
			len(data), slabNumber, s.refCountRegionBytes)
	}
	if _, err := s.device.WriteAt(data, s.slabRegionOffset(slabNumber)); err != nil {
		return vdoerrors.IO("writing ref-counts for slab %d: %s", slabNumber, err)
	}
	return nil
}

// ReadRefCounts reads back a slab's ref-count image. A region that was
// never written reads as all-free counters.
func (s *Store) ReadRefCounts(slabNumber int) ([]byte, error) {
	data := make([]byte, s.state.SlabConfig.DataBlocks)
	if _, err := s.device.ReadAt(data, s.slabRegionOffset(slabNumber)); err != nil {
		return nil, vdoerrors.IO("reading ref-counts for slab %d: %s", slabNumber, err)
	}
	return data, nil
}

// WriteJournalBlock persists one committed journal tail block into the
// given slot of the slab's circular journal region.
func (s *Store) WriteJournalBlock(slabNumber, slot int, block []byte) error {
	if len(block)+journalSlotHeaderSize > blockSize {
		return vdoerrors.Corrupt(
			"%d-byte journal block does not fit in slab %d's %d-byte slot",
			len(block), slabNumber, blockSize)
	}
	buf := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(buf, uint32(len(block)))
	copy(buf[journalSlotHeaderSize:], block)
	if _, err := s.device.WriteAt(buf, s.journalSlotOffset(slabNumber, slot)); err != nil {
		return vdoerrors.IO("writing journal block %d for slab %d: %s", slot, slabNumber, err)
	}
	return nil
}

// ReadJournalBlocks reads back every non-empty journal slot of a slab,
// in slot order. The caller is responsible for decoding and ordering
// the blocks by their header sequence numbers.
func (s *Store) ReadJournalBlocks(slabNumber int) ([][]byte, error) {
	var blocks [][]byte
	for slot := 0; slot < int(s.state.SlabConfig.SlabJournalBlocks); slot++ {
		buf := make([]byte, blockSize)
		if _, err := s.device.ReadAt(buf, s.journalSlotOffset(slabNumber, slot)); err != nil {
			return nil, vdoerrors.IO("reading journal block %d for slab %d: %s", slot, slabNumber, err)
		}
		length := binary.LittleEndian.Uint32(buf)
		if length == 0 {
			continue
		}
		if int(length)+journalSlotHeaderSize > blockSize {
			return nil, vdoerrors.Corrupt(
				"journal block %d for slab %d declares impossible length %d", slot, slabNumber, length)
		}
		blocks = append(blocks, buf[journalSlotHeaderSize:journalSlotHeaderSize+int(length)])
	}
	return blocks, nil
}

// EraseJournal clears a slab's entire journal region, used once its
// entries have been folded into the persisted ref-counts.
func (s *Store) EraseJournal(slabNumber int) error {
	zeroes := make([]byte, s.journalRegionBytes)
	if _, err := s.device.WriteAt(zeroes, s.journalSlotOffset(slabNumber, 0)); err != nil {
		return vdoerrors.IO("erasing journal for slab %d: %s", slabNumber, err)
	}
	return nil
}

// Sync blocks until every previous write has reached the underlying
// storage medium.
func (s *Store) Sync() error {
	return s.device.Sync()
}

func isZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}
