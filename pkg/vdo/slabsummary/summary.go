// Package slabsummary implements the per-zone slab summary: a compact,
// eventually-consistent digest used at load time to decide whether a
// slab is clean or needs scrubbing.
package slabsummary

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zeebo/blake3"

	"github.com/buildbarn/vdo-depot/pkg/vdo/vdoerrors"
)

// EntrySize is the packed on-disk size of one summary entry:
// {tail_block_offset:u16, load_ref_counts:u1, is_clean:u1,
// free_blocks_hint:u6}, followed by four reserved bytes.
const EntrySize = 7

// BlockSize is the size of one on-disk summary block. The final 32
// bytes hold a blake3 checksum of the preceding entries, so one block
// carries EntriesPerBlock entries.
const BlockSize = 4096

// EntriesPerBlock is the number of summary entries per 4 KiB block.
const EntriesPerBlock = (BlockSize - 32) / EntrySize

// Entry is one slab's summary record.
type Entry struct {
	TailBlockOffset uint16
	IsClean         bool
	LoadRefCounts   bool
	FreeBlocksHint  uint8 // 6-bit hint, 0..63
}

// Status is the decoded view of an Entry returned by ReadAllStatuses.
type Status struct {
	SlabNumber int
	Entry
}

var metricsOnce sync.Once

type summaryMetrics struct {
	updates     prometheus.Counter
	drains      prometheus.Counter
	batchWrites prometheus.Counter
}

var metrics = func() summaryMetrics {
	m := summaryMetrics{
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildbarn", Subsystem: "vdo_slabsummary", Name: "updates_total",
			Help: "Number of slab summary entry updates applied",
		}),
		drains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildbarn", Subsystem: "vdo_slabsummary", Name: "drains_total",
			Help: "Number of times the slab summary's pending writes were flushed",
		}),
		batchWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildbarn", Subsystem: "vdo_slabsummary", Name: "batch_writes_total",
			Help: "Number of coalesced summary write-backs issued",
		}),
	}
	metricsOnce.Do(func() {
		prometheus.MustRegister(m.updates, m.drains, m.batchWrites)
	})
	return m
}()

// FreeBlockHint compresses a slab's free-block count into the entry's
// 6-bit hint: the count is shifted down until the largest possible
// count fits in 6 bits.
func FreeBlockHint(freeBlocks, dataBlocks uint64) uint8 {
	shift := uint(0)
	for dataBlocks>>shift > 0x3f {
		shift++
	}
	return uint8(freeBlocks >> shift)
}

// ZoneSummary is the portion of the slab summary owned by one zone,
// keyed by the global slab numbers of the slabs that zone serves. A
// summary is physically one object but partitioned by zone; each
// zone's entries are mutated only by its owning thread.
type ZoneSummary struct {
	slabNumbers []int // sorted
	entries     map[int]Entry
	dirty       map[int]struct{}
}

// NewZoneSummary creates a summary covering the given slabs, all
// initially unclean (an unrecorded slab must be scrubbed before use).
func NewZoneSummary(slabNumbers []int) *ZoneSummary {
	z := &ZoneSummary{
		slabNumbers: append([]int(nil), slabNumbers...),
		entries:     make(map[int]Entry, len(slabNumbers)),
		dirty:       make(map[int]struct{}),
	}
	sort.Ints(z.slabNumbers)
	for _, n := range z.slabNumbers {
		z.entries[n] = Entry{}
	}
	return z
}

// Admit extends the summary to cover a newly grown slab, initially
// unclean.
func (z *ZoneSummary) Admit(slabNumber int) {
	if _, ok := z.entries[slabNumber]; ok {
		return
	}
	z.entries[slabNumber] = Entry{}
	z.slabNumbers = append(z.slabNumbers, slabNumber)
	sort.Ints(z.slabNumbers)
}

// Load installs an entry read back from disk without marking it dirty.
func (z *ZoneSummary) Load(slabNumber int, e Entry) {
	z.entries[slabNumber] = e
}

// Update writes through a new entry for slabNumber, batching the I/O
// until Drain is called. Updates to the same slab coalesce: only the
// latest value is kept.
func (z *ZoneSummary) Update(slabNumber int, tailOffset uint16, isClean, loadRefCounts bool, freeBlocksHint uint8) {
	z.entries[slabNumber] = Entry{
		TailBlockOffset: tailOffset,
		IsClean:         isClean,
		LoadRefCounts:   loadRefCounts,
		FreeBlocksHint:  freeBlocksHint & 0x3f,
	}
	z.dirty[slabNumber] = struct{}{}
	metrics.updates.Inc()
}

// ReadAllStatuses returns every slab's current status in slab-number
// order, used when deciding at load time which slabs need scrubbing.
func (z *ZoneSummary) ReadAllStatuses() []Status {
	statuses := make([]Status, 0, len(z.slabNumbers))
	for _, n := range z.slabNumbers {
		statuses = append(statuses, Status{SlabNumber: n, Entry: z.entries[n]})
	}
	return statuses
}

// Get returns the current entry for slabNumber.
func (z *ZoneSummary) Get(slabNumber int) Entry {
	return z.entries[slabNumber]
}

// Drain flushes pending writes, represented here as a coalesced batch
// write callback invoked once per call with every dirty entry. The
// writer function is responsible for persisting the batch via the
// metadata I/O interface; Drain clears the dirty set only after writer
// returns successfully.
func (z *ZoneSummary) Drain(writer func(map[int]Entry) error) error {
	if len(z.dirty) == 0 {
		return nil
	}
	batch := make(map[int]Entry, len(z.dirty))
	for slabNumber := range z.dirty {
		batch[slabNumber] = z.entries[slabNumber]
	}
	if err := writer(batch); err != nil {
		return err
	}
	metrics.batchWrites.Inc()
	metrics.drains.Inc()
	z.dirty = make(map[int]struct{})
	return nil
}

// HasPendingWrites reports whether Drain would currently do any work.
func (z *ZoneSummary) HasPendingWrites() bool {
	return len(z.dirty) > 0
}

// EncodeEntry serializes one entry into its packed on-disk
// representation.
func EncodeEntry(e Entry) [EntrySize]byte {
	var buf [EntrySize]byte
	binary.LittleEndian.PutUint16(buf[0:2], e.TailBlockOffset)
	flags := e.FreeBlocksHint & 0x3f
	if e.IsClean {
		flags |= 1 << 6
	}
	if e.LoadRefCounts {
		flags |= 1 << 7
	}
	buf[2] = flags
	return buf
}

// DecodeEntry parses an entry produced by EncodeEntry.
func DecodeEntry(buf [EntrySize]byte) Entry {
	return Entry{
		TailBlockOffset: binary.LittleEndian.Uint16(buf[0:2]),
		FreeBlocksHint:  buf[2] & 0x3f,
		IsClean:         buf[2]&(1<<6) != 0,
		LoadRefCounts:   buf[2]&(1<<7) != 0,
	}
}

// EncodeBlock packs up to EntriesPerBlock entries into one 4 KiB
// summary block, with a trailing blake3 checksum covering the entry
// area.
func EncodeBlock(entries []Entry) ([]byte, error) {
	if len(entries) > EntriesPerBlock {
		return nil, vdoerrors.Corrupt("%d summary entries exceed the %d that fit in one block", len(entries), EntriesPerBlock)
	}
	block := make([]byte, BlockSize)
	for i, e := range entries {
		buf := EncodeEntry(e)
		copy(block[i*EntrySize:], buf[:])
	}
	sum := blake3.Sum256(block[:BlockSize-32])
	copy(block[BlockSize-32:], sum[:])
	return block, nil
}

// DecodeBlock validates a summary block's checksum and unpacks its
// first entryCount entries. Returns Corrupt on any mismatch.
func DecodeBlock(block []byte, entryCount int) ([]Entry, error) {
	if len(block) != BlockSize {
		return nil, vdoerrors.Corrupt("summary block is %d bytes, expected %d", len(block), BlockSize)
	}
	if entryCount > EntriesPerBlock {
		return nil, vdoerrors.Corrupt("%d summary entries exceed the %d that fit in one block", entryCount, EntriesPerBlock)
	}
	want := blake3.Sum256(block[:BlockSize-32])
	got := block[BlockSize-32:]
	for i := range want {
		if want[i] != got[i] {
			return nil, vdoerrors.Corrupt("summary block failed checksum validation")
		}
	}
	entries := make([]Entry, entryCount)
	for i := range entries {
		var buf [EntrySize]byte
		copy(buf[:], block[i*EntrySize:])
		entries[i] = DecodeEntry(buf)
	}
	return entries, nil
}
