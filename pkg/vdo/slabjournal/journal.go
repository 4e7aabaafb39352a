// Package slabjournal implements the per-slab circular write-ahead log
// of reference-count mutations.
package slabjournal

import (
	"encoding/binary"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zeebo/blake3"

	"github.com/buildbarn/vdo-depot/pkg/vdo/physical"
	"github.com/buildbarn/vdo-depot/pkg/vdo/refcounts"
	"github.com/buildbarn/vdo-depot/pkg/vdo/vdoerrors"
)

// Entry is one slab-journal record: {op, pbn, sequence,
// recovery_block}.
type Entry struct {
	Op            refcounts.Operation
	PBN           physical.BlockNumber
	Sequence      uint64
	RecoveryBlock uint64
}

// blockHeaderMagic identifies a slab-journal block on disk.
const blockHeaderMagic = 0x564a4c31 // "VJL1"

// entryEncodedSize is the packed on-disk size of one entry: op:u4
// pbn:u60 packed into 8 bytes, plus recovery_sequence:u64. The entry's
// own Sequence field is derived from the block's header sequence and
// the entry's position, so it is not stored per-entry.
const entryEncodedSize = 16

// blockHeaderEncodedSize is {magic:u32, nonce:u64, sequence:u64,
// head:u64, tail_offset:u16, entry_count:u16}.
const blockHeaderEncodedSize = 4 + 8 + 8 + 8 + 2 + 2

// EncodedEntrySize is the on-disk size of one journal entry, exported
// so that the metadata layout can size journal regions.
const EncodedEntrySize = entryEncodedSize

// EncodedBlockOverhead is the fixed per-block cost of an encoded
// journal block: the header plus the trailing checksum.
const EncodedBlockOverhead = blockHeaderEncodedSize + 32

var metricsOnce sync.Once

type journalMetrics struct {
	appends       prometheus.Counter
	tailFlushes   prometheus.Counter
	parkedWaiters prometheus.Counter
	checksumFails prometheus.Counter
}

var metrics = func() journalMetrics {
	m := journalMetrics{
		appends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildbarn", Subsystem: "vdo_slabjournal", Name: "appends_total",
			Help: "Number of entries appended to slab journals",
		}),
		tailFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildbarn", Subsystem: "vdo_slabjournal", Name: "tail_flushes_total",
			Help: "Number of slab-journal tail blocks flushed to disk",
		}),
		parkedWaiters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildbarn", Subsystem: "vdo_slabjournal", Name: "parked_waiters_total",
			Help: "Number of append operations parked because the journal was full",
		}),
		checksumFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildbarn", Subsystem: "vdo_slabjournal", Name: "checksum_failures_total",
			Help: "Number of slab-journal blocks that failed checksum validation on load",
		}),
	}
	metricsOnce.Do(func() {
		prometheus.MustRegister(m.appends, m.tailFlushes, m.parkedWaiters, m.checksumFails)
	})
	return m
}()

// Waiter is parked on Journal when Append finds the journal full. It
// is drained (in FIFO order) once FlushTail completes.
type Waiter func()

// Journal is a fixed-size circular log of reference-count mutations
// for a single slab. It is only safe to call from the slab's owning
// zone thread, except where noted.
type Journal struct {
	nonce             uint64
	capacity          uint64 // slab_journal_blocks
	head              uint64 // oldest sequence number still un-committed
	tail              uint64 // next sequence number to be assigned
	tailBlock         uint64 // tail blocks committed since the last checkpoint
	entries           []Entry
	waiters           []Waiter
	tailWriteInFlight bool

	flushingThreshold  uint64
	blockingThreshold  uint64
	scrubbingThreshold uint64
}

// New creates an empty slab journal sized according to the depot's
// slab configuration.
func New(nonce uint64, slabJournalBlocks, flushingThreshold, blockingThreshold, scrubbingThreshold uint64) *Journal {
	return &Journal{
		nonce:              nonce,
		capacity:           slabJournalBlocks,
		flushingThreshold:  flushingThreshold,
		blockingThreshold:  blockingThreshold,
		scrubbingThreshold: scrubbingThreshold,
	}
}

// Head returns the oldest sequence number not yet reflected in the
// summary.
func (j *Journal) Head() uint64 { return j.head }

// Tail returns the next sequence number that will be assigned.
func (j *Journal) Tail() uint64 { return j.tail }

// Capacity returns the journal's size in blocks
// (slab_journal_blocks).
func (j *Journal) Capacity() uint64 { return j.capacity }

// IsBlank reports whether the journal has never had an entry
// appended, i.e. the slab has never been opened. A journal whose
// entries have all been flushed is committed, not blank.
func (j *Journal) IsBlank() bool {
	return j.tail == 0
}

// depthEntries returns the number of entries appended but not yet
// released. Append refuses new entries once this reaches the blocking
// threshold.
func (j *Journal) depthEntries() uint64 {
	return j.tail - j.head
}

// IsFull reports whether the journal has reached its blocking
// threshold and must park further appends.
func (j *Journal) IsFull() bool {
	return j.depthEntries() >= j.blockingThreshold
}

// NeedsFlush reports whether the journal has accumulated enough dirty
// entries to warrant proactively flushing its tail block.
func (j *Journal) NeedsFlush() bool {
	return j.depthEntries() >= j.flushingThreshold
}

// Append records a mutation, assigning it the next sequence number.
// The caller must apply the corresponding RefCounts.Modify only after
// Append returns successfully, so the journal entry durably precedes
// the in-memory counter change it describes. If the journal is full,
// the entry is rejected and the caller should park the operation via
// EnqueueWaiter; Append never blocks.
func (j *Journal) Append(op refcounts.Operation, pbn physical.BlockNumber, recoveryBlock uint64) (sequence uint64, full bool) {
	if j.IsFull() {
		return 0, true
	}
	sequence = j.tail
	j.entries = append(j.entries, Entry{Op: op, PBN: pbn, Sequence: sequence, RecoveryBlock: recoveryBlock})
	j.tail++
	metrics.appends.Inc()
	return sequence, false
}

// EnqueueWaiter parks w to be invoked once FlushTail makes room. Used
// when Append reports the journal full.
func (j *Journal) EnqueueWaiter(w Waiter) {
	metrics.parkedWaiters.Inc()
	j.waiters = append(j.waiters, w)
}

// FlushTail marks every entry currently buffered as committed,
// advances Head to Tail, and wakes parked waiters. At most one tail
// write may be in flight at a time; callers must check
// TailWriteInFlight first.
func (j *Journal) FlushTail() {
	if len(j.entries) > 0 {
		j.tailBlock++
	}
	j.entries = j.entries[:0]
	j.head = j.tail
	metrics.tailFlushes.Inc()
	woken := j.waiters
	j.waiters = nil
	for _, w := range woken {
		w()
	}
}

// AbortWaiters drops every parked waiter and returns them so the
// caller can complete them on its own terms, e.g. with ReadOnly when
// the zone is forced out of service.
func (j *Journal) AbortWaiters() []Waiter {
	aborted := j.waiters
	j.waiters = nil
	return aborted
}

// Erase discards the journal's entire contents, returning it to the
// blank state. Used when loading for rebuild, where the block map is
// the sole source of truth and stale journal entries must not be
// replayed.
func (j *Journal) Erase() {
	j.entries = nil
	j.waiters = nil
	j.head = 0
	j.tail = 0
	j.tailBlock = 0
	j.tailWriteInFlight = false
}

// TailBlockOffset returns the circular slot the next committed tail
// block will occupy, as recorded in the slab summary.
func (j *Journal) TailBlockOffset() uint16 {
	if j.capacity == 0 {
		return 0
	}
	return uint16(j.tailBlock % j.capacity)
}

// CommittedBlocks returns the number of tail blocks committed since
// the journal was created, erased, or last checkpointed.
func (j *Journal) CommittedBlocks() uint64 {
	return j.tailBlock
}

// ResetCommittedBlocks restarts the circular block space, used after a
// checkpoint has folded every committed entry into the persisted
// ref-counts and erased the on-disk journal region.
func (j *Journal) ResetCommittedBlocks() {
	j.tailBlock = 0
}

// EncodeTail serializes the journal's buffered entries into one
// on-disk block image stamped with the journal's nonce.
func (j *Journal) EncodeTail() []byte {
	return EncodeBlock(j.nonce, j.tail, j.head, j.TailBlockOffset(), j.entries)
}

// LoadEntries repopulates the journal from a decoded on-disk block,
// used when loading for recovery: the entries become the un-committed
// window that scrubbing will replay.
func (j *Journal) LoadEntries(head, tail uint64, entries []Entry) {
	j.head = head
	j.tail = tail
	j.entries = append(j.entries[:0], entries...)
}

// TailWriteInFlight reports whether a tail-block write is currently
// outstanding.
func (j *Journal) TailWriteInFlight() bool { return j.tailWriteInFlight }

// BeginTailWrite marks a tail write as started. Returns false if one
// was already in flight.
func (j *Journal) BeginTailWrite() bool {
	if j.tailWriteInFlight {
		return false
	}
	j.tailWriteInFlight = true
	return true
}

// EndTailWrite marks the in-flight tail write as complete.
func (j *Journal) EndTailWrite() {
	j.tailWriteInFlight = false
}

// OldestLockedRecoveryBlock returns the recovery-journal block number
// that the oldest un-released entry locks, and whether any entry is
// outstanding at all.
func (j *Journal) OldestLockedRecoveryBlock() (uint64, bool) {
	if len(j.entries) == 0 {
		return 0, false
	}
	oldest := j.entries[0].RecoveryBlock
	for _, e := range j.entries[1:] {
		if e.RecoveryBlock < oldest {
			oldest = e.RecoveryBlock
		}
	}
	return oldest, true
}

// IsReleasedThrough reports whether every entry locking recovery block
// R or earlier has been committed, i.e. it is safe to tell the
// recovery journal its tail-block lock at R is released.
func (j *Journal) IsReleasedThrough(recoveryBlock uint64) bool {
	oldest, any := j.OldestLockedRecoveryBlock()
	if !any {
		return true
	}
	return oldest > recoveryBlock
}

// Replay invokes apply for every buffered entry in order, used by the
// scrubber to bring an in-memory RefCounts array up to date with
// entries not yet reflected in the summary.
func (j *Journal) Replay(apply func(Entry) error) error {
	for _, e := range j.entries {
		if err := apply(e); err != nil {
			return err
		}
	}
	return nil
}

// EncodeBlock serializes a contiguous run of entries (at most one
// on-disk block's worth) into the packed on-disk format, including a
// blake3 checksum appended after the declared header/entry fields so
// that corruption can be detected on load. This checksum is an
// extension beyond the bit-for-bit header layout, not a replacement
// for it.
func EncodeBlock(nonce uint64, sequence uint64, head uint64, tailOffset uint16, entries []Entry) []byte {
	body := make([]byte, blockHeaderEncodedSize+len(entries)*entryEncodedSize)
	binary.LittleEndian.PutUint32(body[0:4], blockHeaderMagic)
	binary.LittleEndian.PutUint64(body[4:12], nonce)
	binary.LittleEndian.PutUint64(body[12:20], sequence)
	binary.LittleEndian.PutUint64(body[20:28], head)
	binary.LittleEndian.PutUint16(body[28:30], tailOffset)
	binary.LittleEndian.PutUint16(body[30:32], uint16(len(entries)))
	o := blockHeaderEncodedSize
	for _, e := range entries {
		packed := (uint64(e.Op) & 0xf) | (uint64(e.PBN)&0x0fffffffffffffff)<<4
		binary.LittleEndian.PutUint64(body[o:o+8], packed)
		binary.LittleEndian.PutUint64(body[o+8:o+16], e.RecoveryBlock)
		o += entryEncodedSize
	}
	sum := blake3.Sum256(body)
	return append(body, sum[:]...)
}

// DecodeBlock parses a block produced by EncodeBlock, validating its
// magic and checksum. Returns Corrupt on any mismatch.
func DecodeBlock(data []byte) (nonce, sequence, head uint64, entries []Entry, err error) {
	if len(data) < blockHeaderEncodedSize+32 {
		return 0, 0, 0, nil, vdoerrors.Corrupt("slab journal block is %d bytes, too small for header+checksum", len(data))
	}
	checksumOffset := len(data) - 32
	body, checksum := data[:checksumOffset], data[checksumOffset:]
	want := blake3.Sum256(body)
	for i := range want {
		if want[i] != checksum[i] {
			metrics.checksumFails.Inc()
			return 0, 0, 0, nil, vdoerrors.Corrupt("slab journal block failed checksum validation")
		}
	}
	if binary.LittleEndian.Uint32(body[0:4]) != blockHeaderMagic {
		return 0, 0, 0, nil, vdoerrors.Corrupt("slab journal block has bad magic")
	}
	nonce = binary.LittleEndian.Uint64(body[4:12])
	sequence = binary.LittleEndian.Uint64(body[12:20])
	head = binary.LittleEndian.Uint64(body[20:28])
	entryCount := int(binary.LittleEndian.Uint16(body[30:32]))
	o := blockHeaderEncodedSize
	for i := 0; i < entryCount; i++ {
		if o+entryEncodedSize > checksumOffset {
			return 0, 0, 0, nil, vdoerrors.Corrupt("slab journal block truncated before declared entry_count")
		}
		packed := binary.LittleEndian.Uint64(body[o : o+8])
		recoveryBlock := binary.LittleEndian.Uint64(body[o+8 : o+16])
		entries = append(entries, Entry{
			Op:            refcounts.Operation(packed & 0xf),
			PBN:           physical.BlockNumber(packed >> 4),
			RecoveryBlock: recoveryBlock,
		})
		o += entryEncodedSize
	}
	return nonce, sequence, head, entries, nil
}
