// Package allocator implements the per-zone block allocator: the
// component that actually hands out physical block numbers, walks
// priority-ordered slabs, and drives each slab's admin lifecycle.
// Every exported method on BlockAllocator must be called from the
// zone's single owning goroutine; nothing here takes an internal
// lock.
package allocator

import (
	"context"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/buildbarn/vdo-depot/pkg/atomic"
	"github.com/buildbarn/vdo-depot/pkg/clock"
	"github.com/buildbarn/vdo-depot/pkg/vdo/adminstate"
	"github.com/buildbarn/vdo-depot/pkg/vdo/pbnlock"
	"github.com/buildbarn/vdo-depot/pkg/vdo/physical"
	"github.com/buildbarn/vdo-depot/pkg/vdo/priority"
	"github.com/buildbarn/vdo-depot/pkg/vdo/refcounts"
	"github.com/buildbarn/vdo-depot/pkg/vdo/scrubber"
	"github.com/buildbarn/vdo-depot/pkg/vdo/slab"
	"github.com/buildbarn/vdo-depot/pkg/vdo/slabjournal"
	"github.com/buildbarn/vdo-depot/pkg/vdo/slabsummary"
	"github.com/buildbarn/vdo-depot/pkg/vdo/vdoerrors"
)

// MetadataStore is the persistence interface the allocator drives its
// summary, ref-count, and journal I/O through. It is implemented by
// pkg/vdo/metadata's block-device-backed Store.
type MetadataStore interface {
	ReadZoneSummary(zone, entryCount int) ([]slabsummary.Entry, error)
	WriteZoneSummary(zone int, entries []slabsummary.Entry) error
	ReadRefCounts(slabNumber int) ([]byte, error)
	WriteRefCounts(slabNumber int, data []byte) error
	ReadJournalBlocks(slabNumber int) ([][]byte, error)
	WriteJournalBlock(slabNumber, slot int, block []byte) error
	EraseJournal(slabNumber int) error
}

var metricsOnce sync.Once

type allocatorMetrics struct {
	allocations *prometheus.CounterVec
	rollbacks   prometheus.Counter
	confirms    prometheus.Counter
	parked      prometheus.Counter
}

var metrics = func() allocatorMetrics {
	m := allocatorMetrics{
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildbarn", Subsystem: "vdo_allocator", Name: "allocations_total",
			Help: "Number of allocate_block attempts, by outcome",
		}, []string{"outcome"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildbarn", Subsystem: "vdo_allocator", Name: "rollbacks_total",
			Help: "Number of provisional reservations released without being confirmed",
		}),
		confirms: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildbarn", Subsystem: "vdo_allocator", Name: "confirms_total",
			Help: "Number of provisional reservations confirmed into real references",
		}),
		parked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildbarn", Subsystem: "vdo_allocator", Name: "parked_confirms_total",
			Help: "Number of confirmations parked because the target slab journal was full",
		}),
	}
	metricsOnce.Do(func() {
		prometheus.MustRegister(m.allocations, m.rollbacks, m.confirms, m.parked)
	})
	return m
}()

// Statistics holds the allocator's cross-thread-readable counters.
// Every field is written only by the owning zone thread and may be
// read from any thread via a relaxed load; callers must not expect
// monotonicity of observed totals under concurrent mutation.
type Statistics struct {
	AllocatedBlocks atomic.Int64
}

// Config carries the construction-time parameters a BlockAllocator
// needs to map physical block numbers back to the slab and in-slab
// index they belong to.
type Config struct {
	ZoneNumber  int
	ZoneCount   int
	FirstBlock  physical.BlockNumber
	SlabBlocks  uint64
	DataBlocks  int
	VIOPoolSize int64
	// Metadata persists the zone's summary, ref-counts, and slab
	// journals. Required.
	Metadata MetadataStore
	// Clock backs the scrubber's timing instrumentation; the system
	// clock is used when left nil.
	Clock clock.Clock
}

// BlockAllocator owns every slab in one physical zone: their
// ref-counts, journals, and priority-queue membership, plus the
// zone-local PBN-lock pool, slab scrubber, and summary partition.
type BlockAllocator struct {
	zoneNumber int
	zoneCount  int
	firstBlock physical.BlockNumber
	slabBlocks uint64
	dataBlocks int

	slabs         map[int]*slab.Slab
	priorityTable *priority.Table
	openSlab      *slab.Slab
	openEpoch     uint64

	LockPool *pbnlock.Pool
	Scrubber *scrubber.Scrubber
	Summary  *slabsummary.ZoneSummary
	Admin    *adminstate.State

	metadata MetadataStore

	vio         *semaphore.Weighted
	vioPoolSize int64

	Stats Statistics
}

// New creates a BlockAllocator for the slabs given, all of which must
// belong to cfg.ZoneNumber. No slab is queued for allocation yet;
// QueueSlab (directly, or through Load's summary walk) admits them.
func New(cfg Config, slabs []*slab.Slab) *BlockAllocator {
	if cfg.Metadata == nil {
		panic("allocator: a metadata store is required")
	}
	maxPriority := 1 + priority.Log2Floor(uint64(cfg.DataBlocks))
	a := &BlockAllocator{
		zoneNumber:    cfg.ZoneNumber,
		zoneCount:     cfg.ZoneCount,
		firstBlock:    cfg.FirstBlock,
		slabBlocks:    cfg.SlabBlocks,
		dataBlocks:    cfg.DataBlocks,
		slabs:         make(map[int]*slab.Slab, len(slabs)),
		priorityTable: priority.NewTable(maxPriority + 1),
		LockPool:      pbnlock.NewPool(),
		Admin:         adminstate.New(adminstate.Normal),
	}
	if cfg.VIOPoolSize > 0 {
		a.vio = semaphore.NewWeighted(cfg.VIOPoolSize)
	}
	a.vioPoolSize = cfg.VIOPoolSize
	a.metadata = cfg.Metadata
	if cfg.Clock == nil {
		cfg.Clock = clock.SystemClock
	}
	a.Scrubber = scrubber.New(cfg.Clock, a.onSlabScrubbed)
	slabNumbers := make([]int, 0, len(slabs))
	for _, s := range slabs {
		a.slabs[s.Number] = s
		slabNumbers = append(slabNumbers, s.Number)
	}
	a.Summary = slabsummary.NewZoneSummary(slabNumbers)
	return a
}

// onSlabScrubbed rewrites a freshly scrubbed slab's ref-counts and
// summary entry, accounts its referenced blocks, and re-admits it for
// allocation. Slabs only reach the scrubber between load and first
// use, so their blocks were never counted before this point.
func (a *BlockAllocator) onSlabScrubbed(slabNumber int) {
	s, ok := a.slabs[slabNumber]
	if !ok {
		return
	}
	a.Stats.AllocatedBlocks.Add(int64(s.DataBlocks() - s.FreeCount()))
	if err := a.checkpointSlab(s); err != nil {
		// The slab is consistent in memory and stays usable; the
		// error surfaces on the next admin operation.
		a.Admin.RecordError(err)
		a.QueueSlab(slabNumber)
		return
	}
	a.QueueSlab(slabNumber)
}

func (a *BlockAllocator) updateSummary(s *slab.Slab, isClean bool) {
	hint := slabsummary.FreeBlockHint(uint64(s.FreeCount()), uint64(s.DataBlocks()))
	a.Summary.Update(s.Number, s.Journal.TailBlockOffset(), isClean, true, hint)
}

// withVIO runs one metadata I/O under the zone's bounded VIO pool.
func (a *BlockAllocator) withVIO(op func() error) error {
	if err := a.AcquireVIO(context.Background()); err != nil {
		return err
	}
	defer a.ReleaseVIO()
	return op()
}

// checkpointSlab folds every journalled mutation into the persisted
// ref-counts: the buffered tail is committed in memory, the sanitized
// counter image is written out, and the on-disk journal region is
// erased so that recovery never replays an entry the counters already
// reflect. The summary entry is marked clean afterwards.
func (a *BlockAllocator) checkpointSlab(s *slab.Slab) error {
	if s.Journal.BeginTailWrite() {
		s.Journal.FlushTail()
		s.Journal.EndTailWrite()
	}
	if err := a.withVIO(func() error {
		return a.metadata.WriteRefCounts(s.Number, s.RefCounts.PersistentBytes())
	}); err != nil {
		return err
	}
	if err := a.withVIO(func() error {
		return a.metadata.EraseJournal(s.Number)
	}); err != nil {
		return err
	}
	s.Journal.ResetCommittedBlocks()
	a.updateSummary(s, true)
	return nil
}

// flushTail commits the slab journal's buffered entries: the encoded
// tail block is written to its circular slot, then the in-memory tail
// advances. When the circular journal is about to overwrite its
// oldest block, everything committed so far is checkpointed into the
// ref-counts first.
func (a *BlockAllocator) flushTail(s *slab.Slab) error {
	if s.Journal.CommittedBlocks() >= s.Journal.Capacity() {
		return a.checkpointSlab(s)
	}
	if !s.Journal.BeginTailWrite() {
		return nil
	}
	defer s.Journal.EndTailWrite()
	slot := int(s.Journal.TailBlockOffset())
	if err := a.withVIO(func() error {
		return a.metadata.WriteJournalBlock(s.Number, slot, s.Journal.EncodeTail())
	}); err != nil {
		return err
	}
	s.Journal.FlushTail()
	a.updateSummary(s, false)
	return nil
}

// QueueSlab re-admits a slab for allocation by enqueueing it into the
// priority table at its current priority. Used both at load time for
// clean slabs and by the scrubber once a dirty slab has been
// recovered. A slab with no free blocks has priority 0 and is not
// enqueued at all: it is not selectable for allocation.
func (a *BlockAllocator) QueueSlab(slabNumber int) {
	s, ok := a.slabs[slabNumber]
	if !ok || s == a.openSlab {
		return
	}
	s.SetState(slab.Clean)
	unopened := slab.UnopenedPriority(s.DataBlocks())
	p := s.Priority(unopened)
	a.priorityTable.Remove(s.PriorityEntry())
	if p > 0 {
		a.priorityTable.Enqueue(s.PriorityEntry(), p)
	}
}

// pbnToSlab maps a physical block number to the slab and in-slab data
// index it names, if that slab belongs to this zone. The second
// return value is the data-block index suitable for RefCounts.Get.
func (a *BlockAllocator) pbnToSlab(pbn physical.BlockNumber) (*slab.Slab, int, bool) {
	if pbn < a.firstBlock {
		return nil, 0, false
	}
	offset := uint64(pbn - a.firstBlock)
	slabNumber := int(offset / a.slabBlocks)
	withinSlab := offset % a.slabBlocks
	if int(withinSlab) >= a.dataBlocks {
		return nil, 0, false
	}
	s, ok := a.slabs[slabNumber]
	if !ok {
		return nil, 0, false
	}
	return s, int(withinSlab), true
}

func (a *BlockAllocator) openNextSlab() bool {
	entry := a.priorityTable.Dequeue()
	if entry == nil {
		return false
	}
	s := a.slabs[entry.Value()]
	a.openEpoch++
	s.OpenEpoch = a.openEpoch
	s.SetState(slab.Open)
	a.openSlab = s
	return true
}

// AllocateBlock implements the allocation path: reserve the next free
// counter in the open slab, opening a new one (in priority order) up
// to twice if the first attempt is exhausted. Returns NoSpace once
// both the open slab and the priority table have nothing left to
// offer; the caller (typically the depot's zone walk) is expected to
// retry in the next zone.
func (a *BlockAllocator) AllocateBlock(lockType pbnlock.LockType) (physical.BlockNumber, *pbnlock.Lock, error) {
	switch code := a.Admin.Code(); {
	case code == adminstate.ReadOnly:
		metrics.allocations.WithLabelValues("read_only").Inc()
		return 0, nil, vdoerrors.ReadOnly("zone %d cannot allocate", a.zoneNumber)
	case code.IsQuiescent():
		metrics.allocations.WithLabelValues("quiescent").Inc()
		return 0, nil, vdoerrors.Quiescent("zone %d admin state is %s", a.zoneNumber, code)
	}
	for attempt := 0; attempt < 2; attempt++ {
		if a.openSlab == nil && !a.openNextSlab() {
			metrics.allocations.WithLabelValues("no_space").Inc()
			return 0, nil, vdoerrors.NoSpace("zone %d has no slabs left to open", a.zoneNumber)
		}
		index, err := a.openSlab.RefCounts.ReserveFree()
		if err == nil {
			pbn := a.openSlab.Origin + physical.BlockNumber(index)
			lock, lerr := a.LockPool.AttemptAcquire(pbn, lockType, true)
			if lerr != nil {
				metrics.allocations.WithLabelValues("lock_error").Inc()
				return 0, nil, lerr
			}
			lock.AssignProvisional()
			a.Stats.AllocatedBlocks.Add(1)
			metrics.allocations.WithLabelValues("success").Inc()
			return pbn, lock, nil
		}
		if !vdoerrors.IsNoSpace(err) {
			return 0, nil, err
		}
		// The open slab is exhausted. Its priority is now 0, so it
		// leaves the table entirely until a decrement frees a block.
		a.openSlab.SetState(slab.Dirty)
		a.openSlab = nil
	}
	metrics.allocations.WithLabelValues("no_space").Inc()
	return 0, nil, vdoerrors.NoSpace("zone %d is exhausted", a.zoneNumber)
}

// ReleaseAllocationLock drops one holder from lock. If the lock's last
// holder is released while it still carries a provisional reference
// (i.e. the allocation was never confirmed), the reservation is rolled
// back: the counter returns to Free and the allocated-block count is
// restored.
func (a *BlockAllocator) ReleaseAllocationLock(lock *pbnlock.Lock) error {
	rollback := a.LockPool.Release(lock)
	if !rollback {
		return nil
	}
	s, index, ok := a.pbnToSlab(lock.PBN())
	if !ok {
		return vdoerrors.Corrupt("pbn %d released but does not map to a slab in zone %d", lock.PBN(), a.zoneNumber)
	}
	// The reservation was never journalled, so rolling it back is a
	// pure in-memory operation.
	if err := s.RefCounts.Modify(index, refcounts.Decrement); err != nil {
		return err
	}
	a.Stats.AllocatedBlocks.Add(-1)
	metrics.rollbacks.Inc()
	a.requeueIfClosed(s)
	return nil
}

// ReleaseBlockReference drops one real reference from pbn, appending
// the decrement to the slab journal first. The zero block is never
// freed, so pbn == 0 is a no-op. If the slab journal is full, the
// release is parked: retry is invoked once the tail is next flushed
// and ReleaseBlockReference returns (false, nil).
func (a *BlockAllocator) ReleaseBlockReference(pbn physical.BlockNumber, recoveryBlock uint64, retry func()) (bool, error) {
	if pbn.IsZeroBlock() {
		return true, nil
	}
	if a.Admin.Code() == adminstate.ReadOnly {
		return false, vdoerrors.ReadOnly("zone %d cannot release pbn %d", a.zoneNumber, pbn)
	}
	s, index, ok := a.pbnToSlab(pbn)
	if !ok {
		return false, vdoerrors.Corrupt("pbn %d released but does not map to a slab in zone %d", pbn, a.zoneNumber)
	}
	if _, full := s.Journal.Append(refcounts.Decrement, pbn, recoveryBlock); full {
		s.Journal.EnqueueWaiter(retry)
		return false, nil
	}
	if err := s.RefCounts.Modify(index, refcounts.Decrement); err != nil {
		return false, err
	}
	if s.RefCounts.Get(index) == refcounts.Free {
		a.Stats.AllocatedBlocks.Add(-1)
		a.requeueIfClosed(s)
	}
	if s.Journal.NeedsFlush() {
		if err := a.flushTail(s); err != nil {
			return true, err
		}
	}
	return true, nil
}

// ConfirmReference commits a provisional reservation into a real
// reference once the write it backs has landed, appending the
// corresponding slab-journal entry. If the target slab journal is
// full, the confirmation is parked: retry is enqueued as a waiter and
// invoked once the journal's tail is next flushed; ConfirmReference
// returns (false, nil) in that case and the caller must call it again
// from within retry.
func (a *BlockAllocator) ConfirmReference(lock *pbnlock.Lock, recoveryBlock uint64, retry func()) (bool, error) {
	if a.Admin.Code() == adminstate.ReadOnly {
		return false, vdoerrors.ReadOnly("zone %d cannot confirm pbn %d", a.zoneNumber, lock.PBN())
	}
	if !lock.HasProvisionalReference() {
		return true, nil
	}
	s, index, ok := a.pbnToSlab(lock.PBN())
	if !ok {
		return false, vdoerrors.Corrupt("pbn %d confirmed but does not map to a slab in zone %d", lock.PBN(), a.zoneNumber)
	}
	_, full := s.Journal.Append(refcounts.Increment, lock.PBN(), recoveryBlock)
	if full {
		s.Journal.EnqueueWaiter(retry)
		metrics.parked.Inc()
		return false, nil
	}
	if err := s.RefCounts.Modify(index, refcounts.Increment); err != nil {
		return false, err
	}
	lock.ClearProvisional()
	metrics.confirms.Inc()
	if s.Journal.NeedsFlush() {
		// The reference is committed in memory either way; a tail
		// write failure is reported to the caller for read-only
		// escalation.
		if err := a.flushTail(s); err != nil {
			return true, err
		}
	}
	return true, nil
}

// requeueIfClosed re-admits s to the priority table if it currently
// holds no entry there (i.e. it was the open slab, or it had been
// dropped at priority 0), reflecting its now-higher free count.
func (a *BlockAllocator) requeueIfClosed(s *slab.Slab) {
	if s == a.openSlab {
		return
	}
	unopened := slab.UnopenedPriority(s.DataBlocks())
	newPriority := s.Priority(unopened)
	a.priorityTable.Remove(s.PriorityEntry())
	if newPriority > 0 {
		a.priorityTable.Enqueue(s.PriorityEntry(), newPriority)
	}
}

// PrepareToAllocate reports whether the zone is ready to serve
// allocation requests: every high-priority (blocking) scrub target
// must have been drained first.
func (a *BlockAllocator) PrepareToAllocate() bool {
	return a.Scrubber.HighPriorityLen() == 0
}

// EnqueueWaitingForClean parks a caller that walked every zone without
// finding space. It is woken on the next successful scrub; the caller
// must re-attempt allocation and re-park if still unsuccessful, per
// the scrubber's best-effort wake contract.
func (a *BlockAllocator) EnqueueWaitingForClean(w func()) {
	a.Scrubber.EnqueueWaiter(w)
}

// ScrubOneSlab advances the scrubber by one slab, if any are queued.
func (a *BlockAllocator) ScrubOneSlab() (bool, error) {
	return a.Scrubber.ScrubNext()
}

// AcquireVIO blocks until a metadata I/O slot is available in this
// zone's bounded VIO pool. Returns immediately if the allocator was
// constructed with an unbounded (zero-sized) pool.
func (a *BlockAllocator) AcquireVIO(ctx context.Context) error {
	if a.vio == nil {
		return nil
	}
	return a.vio.Acquire(ctx, 1)
}

// ReleaseVIO returns a slot acquired via AcquireVIO.
func (a *BlockAllocator) ReleaseVIO() {
	if a.vio != nil {
		a.vio.Release(1)
	}
}

// VIOIdle reports whether every slot in the VIO pool is currently
// free, used by Drain to assert there is no outstanding metadata I/O
// before the summary is allowed to flush.
func (a *BlockAllocator) VIOIdle(capacity int64) bool {
	if a.vio == nil {
		return true
	}
	if !a.vio.TryAcquire(capacity) {
		return false
	}
	a.vio.Release(capacity)
	return true
}

// Load transitions the zone into its loading state and sorts every
// slab by its recorded summary status: clean slabs go straight back
// onto the priority table, dirty slabs are handed to the scrubber.
// recovery selects the loading-for-recovery admin code, used when the
// depot is coming up after an unclean shutdown.
func (a *BlockAllocator) Load(recovery bool) error {
	target := adminstate.Loading
	if recovery {
		target = adminstate.LoadingForRecovery
	}
	if err := a.Admin.Transition(target); err != nil {
		return err
	}
	if err := a.readSummary(); err != nil {
		a.Admin.RecordError(err)
	}
	for _, status := range a.Summary.ReadAllStatuses() {
		s, ok := a.slabs[status.SlabNumber]
		if !ok {
			continue
		}
		if status.IsClean {
			// A clean slab's on-disk ref-counts are complete;
			// no journal replay is needed.
			if status.LoadRefCounts {
				if err := a.loadRefCounts(s); err != nil {
					a.Admin.RecordError(err)
					continue
				}
			}
			a.Stats.AllocatedBlocks.Add(int64(s.DataBlocks() - s.FreeCount()))
			a.QueueSlab(status.SlabNumber)
			continue
		}
		s.SetState(slab.Unrecovered)
		if err := a.loadDirtySlab(s); err != nil {
			a.Admin.RecordError(err)
			continue
		}
		st := scrubber.Target{
			SlabNumber: status.SlabNumber,
			Origin:     s.Origin,
			RefCounts:  s.RefCounts,
			Journal:    s.Journal,
		}
		// After an unclean shutdown every dirty slab blocks
		// allocation until replayed; an ordinary load can scrub
		// lazily in the background.
		if recovery {
			a.Scrubber.EnqueueHighPriority(st)
		} else {
			a.Scrubber.EnqueueNormal(st)
		}
	}
	if err := a.Admin.Transition(adminstate.Normal); err != nil {
		a.Admin.RecordError(err)
	}
	return a.Admin.TakeError()
}

// readSummary reads this zone's summary block back from the metadata
// device and installs the entries, in slab-number order, without
// marking them dirty.
func (a *BlockAllocator) readSummary() error {
	statuses := a.Summary.ReadAllStatuses()
	var entries []slabsummary.Entry
	if err := a.withVIO(func() error {
		var err error
		entries, err = a.metadata.ReadZoneSummary(a.zoneNumber, len(statuses))
		return err
	}); err != nil {
		return err
	}
	for i, status := range statuses {
		a.Summary.Load(status.SlabNumber, entries[i])
	}
	return nil
}

// loadRefCounts replaces a slab's in-memory counters with the image
// persisted on the metadata device.
func (a *BlockAllocator) loadRefCounts(s *slab.Slab) error {
	var data []byte
	if err := a.withVIO(func() error {
		var err error
		data, err = a.metadata.ReadRefCounts(s.Number)
		return err
	}); err != nil {
		return err
	}
	s.RefCounts = refcounts.NewFromBytes(data)
	return nil
}

// loadDirtySlab prepares a dirty slab for scrubbing: the last
// checkpointed ref-counts are read back (a never-written region reads
// as all free), and every journal block written since that checkpoint
// is decoded and reloaded so the scrubber can replay it. A block that
// fails validation is treated as a torn final write and ignored;
// everything before it was checksummed and complete.
func (a *BlockAllocator) loadDirtySlab(s *slab.Slab) error {
	if err := a.loadRefCounts(s); err != nil {
		return err
	}
	var raw [][]byte
	if err := a.withVIO(func() error {
		var err error
		raw, err = a.metadata.ReadJournalBlocks(s.Number)
		return err
	}); err != nil {
		return err
	}
	type decodedBlock struct {
		head, tail uint64
		entries    []slabjournal.Entry
	}
	var blocks []decodedBlock
	for _, data := range raw {
		_, tail, head, entries, err := slabjournal.DecodeBlock(data)
		if err != nil {
			continue
		}
		blocks = append(blocks, decodedBlock{head: head, tail: tail, entries: entries})
	}
	if len(blocks) == 0 {
		return nil
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].head < blocks[j].head })
	var entries []slabjournal.Entry
	for _, b := range blocks {
		entries = append(entries, b.entries...)
	}
	s.Journal.LoadEntries(blocks[0].head, blocks[len(blocks)-1].tail, entries)
	return nil
}

// LoadRebuild loads the zone for a rebuild: every slab journal is
// erased (the block map, not the journals, is the source of truth for
// a rebuild) and every slab is routed through the scrubber so it is
// re-admitted with whatever ref-counts the rebuild has produced.
func (a *BlockAllocator) LoadRebuild() error {
	if err := a.Admin.Transition(adminstate.LoadingForRebuild); err != nil {
		return err
	}
	for _, s := range a.slabs {
		s.Journal.Erase()
		if err := a.withVIO(func() error {
			return a.metadata.EraseJournal(s.Number)
		}); err != nil {
			a.Admin.RecordError(err)
		}
	}
	if err := a.Admin.Transition(adminstate.Rebuilding); err != nil {
		return err
	}
	for _, status := range a.Summary.ReadAllStatuses() {
		s, ok := a.slabs[status.SlabNumber]
		if !ok {
			continue
		}
		s.SetState(slab.Unrecovered)
		a.Scrubber.EnqueueNormal(scrubber.Target{
			SlabNumber: status.SlabNumber,
			Origin:     s.Origin,
			RefCounts:  s.RefCounts,
			Journal:    s.Journal,
		})
	}
	if err := a.Admin.Transition(adminstate.Normal); err != nil {
		a.Admin.RecordError(err)
	}
	return a.Admin.TakeError()
}

// Drain quiesces the zone in scrubber, slabs, summary order: no new
// allocation requests are accepted once Suspending is entered, every
// slab with a dirty tail flushes it, and the summary's pending writes
// are flushed last. Errors at any step are recorded on the admin
// state rather than aborting the remaining steps, so drain always
// reaches Suspended.
func (a *BlockAllocator) Drain() error {
	if a.Admin.Code() == adminstate.ReadOnly {
		// A read-only zone is already quiescent; there is nothing
		// trustworthy left to flush.
		return nil
	}
	if err := a.Admin.Transition(adminstate.Suspending); err != nil {
		return err
	}
	// Scrubber first: nothing further is dequeued once suspended; any
	// slab still queued for scrubbing is picked up again on the next
	// load.
	a.Scrubber.Suspend()
	a.flushSlabs()
	if !a.VIOIdle(a.vioPoolSize) {
		panic("allocator: drain reached the summary step with metadata I/O still outstanding")
	}
	if err := a.persistSummary(); err != nil {
		a.Admin.RecordError(err)
	}
	if err := a.Admin.Transition(adminstate.Suspended); err != nil {
		a.Admin.RecordError(err)
	}
	return a.Admin.TakeError()
}

// flushSlabs checkpoints every slab whose journal has ever been
// written: its counters land on the metadata device and its journal
// region is erased.
func (a *BlockAllocator) flushSlabs() {
	for _, s := range a.slabs {
		if s.Journal.IsBlank() {
			continue
		}
		if err := a.checkpointSlab(s); err != nil {
			a.Admin.RecordError(err)
		}
	}
}

// persistSummary writes this zone's summary block through to the
// metadata device if any entry is dirty.
func (a *BlockAllocator) persistSummary() error {
	return a.Summary.Drain(func(map[int]slabsummary.Entry) error {
		statuses := a.Summary.ReadAllStatuses()
		entries := make([]slabsummary.Entry, len(statuses))
		for i, status := range statuses {
			entries[i] = status.Entry
		}
		return a.withVIO(func() error {
			return a.metadata.WriteZoneSummary(a.zoneNumber, entries)
		})
	})
}

// Save persists the zone's state while it keeps serving: journals are
// checkpointed, then the summary is written out through the flushing
// phase.
func (a *BlockAllocator) Save() error {
	if err := a.Admin.Transition(adminstate.Saving); err != nil {
		return err
	}
	a.flushSlabs()
	if err := a.Admin.Transition(adminstate.Flushing); err != nil {
		a.Admin.RecordError(err)
	}
	if err := a.persistSummary(); err != nil {
		a.Admin.RecordError(err)
	}
	if err := a.Admin.Transition(adminstate.Normal); err != nil {
		a.Admin.RecordError(err)
	}
	return a.Admin.TakeError()
}

// Flush writes out dirty state without the full save sequence.
func (a *BlockAllocator) Flush() error {
	if err := a.Admin.Transition(adminstate.Flushing); err != nil {
		return err
	}
	a.flushSlabs()
	if err := a.persistSummary(); err != nil {
		a.Admin.RecordError(err)
	}
	if err := a.Admin.Transition(adminstate.Normal); err != nil {
		a.Admin.RecordError(err)
	}
	return a.Admin.TakeError()
}

// Resume reverses Drain: summary, slabs, scrubber, finish.
func (a *BlockAllocator) Resume() error {
	if err := a.Admin.Transition(adminstate.Resuming); err != nil {
		return err
	}
	// Summary and slab state are already in memory; the scrubber
	// picks back up from wherever Drain left its queues.
	a.Scrubber.Resume()
	return a.Admin.Transition(adminstate.Normal)
}

// EnterReadOnly forces the zone into read-only mode and aborts every
// operation parked on a journal or scrub waiter list: each waiter's
// retry runs immediately and observes the read-only state on its next
// attempt.
func (a *BlockAllocator) EnterReadOnly(cause error) {
	if err := a.Admin.Transition(adminstate.ReadOnly); err != nil {
		return
	}
	for _, s := range a.slabs {
		for _, w := range s.Journal.AbortWaiters() {
			w()
		}
	}
	for _, w := range a.Scrubber.AbortWaiters() {
		w()
	}
}

// AddSlabs admits newly grown slabs into the zone, enqueuing each at
// its unopened priority. Used by the depot's UseNewSlabs once a
// prepare-to-grow/use-new-slabs resize has been committed.
func (a *BlockAllocator) AddSlabs(slabs []*slab.Slab) {
	for _, s := range slabs {
		a.slabs[s.Number] = s
		a.Summary.Admit(s.Number)
	}
	for _, s := range slabs {
		a.QueueSlab(s.Number)
	}
}

// CommitOldestSlabJournalTailBlocks writes out the tail block of
// every slab in this zone whose oldest locked recovery-journal entry
// is at or before recoveryBlock, so that those tail-block locks can
// be released. Issued on the journal zone when the recovery journal
// needs to advance past recoveryBlock.
func (a *BlockAllocator) CommitOldestSlabJournalTailBlocks(recoveryBlock uint64) error {
	for _, s := range a.slabs {
		oldest, any := s.Journal.OldestLockedRecoveryBlock()
		if !any || oldest > recoveryBlock {
			continue
		}
		if err := a.flushTail(s); err != nil {
			a.Admin.RecordError(err)
		}
	}
	return a.Admin.TakeError()
}

// ZoneNumber returns the physical zone this allocator owns.
func (a *BlockAllocator) ZoneNumber() int { return a.zoneNumber }

// Slab returns the slab with the given number if it belongs to this
// zone.
func (a *BlockAllocator) Slab(slabNumber int) (*slab.Slab, bool) {
	s, ok := a.slabs[slabNumber]
	return s, ok
}
