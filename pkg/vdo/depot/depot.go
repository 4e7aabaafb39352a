// Package depot implements the slab depot: the top-level owner of the
// complete ordered array of slabs, partitioned into physical zones
// each served by one block allocator. The depot is constructed from
// an on-disk state record, fans administrative actions out to every
// zone via its action manager, and answers PBN-to-slab lookups for
// the rest of the allocator core.
package depot

import (
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/buildbarn/vdo-depot/pkg/util"
	"github.com/buildbarn/vdo-depot/pkg/vdo/adminstate"
	"github.com/buildbarn/vdo-depot/pkg/vdo/allocator"
	"github.com/buildbarn/vdo-depot/pkg/vdo/metadata"
	"github.com/buildbarn/vdo-depot/pkg/vdo/pbnlock"
	"github.com/buildbarn/vdo-depot/pkg/vdo/physical"
	"github.com/buildbarn/vdo-depot/pkg/vdo/refcounts"
	"github.com/buildbarn/vdo-depot/pkg/vdo/selector"
	"github.com/buildbarn/vdo-depot/pkg/vdo/slab"
	"github.com/buildbarn/vdo-depot/pkg/vdo/slabjournal"
	"github.com/buildbarn/vdo-depot/pkg/vdo/vdoerrors"
	"github.com/buildbarn/vdo-depot/pkg/vdo/workqueue"
)

var metricsOnce sync.Once

type depotMetrics struct {
	readOnlyEntries prometheus.Counter
	growsPrepared   prometheus.Counter
	growsCommitted  prometheus.Counter
	growsAbandoned  prometheus.Counter
}

var metrics = func() depotMetrics {
	m := depotMetrics{
		readOnlyEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildbarn", Subsystem: "vdo_depot", Name: "read_only_entries_total",
			Help: "Number of times the depot entered read-only mode",
		}),
		growsPrepared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildbarn", Subsystem: "vdo_depot", Name: "grows_prepared_total",
			Help: "Number of times prepare_to_grow allocated a new slab array",
		}),
		growsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildbarn", Subsystem: "vdo_depot", Name: "grows_committed_total",
			Help: "Number of times use_new_slabs committed a prepared grow",
		}),
		growsAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildbarn", Subsystem: "vdo_depot", Name: "grows_abandoned_total",
			Help: "Number of times a prepared grow was abandoned before use",
		}),
	}
	metricsOnce.Do(func() {
		prometheus.MustRegister(m.readOnlyEntries, m.growsPrepared, m.growsCommitted, m.growsAbandoned)
	})
	return m
}()

// pendingGrow tracks a slab array allocated by PrepareToGrow but not
// yet committed by UseNewSlabs.
type pendingGrow struct {
	state          physical.DepotState
	slabs          []*slab.Slab
	newSlabsByZone map[int][]*slab.Slab
}

// Depot owns the complete ordered array of slabs and partitions them
// across Z physical zones, each served by exactly one BlockAllocator.
// Every exported method that touches a single zone's state is safe to
// call from any goroutine only insofar as it is routed through that
// zone's own ActionManager-scheduled work queue; direct allocator
// access (Allocators[z]) must still only happen from zone z's owning
// goroutine, per the single-owner-per-zone invariant.
type Depot struct {
	state physical.DepotState
	nonce uint64

	Selector   *selector.Selector
	Allocators []*allocator.BlockAllocator
	ReadOnly   *ReadOnlyNotifier
	Admin      *adminstate.State

	slabs   []*slab.Slab
	queues  []*workqueue.Queue
	actions *ActionManager

	pending *pendingGrow
}

// Decode constructs a Depot from its on-disk slab_depot_state_2_0
// representation, allocating zone structures for every slab but not
// yet loading any of them: callers must call Load once construction
// completes. store performs all metadata I/O for the depot's
// summary, ref-counts, and slab journals. newNonce supplies a fresh
// depot incarnation identifier, folded down into the 64-bit nonce
// stamped into every slab journal block header; production callers
// pass uuid.NewRandom.
func Decode(state physical.DepotState, store *metadata.Store, newNonce func() (uuid.UUID, error)) (*Depot, error) {
	zoneCount := int(state.ZoneCount)
	if zoneCount <= 0 {
		return nil, vdoerrors.Corrupt("slab depot state has non-positive zone_count %d", state.ZoneCount)
	}
	if state.FirstBlock.IsZeroBlock() {
		// PBN 0 is the reserved zero block and may never be
		// covered by a slab.
		return nil, vdoerrors.Corrupt("slab depot state covers the reserved zero block")
	}
	id, err := newNonce()
	if err != nil {
		return nil, vdoerrors.IO("generating slab depot nonce: %s", err)
	}

	d := &Depot{
		state:    state,
		nonce:    foldUUID(id),
		Selector: selector.New(zoneCount),
		ReadOnly: NewReadOnlyNotifier(util.DefaultErrorLogger),
		Admin:    adminstate.New(adminstate.Normal),
	}
	slabs, perZone := buildSlabs(state, d.nonce, 0)
	d.slabs = slabs
	d.queues = make([]*workqueue.Queue, zoneCount)
	d.Allocators = make([]*allocator.BlockAllocator, zoneCount)
	for z := 0; z < zoneCount; z++ {
		d.queues[z] = workqueue.New(64)
		d.Allocators[z] = allocator.New(allocator.Config{
			ZoneNumber: z,
			ZoneCount:  zoneCount,
			FirstBlock: state.FirstBlock,
			SlabBlocks: state.SlabConfig.SlabBlocks,
			DataBlocks: int(state.SlabConfig.DataBlocks),
			Metadata:   store,
		}, perZone[z])
	}
	d.actions = NewActionManager(d.queues)
	// Each zone learns about read-only mode on its own thread, so
	// that aborting its parked journal writes never races with the
	// zone's own work.
	for z := 0; z < zoneCount; z++ {
		z := z
		d.ReadOnly.Subscribe(func(cause error) {
			d.queues[z].Enqueue(func() {
				d.Allocators[z].EnterReadOnly(cause)
			})
		})
	}
	d.ReadOnly.Subscribe(func(error) {
		d.Admin.Transition(adminstate.ReadOnly)
	})
	return d, nil
}

// buildSlabs allocates slabCount-startNumber fresh slabs (continuing
// from startNumber, used by both Decode and PrepareToGrow) and
// partitions them across zones by slab_number mod zone_count.
func buildSlabs(state physical.DepotState, nonce uint64, startNumber int) ([]*slab.Slab, map[int][]*slab.Slab) {
	zoneCount := int(state.ZoneCount)
	slabCount := int(state.SlabCount())
	slabs := make([]*slab.Slab, slabCount-startNumber)
	perZone := make(map[int][]*slab.Slab, zoneCount)
	for i := startNumber; i < slabCount; i++ {
		zone := i % zoneCount
		origin := state.FirstBlock + physical.BlockNumber(uint64(i)*state.SlabConfig.SlabBlocks)
		j := slabjournal.New(nonce, state.SlabConfig.SlabJournalBlocks,
			state.SlabConfig.SlabJournalFlushingThreshold,
			state.SlabConfig.SlabJournalBlockingThreshold,
			state.SlabConfig.SlabJournalScrubbingThreshold)
		s := slab.New(i, zone, origin, int(state.SlabConfig.DataBlocks), j)
		slabs[i-startNumber] = s
		perZone[zone] = append(perZone[zone], s)
	}
	return slabs, perZone
}

// foldUUID folds a 16-byte UUID down to a 64-bit nonce by XORing its
// two halves, since the on-disk slab journal block header stores the
// nonce as a plain u64.
func foldUUID(id uuid.UUID) uint64 {
	var lo, hi uint64
	for i := 0; i < 8; i++ {
		lo |= uint64(id[i]) << (8 * uint(i))
		hi |= uint64(id[i+8]) << (8 * uint(i))
	}
	return lo ^ hi
}

// Record returns the depot's current on-disk state, suitable for
// encoding into the super-block.
func (d *Depot) Record() physical.DepotState {
	return d.state
}

// Nonce returns the depot's incarnation nonce, stamped into every
// slab journal block header written during this incarnation.
func (d *Depot) Nonce() uint64 {
	return d.nonce
}

// QueueSlab re-admits a slab for allocation, routing it to the
// allocator owning its zone.
func (d *Depot) QueueSlab(slabNumber int) {
	if slabNumber < 0 || slabNumber >= len(d.slabs) {
		return
	}
	s := d.slabs[slabNumber]
	d.Allocators[s.Zone].QueueSlab(slabNumber)
}

// GetSlab returns the slab containing pbn. It returns (nil, false)
// for the reserved zero block. A pbn that is out of range, or that
// falls within a slab's metadata region rather than its data blocks,
// is corruption: GetSlab forces the depot into read-only mode before
// returning (nil, false).
func (d *Depot) GetSlab(pbn physical.BlockNumber) (*slab.Slab, bool) {
	if pbn.IsZeroBlock() {
		return nil, false
	}
	if pbn < d.state.FirstBlock || pbn >= d.state.LastBlock {
		d.corrupt(pbn)
		return nil, false
	}
	offset := uint64(pbn - d.state.FirstBlock)
	slabNumber := int(offset / d.state.SlabConfig.SlabBlocks)
	within := offset % d.state.SlabConfig.SlabBlocks
	if slabNumber < 0 || slabNumber >= len(d.slabs) || within >= d.state.SlabConfig.DataBlocks {
		d.corrupt(pbn)
		return nil, false
	}
	return d.slabs[slabNumber], true
}

func (d *Depot) corrupt(pbn physical.BlockNumber) {
	metrics.readOnlyEntries.Inc()
	d.ReadOnly.EnterReadOnly(vdoerrors.Corrupt("pbn %d does not map to any data block owned by this depot", pbn))
}

// IsDataBlock reports whether pbn names a data block belonging to some
// slab (as opposed to the zero block, a metadata block, or an
// out-of-range address).
func (d *Depot) IsDataBlock(pbn physical.BlockNumber) bool {
	_, ok := d.GetSlab(pbn)
	return ok
}

// IncrementLimit returns the number of further increments pbn's
// reference counter can absorb before saturating, or 0 for the zero
// block, an out-of-range pbn, or a counter that is already saturated
// or provisional.
func (d *Depot) IncrementLimit(pbn physical.BlockNumber) int {
	if pbn.IsZeroBlock() {
		return 0
	}
	s, ok := d.GetSlab(pbn)
	if !ok {
		return 0
	}
	within := int(uint64(pbn-d.state.FirstBlock) % d.state.SlabConfig.SlabBlocks)
	current := s.RefCounts.Get(within)
	if current == refcounts.Provisional || current == refcounts.Saturated {
		return 0
	}
	return int(refcounts.Saturated) - int(current)
}

// AllocatedBlocks sums every zone's allocated-block counter via a
// relaxed load. Callers see an eventually-consistent
// total under concurrent mutation.
func (d *Depot) AllocatedBlocks() int64 {
	var total int64
	for _, a := range d.Allocators {
		total += a.Stats.AllocatedBlocks.Load()
	}
	return total
}

// Allocate implements the cross-zone write-allocation walk:
// beginning at startingZone, it tries AllocateBlock in each zone in
// turn, wrapping around. If every zone reports NoSpace, the write
// parks (via retry) on the last zone visited's "waiting for clean
// slab" list and Allocate itself returns NoSpace; the caller is
// expected to re-attempt Allocate once retry fires, per the
// scrubber's best-effort wake contract: a second full round may still
// find nothing, in which case the waiter must re-park or give up.
func (d *Depot) Allocate(startingZone int, lockType pbnlock.LockType, retry func()) (physical.BlockNumber, *pbnlock.Lock, int, error) {
	zoneCount := len(d.Allocators)
	for i := 0; i < zoneCount; i++ {
		zone := (startingZone + i) % zoneCount
		pbn, lock, err := d.Allocators[zone].AllocateBlock(lockType)
		if err == nil {
			return pbn, lock, zone, nil
		}
		if !vdoerrors.IsNoSpace(err) {
			return 0, nil, 0, err
		}
	}
	if retry != nil {
		lastZone := (startingZone + zoneCount - 1) % zoneCount
		d.Allocators[lastZone].EnqueueWaitingForClean(retry)
	}
	return 0, nil, 0, vdoerrors.NoSpace("depot has no free blocks in any zone, parked for scrub")
}

// VIO is the write I/O object handed in by the device-mapper ingress.
// The allocator core only consumes its zone-selection inputs.
type VIO struct {
	LogicalZone int
	Epoch       uint64
}

// AllocateAsync is the non-blocking operational surface consumed by
// the outer device-mapper layer: the vio is bounced across zone
// threads starting at the selector-supplied zone, and callback fires
// on the thread of the zone that satisfied (or finally failed) the
// request with (pbn, provisional_lock, zone) or an error. When every
// zone reports NoSpace, the vio parks until a slab is scrubbed and
// then makes one more full round before NoSpace is surfaced, a
// best-effort wake rather than a liveness guarantee.
func (d *Depot) AllocateAsync(vio *VIO, lockType pbnlock.LockType, callback func(physical.BlockNumber, *pbnlock.Lock, int, error)) {
	start := d.Selector.StartingZone(vio.LogicalZone, vio.Epoch)
	d.allocateInZone(vio, lockType, start, len(d.Allocators), false, callback)
}

func (d *Depot) allocateInZone(vio *VIO, lockType pbnlock.LockType, zone, zonesLeft int, finalRound bool, callback func(physical.BlockNumber, *pbnlock.Lock, int, error)) {
	d.queues[zone].Enqueue(func() {
		pbn, lock, err := d.Allocators[zone].AllocateBlock(lockType)
		switch {
		case err == nil:
			callback(pbn, lock, zone, nil)
		case !vdoerrors.IsNoSpace(err):
			callback(0, nil, zone, err)
		case zonesLeft > 1:
			d.allocateInZone(vio, lockType, d.Selector.NextZone(zone), zonesLeft-1, finalRound, callback)
		case finalRound:
			callback(0, nil, zone, vdoerrors.NoSpace("depot has no free blocks in any zone"))
		default:
			d.Allocators[zone].EnqueueWaitingForClean(func() {
				d.allocateInZone(vio, lockType, d.Selector.NextZone(zone), len(d.Allocators), true, callback)
			})
		}
	})
}

// ReleaseAllocationLock releases lock in the given zone, rolling back
// its provisional reservation if it was never confirmed.
func (d *Depot) ReleaseAllocationLock(zone int, lock *pbnlock.Lock) error {
	return d.Allocators[zone].ReleaseAllocationLock(lock)
}

// ConfirmReference confirms lock's provisional reservation in the
// given zone.
func (d *Depot) ConfirmReference(zone int, lock *pbnlock.Lock, recoveryBlock uint64, retry func()) (bool, error) {
	return d.Allocators[zone].ConfirmReference(lock, recoveryBlock, retry)
}

// PrepareToAllocate reports whether every zone is ready to serve
// allocation requests, i.e. every zone's high-priority scrub queue has
// drained.
func (d *Depot) PrepareToAllocate() bool {
	for _, a := range d.Allocators {
		if !a.PrepareToAllocate() {
			return false
		}
	}
	return true
}

// runAdmin brackets a fanned-out zone action with the depot's own
// admin state: enter is taken before the fan-out, exits are walked in
// order once every zone has finished. A read-only depot skips its own
// transitions (read-only is absorbing) but still runs the action so
// that drain and friends reach a terminal state.
func (d *Depot) runAdmin(enter adminstate.Code, exits []adminstate.Code, run func() *workqueue.Completion[error]) *workqueue.Completion[error] {
	if d.Admin.Code() == adminstate.ReadOnly {
		return run()
	}
	outer := workqueue.NewCompletion[error]()
	if err := d.Admin.Transition(enter); err != nil {
		outer.Complete(err)
		return outer
	}
	inner := run()
	go func() {
		err := inner.Wait()
		for _, code := range exits {
			if terr := d.Admin.Transition(code); terr != nil && err == nil {
				err = terr
			}
		}
		outer.Complete(err)
	}()
	return outer
}

// Load fans the admin load action out to every zone: per-zone phases
// read the summary, enqueue dirty slabs into the scrubber, and queue
// clean slabs for allocation. Once a zone has loaded, its scrubber
// runs in the background on the zone's own thread; PrepareToAllocate
// reports when the blocking (high-priority) backlog has drained.
func (d *Depot) Load(recovery bool) *workqueue.Completion[error] {
	enter := adminstate.Loading
	if recovery {
		enter = adminstate.LoadingForRecovery
	}
	return d.runAdmin(enter, []adminstate.Code{adminstate.Normal}, func() *workqueue.Completion[error] {
		return d.actions.Run(func(zone int) error {
			err := d.Allocators[zone].Load(recovery)
			d.scheduleScrub(zone)
			return err
		})
	})
}

// LoadRebuild fans the rebuild variant of load out to every zone,
// erasing slab journals before slabs are re-admitted.
func (d *Depot) LoadRebuild() *workqueue.Completion[error] {
	exits := []adminstate.Code{adminstate.Rebuilding, adminstate.Normal}
	return d.runAdmin(adminstate.LoadingForRebuild, exits, func() *workqueue.Completion[error] {
		return d.actions.Run(func(zone int) error {
			err := d.Allocators[zone].LoadRebuild()
			d.scheduleScrub(zone)
			return err
		})
	})
}

// scheduleScrub posts a self-rescheduling scrub step onto the zone's
// work queue, so scrubbing interleaves with (rather than blocks) the
// zone's allocation traffic.
func (d *Depot) scheduleScrub(zone int) {
	d.queues[zone].Enqueue(func() {
		scrubbed, err := d.Allocators[zone].ScrubOneSlab()
		if err != nil {
			d.ReadOnly.EnterReadOnly(err)
			return
		}
		if scrubbed {
			d.scheduleScrub(zone)
		}
	})
}

// Drain fans the admin drain action out to every zone in
// scrubber -> slabs -> summary -> finish order.
func (d *Depot) Drain() *workqueue.Completion[error] {
	return d.runAdmin(adminstate.Suspending, []adminstate.Code{adminstate.Suspended}, func() *workqueue.Completion[error] {
		return d.actions.Run(func(zone int) error {
			return d.Allocators[zone].Drain()
		})
	})
}

// Resume fans the admin resume action out to every zone in
// summary -> slabs -> scrubber -> finish order, re-kicking each
// zone's background scrubbing.
func (d *Depot) Resume() *workqueue.Completion[error] {
	return d.runAdmin(adminstate.Resuming, []adminstate.Code{adminstate.Normal}, func() *workqueue.Completion[error] {
		return d.actions.Run(func(zone int) error {
			err := d.Allocators[zone].Resume()
			d.scheduleScrub(zone)
			return err
		})
	})
}

// Save fans a save out to every zone: journals are checkpointed, then
// the summary is written through its flushing phase, all without
// suspending allocation.
func (d *Depot) Save() *workqueue.Completion[error] {
	exits := []adminstate.Code{adminstate.Flushing, adminstate.Normal}
	return d.runAdmin(adminstate.Saving, exits, func() *workqueue.Completion[error] {
		return d.actions.Run(func(zone int) error {
			return d.Allocators[zone].Save()
		})
	})
}

// Flush fans a flush of dirty state out to every zone.
func (d *Depot) Flush() *workqueue.Completion[error] {
	return d.runAdmin(adminstate.Flushing, []adminstate.Code{adminstate.Normal}, func() *workqueue.Completion[error] {
		return d.actions.Run(func(zone int) error {
			return d.Allocators[zone].Flush()
		})
	})
}

// ApplyAdminOperation dispatches one of the string-keyed admin
// operations consumed by the outer device-mapper layer.
func (d *Depot) ApplyAdminOperation(operation string) *workqueue.Completion[error] {
	switch operation {
	case "load-normal":
		return d.Load(false)
	case "load-recovery":
		return d.Load(true)
	case "load-rebuild":
		return d.LoadRebuild()
	case "suspend":
		return d.Drain()
	case "save":
		return d.Save()
	case "flush":
		return d.Flush()
	case "resume":
		return d.Resume()
	default:
		completion := workqueue.NewCompletion[error]()
		completion.Complete(vdoerrors.BadState("unknown admin operation %#v", operation))
		return completion
	}
}

// ReleaseBlockReference drops one reference from pbn on its owning
// zone. The zero block is never freed, so pbn == 0 is a no-op. retry
// is invoked if the release had to park on a full slab journal.
func (d *Depot) ReleaseBlockReference(pbn physical.BlockNumber, recoveryBlock uint64, retry func()) (bool, error) {
	if pbn.IsZeroBlock() {
		return true, nil
	}
	s, ok := d.GetSlab(pbn)
	if !ok {
		return false, vdoerrors.Corrupt("pbn %d does not map to any slab", pbn)
	}
	return d.Allocators[s.Zone].ReleaseBlockReference(pbn, recoveryBlock, retry)
}

// CommitOldestSlabJournalTailBlocks fans out across every zone,
// flushing the tail block of any slab journal still locking the
// recovery journal at or before recoveryBlock, so that the recovery
// journal can advance past it.
func (d *Depot) CommitOldestSlabJournalTailBlocks(recoveryBlock uint64) *workqueue.Completion[error] {
	return d.actions.Run(func(zone int) error {
		return d.Allocators[zone].CommitOldestSlabJournalTailBlocks(recoveryBlock)
	})
}

// PrepareToGrow allocates a new, larger slab array described by
// newState without touching any existing slab or allocator state.
// Only the slab count may grow; slab_blocks and zone_count must be
// unchanged. Call UseNewSlabs to commit the prepared grow, or
// AbandonNewSlabs to discard it.
func (d *Depot) PrepareToGrow(newState physical.DepotState) error {
	if newState.SlabConfig.SlabBlocks != d.state.SlabConfig.SlabBlocks {
		return vdoerrors.BadState("cannot change slab_blocks while growing a depot")
	}
	if newState.ZoneCount != d.state.ZoneCount {
		return vdoerrors.BadState("cannot change zone_count while growing a depot")
	}
	oldSlabCount := len(d.slabs)
	newSlabCount := int(newState.SlabCount())
	if newSlabCount <= oldSlabCount {
		return vdoerrors.BadState("prepare_to_grow requires a larger slab count, have %d want %d", oldSlabCount, newSlabCount)
	}
	newSlabs, perZone := buildSlabs(newState, d.nonce, oldSlabCount)
	d.pending = &pendingGrow{
		state:          newState,
		slabs:          append(append([]*slab.Slab(nil), d.slabs...), newSlabs...),
		newSlabsByZone: perZone,
	}
	metrics.growsPrepared.Inc()
	return nil
}

// UseNewSlabs atomically replaces the slab array on each zone in
// turn, admitting the new slabs prepared by PrepareToGrow, and
// commits the depot's recorded state to the grown size. Pre-existing
// slab states and counters are untouched. Returns an already-complete
// error completion if no grow is pending.
func (d *Depot) UseNewSlabs() *workqueue.Completion[error] {
	if d.pending == nil {
		completion := workqueue.NewCompletion[error]()
		completion.Complete(vdoerrors.BadState("use_new_slabs called with no prepared grow"))
		return completion
	}
	pending := d.pending
	completion := d.actions.Run(func(zone int) error {
		d.Allocators[zone].AddSlabs(pending.newSlabsByZone[zone])
		return nil
	})
	d.slabs = pending.slabs
	d.state = pending.state
	d.pending = nil
	metrics.growsCommitted.Inc()
	return completion
}

// AbandonNewSlabs discards a grow prepared by PrepareToGrow without
// having been committed by UseNewSlabs, restoring the original array
// with no state leak: since UseNewSlabs alone mutates live allocator
// state, simply dropping the pending grow is sufficient.
func (d *Depot) AbandonNewSlabs() {
	if d.pending == nil {
		return
	}
	d.pending = nil
	metrics.growsAbandoned.Inc()
}

// SlabCount returns the number of slabs currently in the depot.
func (d *Depot) SlabCount() int {
	return len(d.slabs)
}

// ZoneCount returns the number of physical zones.
func (d *Depot) ZoneCount() int {
	return len(d.Allocators)
}
