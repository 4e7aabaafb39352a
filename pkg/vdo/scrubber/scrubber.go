// Package scrubber implements the per-allocator slab scrubber: a
// background replayer that makes dirty slabs allocatable again
// without blocking the data path.
package scrubber

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/buildbarn/vdo-depot/pkg/clock"
	"github.com/buildbarn/vdo-depot/pkg/util"
	"github.com/buildbarn/vdo-depot/pkg/vdo/physical"
	"github.com/buildbarn/vdo-depot/pkg/vdo/refcounts"
	"github.com/buildbarn/vdo-depot/pkg/vdo/slabjournal"
	"github.com/buildbarn/vdo-depot/pkg/vdo/vdoerrors"
)

// Waiter is parked by EnqueueWaiter until any slab becomes clean.
// This is a best-effort wake: the waiter may find no space on retry
// and re-park.
type Waiter func()

var metricsOnce sync.Once

type scrubberMetrics struct {
	scrubbed      prometheus.Counter
	replayedOps   prometheus.Counter
	readOnlyHits  prometheus.Counter
	wokenWaiters  prometheus.Counter
	scrubDuration prometheus.Histogram
}

var metrics = func() scrubberMetrics {
	m := scrubberMetrics{
		scrubbed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildbarn", Subsystem: "vdo_scrubber", Name: "slabs_scrubbed_total",
			Help: "Number of slabs successfully scrubbed",
		}),
		replayedOps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildbarn", Subsystem: "vdo_scrubber", Name: "replayed_entries_total",
			Help: "Number of slab journal entries replayed while scrubbing",
		}),
		readOnlyHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildbarn", Subsystem: "vdo_scrubber", Name: "read_only_total",
			Help: "Number of times scrubbing a slab found corrupted ref-counts and forced read-only mode",
		}),
		wokenWaiters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildbarn", Subsystem: "vdo_scrubber", Name: "woken_waiters_total",
			Help: "Number of allocation waiters woken after a slab was scrubbed",
		}),
		scrubDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "buildbarn", Subsystem: "vdo_scrubber", Name: "scrub_duration_seconds",
			Help:    "Amount of time spent replaying and re-admitting one slab",
			Buckets: util.DecimalExponentialBuckets(-6, 6, 2),
		}),
	}
	metricsOnce.Do(func() {
		prometheus.MustRegister(m.scrubbed, m.replayedOps, m.readOnlyHits, m.wokenWaiters, m.scrubDuration)
	})
	return m
}()

// Target is the per-slab state the scrubber needs in order to replay
// its journal against its ref-counts, supplied by the allocator.
// Origin translates the absolute PBNs carried by journal entries into
// in-slab counter indices.
type Target struct {
	SlabNumber int
	Origin     physical.BlockNumber
	RefCounts  *refcounts.RefCounts
	Journal    *slabjournal.Journal
}

// Scrubber replays slab journals for slabs that were dirty at load
// time, in priority order, without blocking the allocation data path.
// It is only safe to call from the owning allocator's zone thread.
type Scrubber struct {
	clock clock.Clock

	highPriority []Target
	normal       []Target

	waiters    []Waiter
	generation uint64
	suspended  bool

	// QueueSlab re-admits a scrubbed slab to the zone's
	// allocatable priority table. Set by the allocator at
	// construction time.
	QueueSlab func(slabNumber int)
}

// New creates an empty scrubber.
func New(clock clock.Clock, queueSlab func(slabNumber int)) *Scrubber {
	return &Scrubber{clock: clock, QueueSlab: queueSlab}
}

// EnqueueHighPriority adds a dirty slab to the high-priority queue,
// which is drained before the normal-priority one. The allocator
// queues every dirty slab found by a recovery load here.
func (s *Scrubber) EnqueueHighPriority(t Target) {
	s.highPriority = append(s.highPriority, t)
}

// EnqueueNormal adds a dirty slab discovered during ordinary load to
// the normal-priority queue.
func (s *Scrubber) EnqueueNormal(t Target) {
	s.normal = append(s.normal, t)
}

// HighPriorityLen returns the number of slabs still queued at high
// priority; allocator admin-state transitions gate on this reaching
// zero before declaring the zone ready to allocate.
func (s *Scrubber) HighPriorityLen() int {
	return len(s.highPriority)
}

// Len returns the total number of slabs still queued for scrubbing.
func (s *Scrubber) Len() int {
	return len(s.highPriority) + len(s.normal)
}

// Generation returns a counter bumped every time ScrubNext completes
// successfully. It lets callers detect "at least one slab was
// scrubbed since I last checked" to implement a best-effort liveness
// rule for allocation requests parked behind an empty zone: re-check
// for space once this counter has moved instead of polling blindly.
func (s *Scrubber) Generation() uint64 {
	return s.generation
}

func (s *Scrubber) dequeue() (Target, bool) {
	if len(s.highPriority) > 0 {
		t := s.highPriority[0]
		s.highPriority = s.highPriority[1:]
		return t, true
	}
	if len(s.normal) > 0 {
		t := s.normal[0]
		s.normal = s.normal[1:]
		return t, true
	}
	return Target{}, false
}

// ScrubNext dequeues the next slab (high priority first), replays any
// journal entries not yet reflected in its ref-counts, and re-admits
// it for allocation via QueueSlab. Returns false if nothing was
// queued. Returns vdoerrors.Corrupt (wrapped as ReadOnly by the
// caller) if replay finds the ref-counts inconsistent.
func (s *Scrubber) ScrubNext() (scrubbed bool, err error) {
	if s.suspended {
		return false, nil
	}
	t, ok := s.dequeue()
	if !ok {
		return false, nil
	}
	start := s.clock.Now()
	if err := t.Journal.Replay(func(e slabjournal.Entry) error {
		if e.PBN < t.Origin || int(e.PBN-t.Origin) >= t.RefCounts.Len() {
			return vdoerrors.Corrupt("journal entry pbn %d is outside slab %d", e.PBN, t.SlabNumber)
		}
		metrics.replayedOps.Inc()
		return t.RefCounts.Modify(int(e.PBN-t.Origin), e.Op)
	}); err != nil {
		metrics.readOnlyHits.Inc()
		return false, vdoerrors.Corrupt("slab %d failed to scrub: %s", t.SlabNumber, err)
	}
	t.Journal.FlushTail()
	if s.QueueSlab != nil {
		s.QueueSlab(t.SlabNumber)
	}
	metrics.scrubbed.Inc()
	metrics.scrubDuration.Observe(s.clock.Now().Sub(start).Seconds())
	s.generation++
	s.wakeOne()
	return true, nil
}

// EnqueueWaiter parks an allocating caller until any slab becomes
// clean.
func (s *Scrubber) EnqueueWaiter(w Waiter) {
	s.waiters = append(s.waiters, w)
}

// Suspend stops further scrubbing until Resume; slabs still queued
// stay queued and are picked up again after a resume or on the next
// load.
func (s *Scrubber) Suspend() {
	s.suspended = true
}

// Resume lifts a Suspend.
func (s *Scrubber) Resume() {
	s.suspended = false
}

// AbortWaiters drops every parked allocation waiter and returns them,
// used when the zone is forced read-only.
func (s *Scrubber) AbortWaiters() []Waiter {
	aborted := s.waiters
	s.waiters = nil
	return aborted
}

func (s *Scrubber) wakeOne() {
	if len(s.waiters) == 0 {
		return
	}
	w := s.waiters[0]
	s.waiters = s.waiters[1:]
	metrics.wokenWaiters.Inc()
	w()
}
