// Package pbnlock implements the per-zone PBN-lock pool: a hash map
// keyed by physical block number with a per-entry reference count.
// The provisional reference is a bit on the lock, not a
// separate counter, to avoid a second map lookup on the hot path.
package pbnlock

import (
	"sync"

	"github.com/fxtlabs/primes"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/buildbarn/vdo-depot/pkg/vdo/physical"
	"github.com/buildbarn/vdo-depot/pkg/vdo/vdoerrors"
)

// LockType identifies the kind of holder operating on a PBN.
type LockType int

const (
	// WriteNew is held while writing data into a newly allocated
	// block. It conflicts with every other lock type.
	WriteNew LockType = iota
	// CompressedWrite is held while packing a block's worth of
	// compressed fragments. It conflicts with WriteNew and with
	// other CompressedWrite locks.
	CompressedWrite
	// Read is held while serving a read of existing data. Reads
	// may share a lock with other reads and with BlockMap holders.
	Read
	// BlockMap is held while operating on a block-map page. It may
	// share a lock with Read holders.
	BlockMap
)

// conflictsWith reports whether acquiring `want` conflicts with a lock
// already held at type `held`. Read/Read, Read/BlockMap,
// BlockMap/BlockMap, and CompressedWrite paired with Read or BlockMap
// may share.
func conflictsWith(held, want LockType) bool {
	if held == WriteNew || want == WriteNew {
		return true
	}
	return held == CompressedWrite && want == CompressedWrite
}

// Lock is a per-PBN record held while a write path operates on that
// block.
type Lock struct {
	pbn              physical.BlockNumber
	lockType         LockType
	holderCount      int
	hasProvisionalRef bool
}

// PBN returns the physical block number this lock guards.
func (l *Lock) PBN() physical.BlockNumber { return l.pbn }

// Type returns the lock's current type.
func (l *Lock) Type() LockType { return l.lockType }

// HolderCount returns the number of current holders.
func (l *Lock) HolderCount() int { return l.holderCount }

// HasProvisionalReference reports whether this lock still owns a
// provisional ref-count reservation.
func (l *Lock) HasProvisionalReference() bool { return l.hasProvisionalRef }

const initialBucketCountHint = 61 // a small prime sized for a zone's typical working set of held locks

var metricsOnce sync.Once

type poolMetrics struct {
	acquires  *prometheus.CounterVec
	conflicts prometheus.Counter
	releases  prometheus.Counter
	resizes   prometheus.Counter
}

var metrics = func() poolMetrics {
	m := poolMetrics{
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "vdo_pbnlock",
			Name:      "acquires_total",
			Help:      "Number of attempted PBN lock acquisitions, by outcome",
		}, []string{"outcome"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "vdo_pbnlock",
			Name:      "conflicts_total",
			Help:      "Number of PBN lock acquisitions that found a conflicting holder",
		}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "vdo_pbnlock",
			Name:      "releases_total",
			Help:      "Number of PBN locks released to zero holders",
		}),
		resizes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "vdo_pbnlock",
			Name:      "bucket_resizes_total",
			Help:      "Number of times the PBN lock pool's bucket array was grown to the next prime size",
		}),
	}
	metricsOnce.Do(func() {
		prometheus.MustRegister(m.acquires, m.conflicts, m.releases, m.resizes)
	})
	return m
}()

type bucketEntry struct {
	lock *Lock
	next *bucketEntry
}

// Pool is a zone-local, single-threaded PBN lock pool. It is only safe
// to call from the zone's owning goroutine.
type Pool struct {
	buckets []*bucketEntry
	count   int
}

// NewPool creates an empty PBN lock pool.
func NewPool() *Pool {
	return &Pool{buckets: make([]*bucketEntry, initialBucketCountHint)}
}

func (p *Pool) bucketIndex(pbn physical.BlockNumber) int {
	return int(uint64(pbn) % uint64(len(p.buckets)))
}

func (p *Pool) maybeGrow() {
	if p.count <= len(p.buckets)*2 {
		return
	}
	target := len(p.buckets) * 2
	for !primes.IsPrime(target) {
		target++
	}
	old := p.buckets
	p.buckets = make([]*bucketEntry, target)
	for _, head := range old {
		for e := head; e != nil; {
			next := e.next
			idx := p.bucketIndex(e.lock.pbn)
			e.next = p.buckets[idx]
			p.buckets[idx] = e
			e = next
		}
	}
	metrics.resizes.Inc()
}

func (p *Pool) find(pbn physical.BlockNumber) *Lock {
	for e := p.buckets[p.bucketIndex(pbn)]; e != nil; e = e.next {
		if e.lock.pbn == pbn {
			return e.lock
		}
	}
	return nil
}

func (p *Pool) insert(l *Lock) {
	idx := p.bucketIndex(l.pbn)
	p.buckets[idx] = &bucketEntry{lock: l, next: p.buckets[idx]}
	p.count++
	p.maybeGrow()
}

func (p *Pool) remove(pbn physical.BlockNumber) {
	idx := p.bucketIndex(pbn)
	var prev *bucketEntry
	for e := p.buckets[idx]; e != nil; e = e.next {
		if e.lock.pbn == pbn {
			if prev == nil {
				p.buckets[idx] = e.next
			} else {
				prev.next = e.next
			}
			p.count--
			return
		}
		prev = e
	}
}

// AttemptAcquire returns the existing lock for pbn if it can be shared
// with lockType, allocates a new one if pbn is unheld, or reports a
// conflict. A freshly allocated write-new lock found already held is
// an invariant violation: the caller should treat the returned
// LockError as fatal and enter read-only mode.
func (p *Pool) AttemptAcquire(pbn physical.BlockNumber, lockType LockType, freshlyAllocated bool) (*Lock, error) {
	if existing := p.find(pbn); existing != nil {
		if freshlyAllocated {
			metrics.acquires.WithLabelValues("lock_error").Inc()
			return nil, vdoerrors.LockError("newly-allocated PBN %d is already held", pbn)
		}
		if conflictsWith(existing.lockType, lockType) {
			metrics.conflicts.Inc()
			metrics.acquires.WithLabelValues("conflict").Inc()
			return nil, nil
		}
		existing.holderCount++
		metrics.acquires.WithLabelValues("shared").Inc()
		return existing, nil
	}
	l := &Lock{pbn: pbn, lockType: lockType, holderCount: 1}
	p.insert(l)
	metrics.acquires.WithLabelValues("new").Inc()
	return l, nil
}

// AssignProvisional marks l as holding a provisional ref-count
// reservation. Called once, right after a fresh allocation.
func (l *Lock) AssignProvisional() {
	l.hasProvisionalRef = true
}

// ClearProvisional clears the provisional-reference bit, e.g. once the
// reservation has been committed to a real reference on the slab.
func (l *Lock) ClearProvisional() {
	l.hasProvisionalRef = false
}

// Release drops one holder from the lock. When the holder count
// reaches zero, the lock is removed from the pool's hash map and the
// caller is told whether a provisional
// reference must still be returned to the slab (i.e. decremented from
// Provisional back to Free).
func (p *Pool) Release(l *Lock) (releaseProvisional bool) {
	l.holderCount--
	if l.holderCount < 0 {
		panic("pbnlock: released a lock with no holders")
	}
	if l.holderCount > 0 {
		return false
	}
	releaseProvisional = l.hasProvisionalRef
	l.hasProvisionalRef = false
	p.remove(l.pbn)
	metrics.releases.Inc()
	return releaseProvisional
}

// Len returns the number of distinct PBNs currently locked.
func (p *Pool) Len() int {
	return p.count
}
