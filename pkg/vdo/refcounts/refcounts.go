// Package refcounts implements the per-slab reference-count array: an
// 8-bit counter per data block encoding {free, referenced N times,
// saturated, provisional}.
package refcounts

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/buildbarn/vdo-depot/pkg/vdo/vdoerrors"
)

// Counter values, preserved exactly because existing disks depend on
// them.
const (
	Free        uint8 = 0
	Saturated   uint8 = 254
	Provisional uint8 = 255
)

// Operation identifies a slab-journal mutation kind.
type Operation int

const (
	// Increment increases the reference count of a block by one,
	// or confirms a provisional reservation.
	Increment Operation = iota
	// Decrement decreases the reference count of a block by one,
	// or rolls back a provisional reservation.
	Decrement
	// BlockMapIncrement pins a block map block at Saturated
	// directly. Block-map blocks are never decremented.
	BlockMapIncrement
)

var (
	metricsOnce sync.Once

	reservations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "buildbarn",
		Subsystem: "vdo_refcounts",
		Name:      "reservations_total",
		Help:      "Number of free counters reserved provisionally via ReserveFree",
	})
	modifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildbarn",
		Subsystem: "vdo_refcounts",
		Name:      "modifications_total",
		Help:      "Number of reference count modifications, by operation",
	}, []string{"operation"})
	saturations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "buildbarn",
		Subsystem: "vdo_refcounts",
		Name:      "saturations_total",
		Help:      "Number of times a counter reached the saturated value and stopped tracking further references",
	})
)

func registerMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(reservations)
		prometheus.MustRegister(modifications)
		prometheus.MustRegister(saturations)
	})
}

// RefCounts is the per-slab array of 8-bit reference counters. All
// methods must be called by the slab's owning zone thread; RefCounts
// performs no internal locking.
type RefCounts struct {
	counters  []uint8
	freeCount int
}

// New creates a RefCounts array of the given size, with every counter
// initialized to Free.
func New(dataBlocks int) *RefCounts {
	registerMetrics()
	return &RefCounts{
		counters:  make([]uint8, dataBlocks),
		freeCount: dataBlocks,
	}
}

// NewFromBytes reconstructs a RefCounts array from an on-disk byte
// image, such as would be read during scrubbing or a clean load.
func NewFromBytes(data []byte) *RefCounts {
	registerMetrics()
	rc := &RefCounts{counters: append([]uint8(nil), data...)}
	for _, c := range rc.counters {
		if c == Free {
			rc.freeCount++
		}
	}
	return rc
}

// Bytes returns the in-memory byte image of the counters.
func (rc *RefCounts) Bytes() []byte {
	return append([]byte(nil), rc.counters...)
}

// PersistentBytes returns the on-disk byte image of the counters.
// Provisional reservations are volatile: they exist only as long as a
// PBN lock holds them, so they are persisted as Free. A reservation
// that is later confirmed reaches disk through its journal entry
// instead.
func (rc *RefCounts) PersistentBytes() []byte {
	data := rc.Bytes()
	for i, c := range data {
		if c == Provisional {
			data[i] = Free
		}
	}
	return data
}

// Len returns the number of data blocks tracked.
func (rc *RefCounts) Len() int {
	return len(rc.counters)
}

// FreeCount returns the number of counters currently at Free, kept in
// sync with the counter array rather than recomputed on every call.
func (rc *RefCounts) FreeCount() int {
	return rc.freeCount
}

// Get returns the raw counter value at the given index.
func (rc *RefCounts) Get(index int) uint8 {
	return rc.counters[index]
}

// ReserveFree finds a free counter, stamps it Provisional, and returns
// its index. This is the allocation reservation primitive.
func (rc *RefCounts) ReserveFree() (int, error) {
	if rc.freeCount == 0 {
		return 0, vdoerrors.NoSpace("slab has no free blocks")
	}
	for i, c := range rc.counters {
		if c == Free {
			rc.counters[i] = Provisional
			rc.freeCount--
			reservations.Inc()
			return i, nil
		}
	}
	// freeCount and the scan disagreed; this is an invariant
	// violation rather than ordinary exhaustion.
	return 0, vdoerrors.Corrupt("free_count %d claims free space but none was found", rc.freeCount)
}

// Modify applies a slab-journal mutation to the counter at index. The
// caller is responsible for appending the corresponding slab-journal
// entry before calling Modify, so that the journal entry durably
// precedes the in-memory counter change it describes.
func (rc *RefCounts) Modify(index int, op Operation) error {
	modifications.WithLabelValues(operationLabel(op)).Inc()
	c := rc.counters[index]
	switch op {
	case Increment:
		switch {
		case c == Provisional:
			// Commit: the reservation becomes a real,
			// single reference.
			rc.counters[index] = 1
		case c == Saturated:
			// Saturated counters never change.
		case c >= 1 && c < Saturated-1:
			rc.counters[index] = c + 1
		case c == Saturated-1:
			rc.counters[index] = Saturated
			saturations.Inc()
		case c == Free:
			// A new first reference. In-memory allocations pass
			// through Provisional first, but journal replay
			// applies the same entry against on-disk counters
			// where the reservation was never persisted.
			rc.counters[index] = 1
			rc.freeCount--
		default:
			return vdoerrors.Corrupt("increment of counter %d in invalid state %d", index, c)
		}
	case Decrement:
		switch {
		case c == Provisional:
			// Abort path: the reservation is returned to
			// the slab without ever having been a real
			// reference.
			rc.counters[index] = Free
			rc.freeCount++
		case c == 1:
			rc.counters[index] = Free
			rc.freeCount++
		case c == Saturated:
			return vdoerrors.Corrupt("decrement of saturated (block-map) counter at index %d", index)
		case c > 1 && c < Saturated:
			rc.counters[index] = c - 1
		case c == Free:
			return vdoerrors.Corrupt("decrement of free counter at index %d", index)
		default:
			return vdoerrors.Corrupt("decrement of counter %d in invalid state %d", index, c)
		}
	case BlockMapIncrement:
		if c != Free && c != Provisional {
			return vdoerrors.Corrupt("block-map-increment of already-referenced counter at index %d", index)
		}
		rc.counters[index] = Saturated
		if c == Free {
			rc.freeCount--
		}
		saturations.Inc()
	default:
		return vdoerrors.Corrupt("unknown ref-count operation %d", op)
	}
	return nil
}

func operationLabel(op Operation) string {
	switch op {
	case Increment:
		return "increment"
	case Decrement:
		return "decrement"
	case BlockMapIncrement:
		return "block_map_increment"
	default:
		return "unknown"
	}
}
