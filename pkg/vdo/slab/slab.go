// Package slab implements the Slab type: a contiguous range of data
// blocks plus its ref-counts, journal, and priority-queue membership.
package slab

import (
	"github.com/buildbarn/vdo-depot/pkg/vdo/physical"
	"github.com/buildbarn/vdo-depot/pkg/vdo/priority"
	"github.com/buildbarn/vdo-depot/pkg/vdo/refcounts"
	"github.com/buildbarn/vdo-depot/pkg/vdo/slabjournal"
)

// State is the slab's lifecycle state.
type State int

const (
	Unrecovered State = iota
	Clean
	Open
	Dirty
	Resuming
	Quiescent
)

func (s State) String() string {
	switch s {
	case Unrecovered:
		return "unrecovered"
	case Clean:
		return "clean"
	case Open:
		return "open"
	case Dirty:
		return "dirty"
	case Resuming:
		return "resuming"
	case Quiescent:
		return "quiescent"
	default:
		return "unknown"
	}
}

// Slab is one fixed-size range [origin, origin+slab_size) of data
// blocks, plus its metadata.
type Slab struct {
	Number    int
	Zone      int
	Origin    physical.BlockNumber
	state     State
	OpenEpoch uint64

	RefCounts *refcounts.RefCounts
	Journal   *slabjournal.Journal

	entry *priority.Entry
}

// New creates a slab with blank (never-opened) ref-counts and journal.
func New(number, zone int, origin physical.BlockNumber, dataBlocks int, journal *slabjournal.Journal) *Slab {
	s := &Slab{
		Number:    number,
		Zone:      zone,
		Origin:    origin,
		state:     Unrecovered,
		RefCounts: refcounts.New(dataBlocks),
		Journal:   journal,
	}
	s.entry = priority.NewEntry(number)
	return s
}

// State returns the slab's current lifecycle state.
func (s *Slab) State() State { return s.state }

// SetState transitions the slab to newState. The slab package trusts
// its caller (the allocator's admin-state-gated load/drain/resume
// sequencing) to only request legal transitions; illegal sequencing
// is rejected at the allocator's AdminState layer, not here.
func (s *Slab) SetState(newState State) {
	s.state = newState
}

// PriorityEntry returns the intrusive priority-table entry embedded in
// this slab, used by the owning zone's priority table.
func (s *Slab) PriorityEntry() *priority.Entry { return s.entry }

// FreeCount returns the number of free data blocks in the slab, kept
// up to date by RefCounts.
func (s *Slab) FreeCount() int { return s.RefCounts.FreeCount() }

// DataBlocks returns the number of data blocks tracked by the slab.
func (s *Slab) DataBlocks() int { return s.RefCounts.Len() }

// UnopenedPriority computes the priority assigned to a never-opened
// slab with the given number of data blocks:
//
//	1 + floor(log2(data_blocks*3/4))
func UnopenedPriority(dataBlocks int) int {
	return 1 + priority.Log2Floor(uint64(dataBlocks)*3/4)
}

// Priority computes this slab's current priority for allocation
// selection: zero once exhausted, the never-opened priority while its
// journal has never been written, and otherwise a value derived from
// its remaining free blocks that is nudged above the never-opened
// priority so that partially-used slabs are preferred once they would
// otherwise tie with fresh ones.
func (s *Slab) Priority(unopenedPriority int) int {
	free := s.FreeCount()
	if free == 0 {
		return 0
	}
	if s.Journal.IsBlank() {
		return unopenedPriority
	}
	p := 1 + priority.Log2Floor(uint64(free))
	if p >= unopenedPriority {
		return p + 1
	}
	return p
}
