// Package priority implements a bucketed O(1) priority queue for the
// block allocator's hot allocation path: priorities are small, dense
// non-negative integers, and re-prioritisation happens often enough
// that a binary heap's O(log n) update cost is unacceptable.
//
// The structure is an array of intrusive doubly-linked lists, one per
// priority bucket.
package priority

import "math/bits"

// Entry is the intrusive list node embedded by callers (e.g. a slab)
// so that no separate allocation is needed to place an element in the
// table.
type Entry struct {
	older, newer *Entry
	bucket       int
	inTable      bool
	value        int
}

// Value returns the caller-supplied identifier (e.g. a slab number)
// stored in this entry.
func (e *Entry) Value() int {
	return e.value
}

// Table is a bucketed priority queue. Priorities are small, dense
// non-negative integers. Callers are expected to never enqueue a slab
// with zero free blocks, since such a slab is not selectable for
// allocation in the first place.
type Table struct {
	buckets    []Entry // buckets[p] is the sentinel head of bucket p's ring
	maxEntries int
	size       int
}

// NewTable creates a priority table with buckets [0, maxPriority].
func NewTable(maxPriority int) *Table {
	t := &Table{buckets: make([]Entry, maxPriority+1)}
	for i := range t.buckets {
		t.buckets[i].older = &t.buckets[i]
		t.buckets[i].newer = &t.buckets[i]
		t.buckets[i].bucket = i
	}
	return t
}

// NewEntry allocates a detached entry carrying the given value.
func NewEntry(value int) *Entry {
	return &Entry{value: value}
}

func (t *Table) insert(head, e *Entry) {
	e.older = head.older
	e.newer = head
	e.older.newer = e
	e.newer.older = e
}

func (e *Entry) unlink() {
	e.older.newer = e.newer
	e.newer.older = e.older
	e.older = nil
	e.newer = nil
}

// Enqueue places e into the bucket for the given priority. e must not
// already be in the table.
func (t *Table) Enqueue(e *Entry, priority int) {
	if e.inTable {
		panic("priority.Table: entry is already enqueued")
	}
	head := &t.buckets[priority]
	t.insert(head, e)
	e.bucket = priority
	e.inTable = true
	t.size++
}

// Remove takes e out of the table without returning it. No-op if e is
// not currently enqueued.
func (t *Table) Remove(e *Entry) {
	if !e.inTable {
		return
	}
	e.unlink()
	e.inTable = false
	t.size--
}

// Len reports the number of entries currently queued.
func (t *Table) Len() int {
	return t.size
}

// IsEmpty reports whether the table has nothing queued.
func (t *Table) IsEmpty() bool {
	return t.size == 0
}

// Dequeue removes and returns the highest-priority entry (the one in
// the highest-numbered non-empty bucket), or nil if the table is
// empty.
func (t *Table) Dequeue() *Entry {
	for p := len(t.buckets) - 1; p >= 0; p-- {
		head := &t.buckets[p]
		if head.newer != head {
			e := head.newer
			e.unlink()
			e.inTable = false
			t.size--
			return e
		}
	}
	return nil
}

// Log2Floor returns floor(log2(n)) for n > 0, and 0 for n == 0. It
// backs the slab priority function used to rank partially-full slabs.
func Log2Floor(n uint64) int {
	if n == 0 {
		return 0
	}
	return bits.Len64(n) - 1
}
