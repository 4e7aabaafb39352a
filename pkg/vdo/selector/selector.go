// Package selector implements a stateless per-write zone selection
// helper: it rotates round-robin across Z physical zones, with
// per-logical-zone starting offsets to spread load.
package selector

import (
	"github.com/lazybeaver/xorshift"
)

// Selector picks a starting physical zone for a write and advances
// round-robin across zones on NoSpace retries.
type Selector struct {
	zoneCount int
}

// New creates a Selector for a depot with the given zone count.
func New(zoneCount int) *Selector {
	if zoneCount <= 0 {
		zoneCount = 1
	}
	return &Selector{zoneCount: zoneCount}
}

// StartingZone derives the zone a write from the given logical zone,
// in the given allocation epoch, should try first. Mixing the logical
// zone and epoch through a fast xorshift generator (rather than a
// fixed offset) spreads load across physical zones even when many
// logical zones share the same epoch value, at negligible per-write
// cost.
func (s *Selector) StartingZone(logicalZone int, epoch uint64) int {
	gen := xorshift.NewXorShift128Plus(seedFor(logicalZone, epoch))
	return int(gen.Next() % uint64(s.zoneCount))
}

// NextZone advances round-robin from the current zone: on NoSpace in
// the current zone, the write is re-dispatched to zone (z+1) mod Z.
func (s *Selector) NextZone(current int) int {
	return (current + 1) % s.zoneCount
}

// ZoneCount returns the number of physical zones.
func (s *Selector) ZoneCount() int { return s.zoneCount }

func seedFor(logicalZone int, epoch uint64) uint64 {
	// A non-zero seed is required by xorshift generators; fold the
	// logical zone and epoch together and guarantee non-zero.
	seed := uint64(logicalZone)*0x9e3779b97f4a7c15 ^ epoch
	if seed == 0 {
		seed = 1
	}
	return seed
}
