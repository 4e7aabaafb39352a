package slab

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildbarn/vdo-depot/pkg/vdo/refcounts"
	"github.com/buildbarn/vdo-depot/pkg/vdo/slabjournal"
)

func newTestSlab(dataBlocks int) *Slab {
	return New(0, 0, 0, dataBlocks, slabjournal.New(1, 8, 8, 8, 8))
}

func TestNewStartsUnrecoveredWithBlankJournal(t *testing.T) {
	s := newTestSlab(8)
	require.Equal(t, Unrecovered, s.State())
	require.Equal(t, 8, s.DataBlocks())
	require.Equal(t, 8, s.FreeCount())
	require.True(t, s.Journal.IsBlank())
}

func TestSetStateTransitionsAreTrusted(t *testing.T) {
	s := newTestSlab(8)
	s.SetState(Open)
	require.Equal(t, Open, s.State())
	s.SetState(Dirty)
	require.Equal(t, Dirty, s.State())
}

func TestPriorityExhaustedSlabIsZero(t *testing.T) {
	s := newTestSlab(1)
	idx, err := s.RefCounts.ReserveFree()
	require.NoError(t, err)
	require.NoError(t, s.RefCounts.Modify(idx, refcounts.Increment))
	require.Equal(t, 0, s.FreeCount())
	require.Equal(t, 0, s.Priority(UnopenedPriority(1)))
}

func TestPriorityNeverOpenedSlabIsUnopenedPriority(t *testing.T) {
	s := newTestSlab(8)
	unopened := UnopenedPriority(8)
	require.Equal(t, unopened, s.Priority(unopened))
}

func TestPriorityOpenedSlabIsNudgedPastUnopenedOnTie(t *testing.T) {
	s := newTestSlab(8)
	unopened := UnopenedPriority(8)
	_, full := s.Journal.Append(refcounts.Increment, 1, 0)
	require.False(t, full)

	got := s.Priority(unopened)
	require.GreaterOrEqual(t, got, unopened, "an opened slab's priority is never below the unopened priority")
}

func TestPriorityEntryIsStableAcrossCalls(t *testing.T) {
	s := newTestSlab(8)
	require.Same(t, s.PriorityEntry(), s.PriorityEntry())
}

func TestUnopenedPriorityIsMonotonicInDataBlocks(t *testing.T) {
	require.LessOrEqual(t, UnopenedPriority(8), UnopenedPriority(64))
}

func TestStateString(t *testing.T) {
	require.Equal(t, "open", Open.String())
	require.Equal(t, "unknown", State(99).String())
}
