package adminstate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildbarn/vdo-depot/pkg/testutil"
	"github.com/buildbarn/vdo-depot/pkg/vdo/vdoerrors"
)

func TestNewStartsAtGivenCode(t *testing.T) {
	s := New(Normal)
	require.Equal(t, Normal, s.Code())
}

func TestLegalTransitionSucceeds(t *testing.T) {
	s := New(Normal)
	require.NoError(t, s.Transition(Loading))
	require.Equal(t, Loading, s.Code())
	require.NoError(t, s.Transition(Normal))
}

func TestIllegalTransitionIsRejectedAndStateUnchanged(t *testing.T) {
	s := New(Normal)
	err := s.Transition(Resuming)
	require.Error(t, err)
	require.True(t, vdoerrors.IsBadState(err))
	require.Equal(t, Normal, s.Code())
}

func TestFullSuspendResumeCycle(t *testing.T) {
	s := New(Normal)
	require.NoError(t, s.Transition(Suspending))
	require.NoError(t, s.Transition(Suspended))
	require.NoError(t, s.Transition(Resuming))
	require.NoError(t, s.Transition(Normal))
}

func TestReadOnlyIsReachableFromAnyState(t *testing.T) {
	for _, start := range []Code{Normal, Loading, Saving, Flushing, Suspending, Suspended, Rebuilding} {
		s := New(start)
		require.NoError(t, s.Transition(ReadOnly))
		require.Equal(t, ReadOnly, s.Code())
	}
}

func TestReadOnlyIsAbsorbing(t *testing.T) {
	s := New(Normal)
	require.NoError(t, s.Transition(ReadOnly))

	require.NoError(t, s.Transition(ReadOnly), "transitioning read-only to read-only is a no-op, not an error")

	err := s.Transition(Normal)
	require.Error(t, err)
	require.True(t, vdoerrors.IsBadState(err))
	require.Equal(t, ReadOnly, s.Code())
}

func TestIsQuiescent(t *testing.T) {
	require.False(t, Normal.IsQuiescent())
	require.False(t, Loading.IsQuiescent())
	require.True(t, Suspending.IsQuiescent())
	require.True(t, Suspended.IsQuiescent())
	require.True(t, ReadOnly.IsQuiescent())
}

func TestRecordErrorLatchesFirstErrorOnly(t *testing.T) {
	s := New(Normal)
	first := vdoerrors.IO("first failure")
	second := vdoerrors.IO("second failure")

	s.RecordError(first)
	s.RecordError(second)
	s.RecordError(nil)

	testutil.RequireEqualStatus(t, first, s.TakeError())
	require.NoError(t, s.TakeError(), "TakeError clears the latch")
}

func TestLoadingForRebuildMustPassThroughRebuilding(t *testing.T) {
	s := New(Normal)
	require.NoError(t, s.Transition(LoadingForRebuild))
	err := s.Transition(Normal)
	require.Error(t, err)
	require.True(t, vdoerrors.IsBadState(err))
	require.NoError(t, s.Transition(Rebuilding))
	require.NoError(t, s.Transition(Normal))
}
