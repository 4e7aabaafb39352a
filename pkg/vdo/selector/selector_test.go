package selector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewClampsNonPositiveZoneCountToOne(t *testing.T) {
	require.Equal(t, 1, New(0).ZoneCount())
	require.Equal(t, 1, New(-3).ZoneCount())
	require.Equal(t, 4, New(4).ZoneCount())
}

func TestStartingZoneIsWithinRange(t *testing.T) {
	s := New(5)
	for logicalZone := 0; logicalZone < 8; logicalZone++ {
		for epoch := uint64(0); epoch < 8; epoch++ {
			zone := s.StartingZone(logicalZone, epoch)
			require.GreaterOrEqual(t, zone, 0)
			require.Less(t, zone, 5)
		}
	}
}

func TestStartingZoneIsDeterministic(t *testing.T) {
	s := New(6)
	first := s.StartingZone(2, 7)
	second := s.StartingZone(2, 7)
	require.Equal(t, first, second)
}

func TestNextZoneWrapsAround(t *testing.T) {
	s := New(3)
	require.Equal(t, 1, s.NextZone(0))
	require.Equal(t, 2, s.NextZone(1))
	require.Equal(t, 0, s.NextZone(2), "round-robin wraps back to zone 0")
}
