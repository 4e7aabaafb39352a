package vdoerrors

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEachKindIsRecognizedOnlyByItsOwnPredicate(t *testing.T) {
	kinds := []struct {
		name  string
		err   error
		is    func(error) bool
		total int
	}{
		{"NoSpace", NoSpace("x"), IsNoSpace, 0},
		{"OutOfMemory", OutOfMemory("x"), IsOutOfMemory, 0},
		{"LockError", LockError("x"), IsLockError, 0},
		{"Corrupt", Corrupt("x"), IsCorrupt, 0},
		{"BadState", BadState("x"), IsBadState, 0},
		{"IO", IO("x"), IsIO, 0},
		{"Quiescent", Quiescent("x"), IsQuiescent, 0},
		{"ReadOnly", ReadOnly("x"), IsReadOnly, 0},
	}
	predicates := []func(error) bool{IsNoSpace, IsOutOfMemory, IsLockError, IsCorrupt, IsBadState, IsIO, IsQuiescent, IsReadOnly}

	for _, k := range kinds {
		matches := 0
		for _, p := range predicates {
			if p(k.err) {
				matches++
			}
		}
		require.Equal(t, 1, matches, "%s must satisfy exactly one Is* predicate", k.name)
		require.True(t, k.is(k.err), "%s must satisfy its own predicate", k.name)
	}
}

func TestOutOfMemoryIsDistinguishableFromNoSpace(t *testing.T) {
	require.True(t, IsNoSpace(NoSpace("x")))
	require.False(t, IsNoSpace(OutOfMemory("x")))
	require.True(t, IsOutOfMemory(OutOfMemory("x")))
	require.False(t, IsOutOfMemory(NoSpace("x")))
}

func TestPredicatesRejectPlainErrors(t *testing.T) {
	require.False(t, IsNoSpace(nil))
	require.False(t, IsCorrupt(nil))
}

func TestFormatArgumentsAreInterpolated(t *testing.T) {
	err := NoSpace("zone %d has no free slabs", 3)
	require.Contains(t, err.Error(), "zone 3 has no free slabs")
}
