// Package adminstate implements the allocator's administrative state
// machine: a finite enum with a transition table enforced by the
// state object itself, rather than inheritance over "initiator"
// types.
package adminstate

import (
	"sync"

	"github.com/buildbarn/vdo-depot/pkg/vdo/vdoerrors"
)

// Code is one of the allocator's admin state codes.
type Code int

const (
	Normal Code = iota
	Loading
	LoadingForRecovery
	LoadingForRebuild
	Saving
	Flushing
	Rebuilding
	Suspending
	Suspended
	Resuming
	ReadOnly
)

func (c Code) String() string {
	switch c {
	case Normal:
		return "normal"
	case Loading:
		return "loading"
	case LoadingForRecovery:
		return "loading-for-recovery"
	case LoadingForRebuild:
		return "loading-for-rebuild"
	case Saving:
		return "saving"
	case Flushing:
		return "flushing"
	case Rebuilding:
		return "rebuilding"
	case Suspending:
		return "suspending"
	case Suspended:
		return "suspended"
	case Resuming:
		return "resuming"
	case ReadOnly:
		return "read-only"
	default:
		return "unknown"
	}
}

// IsQuiescent reports whether the code refuses new allocation/mutation
// requests.
func (c Code) IsQuiescent() bool {
	return c == Suspending || c == Suspended || c == ReadOnly
}

// legalTransitions enumerates, for each state, the states that may be
// entered directly from it. ReadOnly is reachable (and absorbing)
// from every state and is handled as a special case rather than
// listed in every entry.
var legalTransitions = map[Code]map[Code]bool{
	Normal: {
		Loading: true, LoadingForRecovery: true, LoadingForRebuild: true,
		Saving: true, Flushing: true, Suspending: true,
	},
	Loading:             {Normal: true},
	LoadingForRecovery:  {Normal: true},
	LoadingForRebuild:   {Rebuilding: true},
	Rebuilding:          {Normal: true},
	Saving:              {Flushing: true},
	Flushing:            {Normal: true},
	Suspending:          {Suspended: true},
	Suspended:           {Resuming: true},
	Resuming:            {Normal: true},
	ReadOnly:            {},
}

// State is a mutable admin-state cell. The zero value starts in
// Normal, matching a freshly constructed (not yet loaded) allocator.
type State struct {
	mu   sync.Mutex
	code Code
	// worstError is recorded by RecordError so that drain/resume
	// sequences always reach a terminal state even when a step
	// fails: the allocator records the worst error on its admin
	// state and continues to the next step.
	worstError error
}

// New creates a State starting in the given code (typically Normal).
func New(initial Code) *State {
	return &State{code: initial}
}

// Code returns the current state code.
func (s *State) Code() Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// Transition moves the state to `to`. ReadOnly is always a legal
// target; any other illegal transition returns BadState and leaves
// the state unchanged.
func (s *State) Transition(to Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.code == ReadOnly {
		// Read-only is absorbing.
		if to == ReadOnly {
			return nil
		}
		return vdoerrors.BadState("cannot leave read-only state (attempted %s)", to)
	}
	if to == ReadOnly {
		s.code = ReadOnly
		return nil
	}
	if allowed, ok := legalTransitions[s.code]; !ok || !allowed[to] {
		return vdoerrors.BadState("no transition from %s to %s", s.code, to)
	}
	s.code = to
	return nil
}

// RecordError latches the first (or worst, by simple "first wins")
// error seen during a multi-step admin action, so that the action can
// continue to completion instead of aborting.
func (s *State) RecordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worstError == nil {
		s.worstError = err
	}
}

// TakeError returns the latched error, if any, clearing it.
func (s *State) TakeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.worstError
	s.worstError = nil
	return err
}
