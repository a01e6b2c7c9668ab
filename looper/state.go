package looper

import (
	"sync/atomic"
)

// LooperState represents the lifecycle of a Looper.
//
//	StatePrepared → StateLooping    [Loop()]
//	StatePrepared → StateQuitting   [Quit() before Loop()]
//	StateLooping  → StateQuitting   [Quit(), QuitSafely()]
//	StateQuitting → StateQuit       [Loop() returns]
//	StateQuit     → (terminal)
type LooperState uint32

const (
	// StatePrepared indicates the looper exists but Loop has not been called.
	StatePrepared LooperState = iota
	// StateLooping indicates Loop is running.
	StateLooping
	// StateQuitting indicates Quit or QuitSafely was called.
	StateQuitting
	// StateQuit indicates Loop has returned, or will return immediately.
	StateQuit
)

// String returns a human-readable representation of the state.
func (s LooperState) String() string {
	switch s {
	case StatePrepared:
		return "Prepared"
	case StateLooping:
		return "Looping"
	case StateQuitting:
		return "Quitting"
	case StateQuit:
		return "Quit"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state holder, transitions are CAS based.
type fastState struct {
	v atomic.Uint32
}

func (s *fastState) Load() LooperState {
	return LooperState(s.v.Load())
}

func (s *fastState) Store(state LooperState) {
	s.v.Store(uint32(state))
}

func (s *fastState) TryTransition(from, to LooperState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// CanAcceptWork returns true if the looper can accept new work.
func (s *fastState) CanAcceptWork() bool {
	state := s.Load()
	return state == StatePrepared || state == StateLooping
}
