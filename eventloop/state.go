// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"sync/atomic"
)

// LoopState represents the current state of the event loop.
//
//	StateAwake (0) → StateRunning (3)         [Run()]
//	StateRunning (3) → StateSleeping (2)      [idle, via CAS]
//	StateSleeping (2) → StateRunning (3)      [wake, via CAS]
//	StateRunning/Sleeping → StateTerminating (4) [Shutdown() or Close()]
//	StateAwake (0) → StateTerminated (1)      [Shutdown() before Run()]
//	StateTerminating (4) → StateTerminated (1) [queue drained]
//
// Use TryTransition (CAS) for the temporary states, Store only for
// StateTerminated.
type LoopState uint64

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = 0
	// StateTerminated indicates the loop has been stopped and is fully shut down.
	StateTerminated LoopState = 1
	// StateSleeping indicates the loop is idle, waiting for tasks or timers.
	StateSleeping LoopState = 2
	// StateRunning indicates the loop is actively processing tasks.
	StateRunning LoopState = 3
	// StateTerminating indicates shutdown has been requested but not completed.
	// Tasks are still accepted, and drained, in this state.
	StateTerminating LoopState = 4
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state machine, padded to avoid false sharing
// between the loop and submitting goroutines.
type fastState struct { // betteralign:ignore
	_ [64]byte      //nolint:unused
	v atomic.Uint64 // LoopState
	_ [56]byte      //nolint:unused
}

func newFastState() *fastState {
	s := &fastState{}
	s.v.Store(uint64(StateAwake))
	return s
}

func (s *fastState) Load() LoopState {
	return LoopState(s.v.Load())
}

func (s *fastState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

func (s *fastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// canAcceptWork reports whether Submit may enqueue, noting that the
// terminating state still accepts work, so in-flight callbacks can drain.
func (s *fastState) canAcceptWork() bool {
	return s.Load() != StateTerminated
}
