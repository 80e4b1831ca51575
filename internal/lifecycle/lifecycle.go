package lifecycle

import (
	"errors"
	"fmt"
	"sync/atomic"
)

//go:generate go tool stringer -type=State
type State uint32

const (
	// Handle exists but owns no shared objects yet
	StateUninitialized State = iota

	// Shared objects were created by this process (owner)
	StateCreated

	// Shared objects were opened by this process
	StateAttached

	// At least one produce or consume call has been made
	StateRunning

	// Shutdown requested: new calls are rejected, in-flight calls are leaving
	StateShuttingDown

	// Handles are closed; owned objects are unlinked
	StateTerminated
)

var ErrInvalidTransition = errors.New("lifecycle: invalid state transition")

// edges lists the states reachable from each state.
var edges = [...][]State{
	StateUninitialized: {StateCreated, StateAttached, StateShuttingDown},
	StateCreated:       {StateRunning, StateShuttingDown},
	StateAttached:      {StateRunning, StateShuttingDown},
	StateRunning:       {StateRunning, StateShuttingDown},
	StateShuttingDown:  {StateTerminated},
	StateTerminated:    {},
}

// Allowed reports whether a process may move from one state to another.
func Allowed(from, to State) bool {
	if int(from) >= len(edges) {
		return false
	}
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine tracks the state of one process-local buffer handle.
// It is safe for concurrent use.
type Machine struct {
	state atomic.Uint32
}

// Load returns the current state.
func (m *Machine) Load() State {
	return State(m.state.Load())
}

// Transition moves the machine to the given state if the edge is allowed.
func (m *Machine) Transition(to State) error {
	for {
		from := m.Load()
		if !Allowed(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		if m.state.CompareAndSwap(uint32(from), uint32(to)) {
			return nil
		}
	}
}

// Active reports whether produce and consume calls are accepted.
func (s State) Active() bool {
	return s == StateCreated || s == StateAttached || s == StateRunning
}
