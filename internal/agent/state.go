// Package agent implements the fleet agent lifecycle: a state machine
// driven by Initialize/Execute/Pause/Resume/Terminate, wrapped around a
// pluggable Processor that does the actual quality-engineering work.
package agent

import "github.com/agentic-qe/fleet/internal/fleeterrors"

// State is a position in an agent's lifecycle.
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateIdle         State = "idle"
	StateBusy         State = "busy"
	StatePaused       State = "paused"
	StateTerminating  State = "terminating"
	StateTerminated   State = "terminated"
	StateFailed       State = "failed"
)

// validTransitions enumerates every legal (from, to) state edge. Any
// non-terminal state may move to Terminating or Failed; those two rows are
// checked separately
// in canTransition rather than enumerated for every source state.
var validTransitions = map[State]map[State]bool{
	StateCreated:      {StateInitializing: true},
	StateInitializing: {StateIdle: true},
	StateIdle:         {StateBusy: true, StatePaused: true},
	StateBusy:         {StateIdle: true},
	StatePaused:       {StateIdle: true},
	StateTerminating:  {StateTerminated: true},
}

func canTransition(from, to State) bool {
	if from == StateTerminated || from == StateFailed {
		return false
	}
	if to == StateTerminating || to == StateFailed {
		return true
	}
	return validTransitions[from][to]
}

func illegalTransition(from, to State) error {
	return fleeterrors.New(fleeterrors.KindIllegalStateTransition, string(from)+" -> "+string(to)+" is not a legal transition")
}
