// Package supervisor owns the lifecycle of the single measurement worker.
//
// The Stopped/Running toggle is a pure state machine, Transition, which the
// Supervisor drives and whose effects it carries out.  The worker body runs
// inside an error boundary that recovers panics, powers down every output it
// was given, and reports its error instead of losing it.
package supervisor

import (
	"fmt"
	"strings"
)

// State is the state of the measurement toggle
type State int

const (
	// Stopped means no worker is running and controls are enabled
	Stopped State = iota

	// Running means a worker owns the instruments
	Running
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText satisfies encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText satisfies encoding.TextUnmarshaler
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stopped":
		*s = Stopped
	case "running":
		*s = Running
	default:
		return fmt.Errorf("unknown state %q", b)
	}
	return nil
}

// Event is an input to the state machine
type Event int

const (
	// Toggle is a press of the run button
	Toggle Event = iota

	// Finished is the worker returning without error
	Finished

	// Failed is the worker returning an error
	Failed
)

func (e Event) String() string {
	switch e {
	case Toggle:
		return "toggle"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// Effects is a set of side effects a transition requires
type Effects uint8

const (
	// Reject refuses a start, e.g. because no instrument is selected
	Reject Effects = 1 << iota

	// LockControls disables configuration
	LockControls

	// Spawn starts the worker
	Spawn

	// Cancel asks the worker to stop
	Cancel

	// Join waits for the worker to return
	Join

	// UnlockControls enables configuration
	UnlockControls

	// Report surfaces the worker's error
	Report
)

var effectNames = []string{"reject", "lock", "spawn", "cancel", "join", "unlock", "report"}

// Has returns true if every effect in o is in e
func (e Effects) Has(o Effects) bool {
	return e&o == o
}

func (e Effects) String() string {
	var names []string
	for i, n := range effectNames {
		if e&(1<<uint(i)) != 0 {
			names = append(names, n)
		}
	}
	return "[" + strings.Join(names, " ") + "]"
}

// Transition returns the state following s on event e and the effects the
// transition requires.  ready is the start guard, false when the run has no
// instrument.  A Finished or Failed event while Stopped is the completion of
// a worker that was already stopped and changes nothing, apart from
// reporting a failure
func Transition(s State, e Event, ready bool) (State, Effects) {
	switch s {
	case Stopped:
		switch e {
		case Toggle:
			if !ready {
				return Stopped, Reject
			}
			return Running, LockControls | Spawn
		case Failed:
			return Stopped, Report
		}
		return Stopped, 0
	case Running:
		switch e {
		case Toggle:
			return Stopped, Cancel | Join | UnlockControls
		case Finished:
			return Stopped, Join | UnlockControls
		case Failed:
			return Stopped, Join | UnlockControls | Report
		}
	}
	return s, 0
}
