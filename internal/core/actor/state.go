package actor

import "time"

// Command is a lifecycle request sent to an actor.
type Command int

const (
	CmdStart Command = iota
	CmdPause
	CmdStop
)

func (c Command) String() string {
	switch c {
	case CmdStart:
		return "START"
	case CmdPause:
		return "PAUSE"
	case CmdStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// State is the lifecycle state reported by an actor.
type State int

const (
	StateCreated State = iota
	StateRunning
	StatePaused
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateStopped || s == StateError }

// Status is the latest state an actor reported. Err and FailedAt are set
// only in ERROR.
type Status struct {
	State    State     `json:"state"`
	Err      error     `json:"-"`
	Timestep int64     `json:"timestep"`
	FailedAt time.Time `json:"failed_at,omitempty"`
}
