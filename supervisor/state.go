package supervisor

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("supervisor: invalid state transition")

type State int

const (
	Spawned State = iota
	Connected
	Running
	Completed
	Failed
	Killed
)

func (s State) String() string {
	switch s {
	case Spawned:
		return "spawned"
	case Connected:
		return "connected"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Killed:
		return "killed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Final reports whether s can no longer change.
func (s State) Final() bool {
	return s == Completed || s == Failed || s == Killed
}

var transitions = map[State][]State{
	Spawned:   {Connected, Failed, Killed},
	Connected: {Running, Failed, Killed},
	Running:   {Completed, Failed, Killed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
