package session

import (
	"fmt"
	"time"
)

// State is the lifecycle position of a [Controller].
type State int

const (
	Idle State = iota
	Connecting
	Active
	Interrupted
	Closing
	Closed
	Failed
)

var stateNames = [...]string{
	Idle:        "Idle",
	Connecting:  "Connecting",
	Active:      "Active",
	Interrupted: "Interrupted",
	Closing:     "Closing",
	Closed:      "Closed",
	Failed:      "Failed",
}

// String implements [fmt.Stringer].
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Streaming reports whether audio flows in both directions. Interrupted
// counts: the user is speaking over the model.
func (s State) Streaming() bool { return s == Active || s == Interrupted }

// Terminal reports whether the session has ended.
func (s State) Terminal() bool { return s == Closed || s == Failed }

// transitions lists every legal move. Failed is reachable from every
// non-terminal state; Closed and Failed re-arm to Idle on the next Start.
var transitions = map[State][]State{
	Idle:        {Connecting, Closing, Failed},
	Connecting:  {Active, Closing, Failed},
	Active:      {Interrupted, Closing, Failed},
	Interrupted: {Active, Closing, Failed},
	Closing:     {Closed, Failed},
	Closed:      {Idle},
	Failed:      {Idle},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Change describes one state transition.
type Change struct {
	SessionID string
	From      State
	To        State
	// Err is set on transitions into Failed.
	Err error
	At  time.Time
}

// Observer is notified of every transition, synchronously and in order.
// Observers must return promptly and must not call Start or Stop.
type Observer interface {
	OnStateChange(Change)
}

// ObserverFunc adapts a function to [Observer].
type ObserverFunc func(Change)

// OnStateChange implements [Observer].
func (f ObserverFunc) OnStateChange(c Change) { f(c) }
