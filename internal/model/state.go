package model

import (
	"fmt"
	"strings"
)

// State is the lifecycle position of a job.
type State string

const (
	StateQueued  State = "Queued"
	StateActive  State = "Active"
	StatePaused  State = "Paused"
	StateStopped State = "Stopped"
	StateFailed  State = "Failed"
	StateDone    State = "Done"
)

// transitions is the full edge set of the job state machine.
var transitions = map[State][]State{
	StateQueued: {StateActive},
	StateActive: {StatePaused, StateStopped, StateDone, StateFailed},
	StatePaused: {StateActive, StateStopped},
}

// userTargets are the states a StateChange request may ask for.
var userTargets = map[State]bool{
	StateActive:  true,
	StatePaused:  true,
	StateStopped: true,
}

// ParseState accepts the canonical names case-insensitively, plus "resume"
// and "pause"/"stop" verbs used by the transport.
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued":
		return StateQueued, nil
	case "active", "resume", "resumed":
		return StateActive, nil
	case "paused", "pause":
		return StatePaused, nil
	case "stopped", "stop":
		return StateStopped, nil
	case "failed":
		return StateFailed, nil
	case "done":
		return StateDone, nil
	}
	return "", fmt.Errorf("%w: unknown state %q", ErrInvalidArgument, s)
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed || s == StateDone
}

// Live reports whether a job in this state still has work ahead of it.
func (s State) Live() bool {
	return s == StateQueued || s == StateActive || s == StatePaused
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckUserTransition validates a StateChange request. A request for the state
// the job already holds means another caller got there first.
func CheckUserTransition(from, to State) error {
	if !userTargets[to] {
		return fmt.Errorf("%w: %s cannot be requested", ErrInvalidTransition, to)
	}
	if from == to {
		return fmt.Errorf("%w: job already %s", ErrStaleState, from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if from == StateQueued {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
