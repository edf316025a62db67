// Package engine defines the capability set this server consumes from a
// cooperative grid-world simulation. The actual transition rules live in the
// engine implementation; the session core only composes joint actions, calls
// Transition, and broadcasts the resulting snapshots.
package engine

import (
	"errors"
	"time"
)

// Action is a single client-submitted action token.
type Action string

const (
	ActionUp       Action = "UP"
	ActionDown     Action = "DOWN"
	ActionLeft     Action = "LEFT"
	ActionRight    Action = "RIGHT"
	ActionInteract Action = "SPACE"
	ActionStay     Action = "STAY"
)

var actionSet = map[Action]struct{}{
	ActionUp:       {},
	ActionDown:     {},
	ActionLeft:     {},
	ActionRight:    {},
	ActionInteract: {},
	ActionStay:     {},
}

// ErrUnknownAction is returned by ParseAction for tokens outside the fixed set.
var ErrUnknownAction = errors.New("engine: unknown action token")

// ParseAction validates a raw token against the fixed action set.
func ParseAction(raw string) (Action, error) {
	a := Action(raw)
	if _, ok := actionSet[a]; !ok {
		return "", ErrUnknownAction
	}
	return a, nil
}

// State is an opaque world snapshot. Implementations must return a deep copy
// from Snapshot so the tick loop can hand a point-in-time value to broadcast
// and persistence without aliasing live engine state. States are marshaled to
// JSON when sent to clients.
type State interface {
	Snapshot() State
}

// StepInfo carries the per-tick outcome of a transition.
type StepInfo struct {
	Reward   float64
	Terminal bool
}

// Game is one session's simulation instance.
type Game interface {
	// InitialState constructs the start-of-round state.
	InitialState() (State, error)

	// Transition advances the simulation by one joint action. The joint slice
	// is indexed by player seat and always fully populated; absent submissions
	// have already been replaced with ActionStay.
	Transition(prev State, joint []Action) (State, StepInfo, error)
}

// Params are the client-supplied creation parameters, forwarded verbatim to
// the kind's constructor and recorded alongside trajectories.
type Params map[string]any

// Kind describes one registered game variant and how sessions of it run.
type Kind struct {
	// Name is the game_name token clients send in create/join requests.
	Name string

	// Players is the seat count required before a session activates.
	Players int

	// TickInterval is the fixed tick period.
	TickInterval time.Duration

	// TimeLimit bounds one round of play; zero means rounds only end when the
	// engine reports terminal.
	TimeLimit time.Duration

	// Rounds is how many reset cycles a session plays before ending. Zero is
	// treated as one.
	Rounds int

	// ResetPause is how long clients get to redraw between rounds.
	ResetPause time.Duration

	// JoinCreates permits a bare join to create a fresh session when no
	// waiting one exists.
	JoinCreates bool

	// New constructs the engine instance for one session.
	New func(params Params) (Game, error)
}

// TimeLimitTicks converts the wall-clock round limit into a tick count at
// the given effective tick period, which may differ from TickInterval when
// the server clamps it.
func (k Kind) TimeLimitTicks(interval time.Duration) int {
	if k.TimeLimit <= 0 || interval <= 0 {
		return 0
	}
	return int(k.TimeLimit / interval)
}

// RoundCount returns the configured round count, defaulting to one.
func (k Kind) RoundCount() int {
	if k.Rounds < 1 {
		return 1
	}
	return k.Rounds
}
