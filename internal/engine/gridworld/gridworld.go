// Package gridworld is a small cooperative fetch-and-deliver engine used by
// the demo binary and the test suite. Players move on a bounded grid, pick up
// an item at the pickup cell, and deliver it at the dropoff cell for a shared
// reward. It stands in for the external cooking simulation behind the same
// interface.
package gridworld

import (
	"fmt"

	"kitchen-sync/server/internal/engine"
)

const deliveryReward = 20

// Cell is a grid coordinate.
type Cell struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// PlayerState is one player's position and held item.
type PlayerState struct {
	Pos      Cell   `json:"position"`
	Facing   string `json:"facing"`
	Carrying bool   `json:"carrying"`
}

// State is the full world snapshot sent to clients each tick.
type State struct {
	Width   int           `json:"width"`
	Height  int           `json:"height"`
	Pickup  Cell          `json:"pickup"`
	Dropoff Cell          `json:"dropoff"`
	Players []PlayerState `json:"players"`
}

// Snapshot returns a deep copy safe to hand to broadcast and persistence.
func (s *State) Snapshot() engine.State {
	cp := *s
	cp.Players = make([]PlayerState, len(s.Players))
	copy(cp.Players, s.Players)
	return &cp
}

// Game implements engine.Game on the gridworld rules.
type Game struct {
	width   int
	height  int
	players int
	pickup  Cell
	dropoff Cell
}

// New constructs a gridworld for the given seat count and params. Recognized
// params: "width" and "height" as numbers; anything else is ignored.
func New(players int, params engine.Params) (*Game, error) {
	g := &Game{width: 7, height: 5, players: players}
	if w, ok := intParam(params, "width"); ok {
		g.width = w
	}
	if h, ok := intParam(params, "height"); ok {
		g.height = h
	}
	if g.width < 3 || g.height < 3 {
		return nil, fmt.Errorf("gridworld: grid %dx%d too small", g.width, g.height)
	}
	if players < 1 {
		return nil, fmt.Errorf("gridworld: need at least one player, got %d", players)
	}
	g.pickup = Cell{X: 0, Y: 0}
	g.dropoff = Cell{X: g.width - 1, Y: g.height - 1}
	return g, nil
}

func intParam(params engine.Params, key string) (int, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

// InitialState seats players along the middle row.
func (g *Game) InitialState() (engine.State, error) {
	st := &State{
		Width:   g.width,
		Height:  g.height,
		Pickup:  g.pickup,
		Dropoff: g.dropoff,
		Players: make([]PlayerState, g.players),
	}
	for i := range st.Players {
		st.Players[i] = PlayerState{
			Pos:    Cell{X: (i + 1) % g.width, Y: g.height / 2},
			Facing: "DOWN",
		}
	}
	return st, nil
}

// Transition applies one joint action and reports any delivery reward. Rounds
// never self-terminate; the session's time limit ends them.
func (g *Game) Transition(prev engine.State, joint []engine.Action) (engine.State, engine.StepInfo, error) {
	cur, ok := prev.(*State)
	if !ok {
		return nil, engine.StepInfo{}, fmt.Errorf("gridworld: unexpected state type %T", prev)
	}
	if len(joint) != len(cur.Players) {
		return nil, engine.StepInfo{}, fmt.Errorf("gridworld: joint action size %d for %d players", len(joint), len(cur.Players))
	}

	next := cur.Snapshot().(*State)
	var info engine.StepInfo

	for i, action := range joint {
		p := &next.Players[i]
		switch action {
		case engine.ActionUp, engine.ActionDown, engine.ActionLeft, engine.ActionRight:
			target := step(p.Pos, action)
			p.Facing = facing(action)
			if g.inBounds(target) && !occupied(next.Players, i, target) {
				p.Pos = target
			}
		case engine.ActionInteract:
			if !p.Carrying && p.Pos == next.Pickup {
				p.Carrying = true
			} else if p.Carrying && p.Pos == next.Dropoff {
				p.Carrying = false
				info.Reward += deliveryReward
			}
		case engine.ActionStay:
		default:
			return nil, engine.StepInfo{}, fmt.Errorf("gridworld: %w: %q", engine.ErrUnknownAction, action)
		}
	}

	return next, info, nil
}

func (g *Game) inBounds(c Cell) bool {
	return c.X >= 0 && c.X < g.width && c.Y >= 0 && c.Y < g.height
}

func occupied(players []PlayerState, self int, c Cell) bool {
	for i, p := range players {
		if i != self && p.Pos == c {
			return true
		}
	}
	return false
}

func step(c Cell, a engine.Action) Cell {
	switch a {
	case engine.ActionUp:
		c.Y--
	case engine.ActionDown:
		c.Y++
	case engine.ActionLeft:
		c.X--
	case engine.ActionRight:
		c.X++
	}
	return c
}

func facing(a engine.Action) string {
	switch a {
	case engine.ActionUp:
		return "UP"
	case engine.ActionDown:
		return "DOWN"
	case engine.ActionLeft:
		return "LEFT"
	case engine.ActionRight:
		return "RIGHT"
	}
	return "DOWN"
}
