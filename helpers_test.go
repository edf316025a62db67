package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"kitchen-sync/server/internal/engine"
)

// fakeWire records every envelope written to it, standing in for a websocket
// connection.
type fakeWire struct {
	mu     sync.Mutex
	closed bool
	msgs   []envelope
}

func (f *fakeWire) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("wire closed")
	}
	env, ok := v.(envelope)
	if !ok {
		return fmt.Errorf("unexpected write type %T", v)
	}
	f.msgs = append(f.msgs, env)
	return nil
}

func (f *fakeWire) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeWire) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeWire) events() []envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]envelope(nil), f.msgs...)
}

// lastOf returns the most recent envelope of the given type.
func (f *fakeWire) lastOf(typ string) (envelope, bool) {
	evs := f.events()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == typ {
			return evs[i], true
		}
	}
	return envelope{}, false
}

func (f *fakeWire) countOf(typ string) int {
	n := 0
	for _, ev := range f.events() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func decodePayload[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return v
}

func requireEvent(t *testing.T, fw *fakeWire, typ string) envelope {
	t.Helper()
	env, ok := fw.lastOf(typ)
	if !ok {
		got := make([]string, 0, len(fw.events()))
		for _, ev := range fw.events() {
			got = append(got, ev.Type)
		}
		t.Fatalf("expected a %q event, got %v", typ, got)
	}
	return env
}

// rawState carries a wire-encoded state object through the engine.State
// interface when tests decode broadcast payloads.
type rawState json.RawMessage

func (r rawState) Snapshot() engine.State { return r }

// UnmarshalJSON lets tests decode broadcast payloads whose state field is an
// interface the stdlib decoder cannot fill on its own. Compiled only for
// tests; production code never unmarshals stateView.
func (v *stateView) UnmarshalJSON(data []byte) error {
	var aux struct {
		State    json.RawMessage `json:"state"`
		Score    float64         `json:"score"`
		TimeLeft float64         `json:"time_left"`
		Tick     int             `json:"t"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*v = stateView{Score: aux.Score, TimeLeft: aux.TimeLeft, Tick: aux.Tick}
	if len(aux.State) > 0 {
		v.State = rawState(aux.State)
	}
	return nil
}

// scriptState is the minimal engine state for scripted games.
type scriptState struct {
	Step int `json:"step"`
}

func (s *scriptState) Snapshot() engine.State {
	cp := *s
	return &cp
}

// scriptedGame lets tests choreograph rewards, terminal ticks, and failures
// while recording every joint action it is handed.
type scriptedGame struct {
	mu         sync.Mutex
	steps      int
	joints     [][]engine.Action
	rewards    map[int]float64
	terminalAt int
	failAt     int
	initErr    error
}

func (g *scriptedGame) InitialState() (engine.State, error) {
	if g.initErr != nil {
		return nil, g.initErr
	}
	return &scriptState{}, nil
}

func (g *scriptedGame) Transition(prev engine.State, joint []engine.Action) (engine.State, engine.StepInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.steps++
	g.joints = append(g.joints, append([]engine.Action(nil), joint...))
	if g.failAt > 0 && g.steps >= g.failAt {
		return nil, engine.StepInfo{}, errors.New("scripted transition failure")
	}
	info := engine.StepInfo{
		Reward:   g.rewards[g.steps],
		Terminal: g.terminalAt > 0 && g.steps >= g.terminalAt,
	}
	next := prev.Snapshot().(*scriptState)
	next.Step = g.steps
	return next, info, nil
}

func (g *scriptedGame) jointAt(i int) []engine.Action {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]engine.Action(nil), g.joints[i]...)
}

func (g *scriptedGame) stepCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.steps
}

// scriptedKind builds a kind around g with a tick period long enough that the
// real ticker never fires; tests drive ticks through hub.step directly.
func scriptedKind(g *scriptedGame, players, rounds int) engine.Kind {
	return engine.Kind{
		Name:         "scripted",
		Players:      players,
		TickInterval: time.Hour,
		Rounds:       rounds,
		ResetPause:   20 * time.Millisecond,
		JoinCreates:  true,
		New: func(engine.Params) (engine.Game, error) {
			return g, nil
		},
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestHub(kinds ...engine.Kind) *Hub {
	var cfg Config
	cfg.LobbyTimeoutMillis = 60000
	return NewHub(cfg, kinds, nil, quietLogger())
}

func connect(h *Hub) (*client, *fakeWire) {
	fw := &fakeWire{}
	return h.Connect(fw), fw
}

func sessionOf(t *testing.T, h *Hub, c *client) *Session {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.registry.lookupByClient(c.id)
	if s == nil {
		t.Fatalf("client %s has no session", c.id)
	}
	return s
}

func sessionCount(h *Hub) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.registry.sessions)
}

func phaseOf(h *Hub, s *Session) Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return s.phase
}

// waitForEvent polls until the wire records an event of the type, for
// outcomes delivered off the event path.
func waitForEvent(t *testing.T, fw *fakeWire, typ string) envelope {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if env, ok := fw.lastOf(typ); ok {
			return env
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never saw a %q event", typ)
	return envelope{}
}

// waitForPhase polls until the session reaches the phase or a second passes.
func waitForPhase(t *testing.T, h *Hub, s *Session, want Phase) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if phaseOf(h, s) == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session never reached phase %s, still %s", want, phaseOf(h, s))
}
