package server

import (
	"context"
	"testing"
	"time"

	"kitchen-sync/server/internal/engine"
	"kitchen-sync/server/internal/trajectory"
)

// activatePair seats two clients in one scripted session and returns it ready
// for manual ticking.
func activatePair(t *testing.T, h *Hub) (a, b *client, fa, fb *fakeWire, s *Session) {
	t.Helper()
	var fwA, fwB fakeWire
	a = h.Connect(&fwA)
	b = h.Connect(&fwB)
	h.handleCreate(a, createRequest{GameName: "scripted"})
	h.handleJoin(b, createRequest{GameName: "scripted"})
	s = sessionOf(t, h, a)
	if phaseOf(h, s) != PhaseActive {
		t.Fatalf("session should be active after pairing, got %s", phaseOf(h, s))
	}
	return a, b, &fwA, &fwB, s
}

func TestLastSubmissionWinsAndStayDefaults(t *testing.T) {
	g := &scriptedGame{}
	h := newTestHub(scriptedKind(g, 2, 1))
	a, _, fa, _, s := activatePair(t, h)

	h.handleAction(a, actionRequest{Action: "UP"})
	h.handleAction(a, actionRequest{Action: "LEFT"})

	if !h.step(s) {
		t.Fatalf("session should keep running")
	}

	joint := g.jointAt(0)
	if joint[0] != engine.ActionLeft {
		t.Fatalf("latest submission should win, got %s", joint[0])
	}
	if joint[1] != engine.ActionStay {
		t.Fatalf("idle seat should default to STAY, got %s", joint[1])
	}

	pong := decodePayload[statePongPayload](t, requireEvent(t, fa, evStatePong))
	if pong.State.Tick != 1 {
		t.Fatalf("expected tick 1 in broadcast, got %d", pong.State.Tick)
	}
}

func TestSubmissionConsumedOnce(t *testing.T) {
	g := &scriptedGame{}
	h := newTestHub(scriptedKind(g, 2, 1))
	a, _, _, _, s := activatePair(t, h)

	h.handleAction(a, actionRequest{Action: "UP"})
	h.step(s)
	h.step(s)

	if got := g.jointAt(1)[0]; got != engine.ActionStay {
		t.Fatalf("submission must not carry into the next tick, got %s", got)
	}
}

func TestInvalidActionDropped(t *testing.T) {
	g := &scriptedGame{}
	h := newTestHub(scriptedKind(g, 2, 1))
	a, _, _, _, s := activatePair(t, h)

	h.handleAction(a, actionRequest{Action: "JUMP"})
	h.step(s)

	if got := g.jointAt(0)[0]; got != engine.ActionStay {
		t.Fatalf("invalid token must not reach the engine, got %s", got)
	}
}

func TestActionFromOutsiderIgnored(t *testing.T) {
	g := &scriptedGame{}
	h := newTestHub(scriptedKind(g, 2, 1))
	_, _, _, _, s := activatePair(t, h)
	outsider, _ := connect(h)

	h.handleAction(outsider, actionRequest{Action: "UP"})
	h.step(s)

	joint := g.jointAt(0)
	for i, a := range joint {
		if a != engine.ActionStay {
			t.Fatalf("seat %d moved on an outsider's action: %s", i, a)
		}
	}
}

func TestTimeLimitEndsSession(t *testing.T) {
	g := &scriptedGame{rewards: map[int]float64{1: 3, 2: 4}}
	kind := scriptedKind(g, 2, 1)
	kind.TimeLimit = 2 * time.Hour
	h := newTestHub(kind)
	_, _, fa, fb, s := activatePair(t, h)

	if !h.step(s) {
		t.Fatalf("first tick should continue")
	}
	if h.step(s) {
		t.Fatalf("second tick should hit the time limit")
	}

	for _, fw := range []*fakeWire{fa, fb} {
		end := decodePayload[endGamePayload](t, requireEvent(t, fw, evEndGame))
		if end.Status != statusDone {
			t.Fatalf("natural finish should be done, got %s", end.Status)
		}
		if end.Reason != string(ReasonTimeUp) {
			t.Fatalf("expected time_up, got %s", end.Reason)
		}
		if end.Data == nil || end.Data.FinalScore != 7 {
			t.Fatalf("expected final score 7, got %+v", end.Data)
		}
	}
	if sessionCount(h) != 0 {
		t.Fatalf("ended session should be destroyed")
	}
}

func TestTerminalEndsSingleRoundSession(t *testing.T) {
	g := &scriptedGame{rewards: map[int]float64{1: 20}, terminalAt: 1}
	h := newTestHub(scriptedKind(g, 2, 1))
	_, _, fa, _, s := activatePair(t, h)

	if h.step(s) {
		t.Fatalf("terminal tick should stop the loop")
	}

	end := decodePayload[endGamePayload](t, requireEvent(t, fa, evEndGame))
	if end.Reason != string(ReasonDelivered) {
		t.Fatalf("expected delivered_goal, got %s", end.Reason)
	}
	if end.Data.FinalScore != 20 || end.Data.Rounds != 1 {
		t.Fatalf("unexpected end data %+v", end.Data)
	}
}

func TestMultiRoundResetCycle(t *testing.T) {
	g := &scriptedGame{rewards: map[int]float64{1: 5, 2: 7}, terminalAt: 1}
	h := newTestHub(scriptedKind(g, 2, 2))
	_, _, fa, _, s := activatePair(t, h)

	if h.step(s) {
		t.Fatalf("terminal tick should pause the loop for the reset")
	}

	reset := decodePayload[resetGamePayload](t, requireEvent(t, fa, evResetGame))
	if reset.Timeout <= 0 {
		t.Fatalf("reset must carry the pause length, got %d", reset.Timeout)
	}
	if reset.Data == nil || reset.Data.FinalScore != 5 || reset.Data.Rounds != 1 {
		t.Fatalf("unexpected round summary %+v", reset.Data)
	}
	if reset.State.Tick != 0 {
		t.Fatalf("new round should start at tick 0, got %d", reset.State.Tick)
	}
	if phaseOf(h, s) != PhaseResetting {
		t.Fatalf("expected RESETTING, got %s", phaseOf(h, s))
	}

	waitForPhase(t, h, s, PhaseActive)

	if h.step(s) {
		t.Fatalf("final round's terminal tick should end the session")
	}
	end := decodePayload[endGamePayload](t, requireEvent(t, fa, evEndGame))
	if end.Data.FinalScore != 12 {
		t.Fatalf("total score should span rounds, got %v", end.Data.FinalScore)
	}
	if end.Data.Rounds != 2 {
		t.Fatalf("expected 2 rounds, got %d", end.Data.Rounds)
	}
}

func TestPartnerLeaveEndsSession(t *testing.T) {
	g := &scriptedGame{}
	h := newTestHub(scriptedKind(g, 2, 1))
	a, _, fa, fb, _ := activatePair(t, h)

	h.handleLeave(a)

	leaverEnd := decodePayload[endGamePayload](t, requireEvent(t, fa, evEndGame))
	if leaverEnd.Status != statusDone {
		t.Fatalf("leaver's own ack should be done, got %s", leaverEnd.Status)
	}

	partnerEnd := decodePayload[endGamePayload](t, requireEvent(t, fb, evEndGame))
	if partnerEnd.Status != statusInactive {
		t.Fatalf("abandoned partner should see inactive, got %s", partnerEnd.Status)
	}
	if partnerEnd.Reason != string(ReasonPartnerLeft) {
		t.Fatalf("expected partner_left, got %s", partnerEnd.Reason)
	}
	if sessionCount(h) != 0 {
		t.Fatalf("session should be gone after a seat is vacated")
	}
}

func TestDisconnectEndsSessionSilentlyForLeaver(t *testing.T) {
	g := &scriptedGame{}
	h := newTestHub(scriptedKind(g, 2, 1))
	a, _, fa, fb, _ := activatePair(t, h)

	before := fa.countOf(evEndGame)
	h.Disconnect(a)

	if fa.countOf(evEndGame) != before {
		t.Fatalf("disconnected client must not receive a reply")
	}
	end := decodePayload[endGamePayload](t, requireEvent(t, fb, evEndGame))
	if end.Reason != string(ReasonPartnerLeft) {
		t.Fatalf("expected partner_left, got %s", end.Reason)
	}
}

func TestEngineErrorEndsSession(t *testing.T) {
	g := &scriptedGame{failAt: 1}
	h := newTestHub(scriptedKind(g, 2, 1))
	_, _, fa, _, s := activatePair(t, h)

	if h.step(s) {
		t.Fatalf("engine failure should stop the loop")
	}

	requireEvent(t, fa, evGameError)
	end := decodePayload[endGamePayload](t, requireEvent(t, fa, evEndGame))
	if end.Status != statusInactive || end.Reason != string(ReasonEngineError) {
		t.Fatalf("expected inactive engine_error, got %s/%s", end.Status, end.Reason)
	}
	if sessionCount(h) != 0 {
		t.Fatalf("failed session should be destroyed")
	}
}

func TestGhostTickIsNoOp(t *testing.T) {
	g := &scriptedGame{}
	h := newTestHub(scriptedKind(g, 2, 1))
	a, _, _, _, s := activatePair(t, h)

	h.handleLeave(a)
	before := g.stepCount()

	if h.step(s) {
		t.Fatalf("tick against a destroyed session should report stop")
	}
	if g.stepCount() != before {
		t.Fatalf("ghost tick must not reach the engine")
	}
}

// captureStore hands each saved record to the test.
type captureStore struct {
	ch chan trajectory.Record
}

func (cs *captureStore) Save(_ context.Context, rec trajectory.Record) error {
	cs.ch <- rec
	return nil
}

func TestTrajectoryPersistedOnEnd(t *testing.T) {
	g := &scriptedGame{rewards: map[int]float64{1: 2, 2: 3}}
	kind := scriptedKind(g, 2, 1)
	kind.TimeLimit = 2 * time.Hour
	store := &captureStore{ch: make(chan trajectory.Record, 1)}
	var cfg Config
	cfg.LobbyTimeoutMillis = 60000
	h := NewHub(cfg, []engine.Kind{kind}, store, quietLogger())
	_, _, _, _, s := activatePair(t, h)

	h.step(s)
	h.step(s)

	var rec trajectory.Record
	select {
	case rec = <-store.ch:
	case <-time.After(time.Second):
		t.Fatalf("record never reached the store")
	}

	if rec.GameName != "scripted" {
		t.Fatalf("unexpected game name %q", rec.GameName)
	}
	if rec.FinalScore != 5 {
		t.Fatalf("expected final score 5, got %v", rec.FinalScore)
	}
	if len(rec.Episodes) != 1 {
		t.Fatalf("expected 1 episode, got %d", len(rec.Episodes))
	}
	ep := rec.Episodes[0]
	if len(ep.States) != 2 || len(ep.JointActions) != 2 || len(ep.Rewards) != 2 {
		t.Fatalf("episode arrays out of step: %d states, %d actions, %d rewards",
			len(ep.States), len(ep.JointActions), len(ep.Rewards))
	}
	if ep.Rewards[0] != 2 || ep.Rewards[1] != 3 {
		t.Fatalf("unexpected rewards %v", ep.Rewards)
	}
}

func TestShutdownEndsEverything(t *testing.T) {
	g := &scriptedGame{}
	h := newTestHub(scriptedKind(g, 2, 1))
	_, _, fa, _, _ := activatePair(t, h)
	waiter, fw := connect(h)
	h.handleCreate(waiter, createRequest{GameName: "scripted", Params: engine.Params{"solo": true}})

	h.Shutdown()

	end := decodePayload[endGamePayload](t, requireEvent(t, fa, evEndGame))
	if end.Reason != string(ReasonServerShutdown) {
		t.Fatalf("active session should end with server_shutdown, got %s", end.Reason)
	}
	requireEvent(t, fw, evEndLobby)
	if sessionCount(h) != 0 {
		t.Fatalf("all sessions should be gone")
	}

	late, fl := connect(h)
	h.handleCreate(late, createRequest{GameName: "scripted"})
	if len(fl.events()) != 0 {
		t.Fatalf("creation after shutdown should be silent, got %v", fl.events())
	}
	if sessionCount(h) != 0 {
		t.Fatalf("no sessions may be created after shutdown")
	}
}
