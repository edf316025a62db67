package server

import (
	"encoding/json"
	"time"

	"kitchen-sync/server/internal/engine"
	"kitchen-sync/server/internal/trajectory"
)

// Session is one match of one game kind, from lobby to teardown. All fields
// are guarded by the hub mutex; the tick loop goroutine only touches them
// through hub methods that take the lock.
type Session struct {
	ID     string
	Kind   engine.Kind
	Params engine.Params

	// paramsKey is the canonical form of Params used for lobby matching.
	paramsKey string

	game  engine.Game
	state engine.State
	phase Phase

	// members holds seated players in seat order; joint actions are composed
	// by this index. spectators receive broadcasts but never act.
	members    []string
	spectators map[string]struct{}

	// pending buffers at most one action per member for the upcoming tick.
	pending map[string]engine.Action

	tickInterval time.Duration
	// limitTicks bounds one round; zero means no wall-clock limit.
	limitTicks int
	tick       int

	round      int
	score      float64
	totalScore float64
	startedAt  time.Time

	recording bool
	episodes  []trajectory.Episode

	// stop terminates the current tick loop goroutine when closed.
	stop       chan struct{}
	resetTimer *time.Timer
	lobbyTimer *time.Timer
}

func (s *Session) isFull() bool {
	return len(s.members) >= s.Kind.Players
}

func (s *Session) isEmpty() bool {
	return len(s.members) == 0 && len(s.spectators) == 0
}

func (s *Session) isMember(clientID string) bool {
	for _, id := range s.members {
		if id == clientID {
			return true
		}
	}
	return false
}

// everyoneIDs lists members then spectators, for broadcasts.
func (s *Session) everyoneIDs() []string {
	ids := make([]string, 0, len(s.members)+len(s.spectators))
	ids = append(ids, s.members...)
	for id := range s.spectators {
		ids = append(ids, id)
	}
	return ids
}

func (s *Session) attachPlayer(clientID string) error {
	if s.isFull() {
		return ErrCapacityExceeded
	}
	s.members = append(s.members, clientID)
	return nil
}

func (s *Session) attachSpectator(clientID string) {
	s.spectators[clientID] = struct{}{}
}

// detachClient removes the client from whichever role it holds. It reports
// whether a player seat was vacated, which dooms an in-flight round.
func (s *Session) detachClient(clientID string) (seatVacated bool) {
	for i, id := range s.members {
		if id == clientID {
			s.members = append(s.members[:i], s.members[i+1:]...)
			delete(s.pending, clientID)
			return true
		}
	}
	delete(s.spectators, clientID)
	return false
}

// submit buffers the client's action for the next tick, replacing any earlier
// submission this tick. Only seated members of an active session may act.
func (s *Session) submit(clientID string, action engine.Action) {
	if s.phase != PhaseActive || !s.isMember(clientID) {
		return
	}
	s.pending[clientID] = action
}

// jointAction drains the pending buffer into a seat-ordered slice, filling
// absent seats with STAY.
func (s *Session) jointAction() []engine.Action {
	joint := make([]engine.Action, len(s.members))
	for i, id := range s.members {
		if a, ok := s.pending[id]; ok {
			joint[i] = a
			delete(s.pending, id)
		} else {
			joint[i] = engine.ActionStay
		}
	}
	return joint
}

// beginRound resets per-round counters and asks the engine for a fresh state.
func (s *Session) beginRound() error {
	state, err := s.game.InitialState()
	if err != nil {
		return err
	}
	s.state = state
	s.tick = 0
	s.score = 0
	for id := range s.pending {
		delete(s.pending, id)
	}
	if s.recording {
		s.episodes = append(s.episodes, trajectory.Episode{Round: s.round})
	}
	return nil
}

// recordStep appends one transition to the current episode.
func (s *Session) recordStep(prev engine.State, joint []engine.Action, reward float64) {
	if !s.recording || len(s.episodes) == 0 {
		return
	}
	snapshot, err := json.Marshal(prev.Snapshot())
	if err != nil {
		return
	}
	tokens := make([]string, len(joint))
	for i, a := range joint {
		tokens[i] = string(a)
	}
	ep := &s.episodes[len(s.episodes)-1]
	ep.States = append(ep.States, snapshot)
	ep.JointActions = append(ep.JointActions, tokens)
	ep.Rewards = append(ep.Rewards, reward)
}

// timeLeft reports the remaining round time in seconds, zero when the round
// has no limit.
func (s *Session) timeLeft() float64 {
	if s.limitTicks <= 0 {
		return 0
	}
	remaining := s.limitTicks - s.tick
	if remaining < 0 {
		remaining = 0
	}
	return (time.Duration(remaining) * s.tickInterval).Seconds()
}

// view snapshots the session for broadcast.
func (s *Session) view() stateView {
	return stateView{
		State:    s.state.Snapshot(),
		Score:    s.score,
		TimeLeft: s.timeLeft(),
		Tick:     s.tick,
	}
}

// record packages the session's episodes for persistence.
func (s *Session) record() trajectory.Record {
	return trajectory.Record{
		SessionID:  s.ID,
		GameName:   s.Kind.Name,
		StartedAt:  s.startedAt,
		Params:     s.Params,
		FinalScore: s.totalScore,
		Episodes:   s.episodes,
	}
}
