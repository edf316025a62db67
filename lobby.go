package server

import (
	"time"

	"github.com/sirupsen/logrus"

	"kitchen-sync/server/internal/engine"
)

const defaultTickInterval = 150 * time.Millisecond

// handleCreate attaches the client to a matching waiting session of the same
// kind and params, or creates a fresh one unless the request forbids it.
func (h *Hub) handleCreate(c *client, req createRequest) {
	h.mu.Lock()
	var out outbox
	h.createLocked(&out, c, req)
	h.mu.Unlock()
	h.flush(out)
}

func (h *Hub) createLocked(out *outbox, c *client, req createRequest) {
	if h.closed || h.registry.lookupByClient(c.id) != nil {
		return
	}
	kind, ok := h.kinds[req.GameName]
	if !ok {
		out.add(c, evCreationFailed, errorPayload{Error: ErrUnknownGame.Error()})
		return
	}
	if s := h.matchWaitingLocked(kind.Name, paramsKey(req.Params)); s != nil {
		h.attachLocked(out, c, s)
		return
	}
	if !req.createIfNotFound() {
		out.add(c, evWaiting, waitingPayload{InGame: false})
		return
	}
	h.createSessionLocked(out, c, kind, req.Params)
}

// handleJoin attaches the client to any waiting session of the kind. When
// none exists it falls back to creation (if the request and the kind both
// permit it), then to spectating an in-play session, then tells the client to
// keep polling.
func (h *Hub) handleJoin(c *client, req createRequest) {
	h.mu.Lock()
	var out outbox
	h.joinLocked(&out, c, req)
	h.mu.Unlock()
	h.flush(out)
}

func (h *Hub) joinLocked(out *outbox, c *client, req createRequest) {
	if h.closed || h.registry.lookupByClient(c.id) != nil {
		return
	}
	kind, ok := h.kinds[req.GameName]
	if !ok {
		return
	}
	if s := h.matchWaitingLocked(kind.Name, ""); s != nil {
		h.attachLocked(out, c, s)
		return
	}
	if req.createIfNotFound() && kind.JoinCreates {
		h.createSessionLocked(out, c, kind, req.Params)
		return
	}
	if s := h.liveSessionLocked(kind.Name); s != nil {
		h.spectateLocked(out, c, s)
		return
	}
	out.add(c, evWaiting, waitingPayload{InGame: false})
}

// handleLeave detaches the client from its session, if any. Calling leave
// twice is the same as calling it once.
func (h *Hub) handleLeave(c *client) {
	h.mu.Lock()
	var out outbox
	h.leaveLocked(&out, c, true)
	h.mu.Unlock()
	h.flush(out)
}

func (h *Hub) leaveLocked(out *outbox, c *client, reply bool) {
	s := h.registry.lookupByClient(c.id)
	if s == nil {
		if reply {
			out.add(c, evEndLobby, nil)
		}
		return
	}
	seatVacated := h.registry.detach(c.id)
	h.log.WithFields(logrus.Fields{"client": c.id, "session": s.ID}).Info("client left session")

	switch s.phase {
	case PhaseWaiting:
		if reply {
			out.add(c, evEndLobby, nil)
		}
		if s.isEmpty() {
			h.destroyLocked(s)
		} else {
			h.broadcastLocked(out, s, evWaiting, waitingPayload{InGame: true})
		}
	case PhaseActive, PhaseResetting:
		if reply {
			out.add(c, evEndGame, endGamePayload{
				Status: statusDone,
				Data:   &endData{FinalScore: s.totalScore, Rounds: s.round + 1},
			})
		}
		if seatVacated {
			// Losing a required member is unrecoverable for the round.
			h.endLocked(out, s, ReasonPartnerLeft)
		} else if s.isEmpty() {
			h.endLocked(out, s, ReasonPartnerLeft)
		}
	}
}

// handleAction buffers one action for the client's current tick. Invalid
// tokens and submissions from non-members are dropped without reply.
func (h *Hub) handleAction(c *client, req actionRequest) {
	action, err := engine.ParseAction(req.Action)
	if err != nil {
		h.log.WithFields(logrus.Fields{"client": c.id, "action": req.Action}).
			Debug("dropping unrecognized action")
		return
	}
	h.mu.Lock()
	if s := h.registry.lookupByClient(c.id); s != nil {
		s.submit(c.id, action)
	}
	h.mu.Unlock()
}

// createSessionLocked builds a WAITING session, arms its lobby eviction
// timer, and attaches the requesting client.
func (h *Hub) createSessionLocked(out *outbox, c *client, kind engine.Kind, params engine.Params) {
	game, err := kind.New(params)
	if err != nil {
		out.add(c, evCreationFailed, errorPayload{Error: err.Error()})
		return
	}
	s, err := h.registry.create(kind, params, game)
	if err != nil {
		out.add(c, evCreationFailed, errorPayload{Error: err.Error()})
		return
	}
	s.tickInterval = h.effectiveTickInterval(kind)
	s.limitTicks = kind.TimeLimitTicks(s.tickInterval)
	s.recording = h.store != nil

	sessionID := s.ID
	s.lobbyTimer = time.AfterFunc(h.cfg.LobbyTimeout(), func() {
		h.expireLobby(sessionID)
	})
	h.log.WithFields(logrus.Fields{"session": s.ID, "game": kind.Name}).Info("session created")
	h.attachLocked(out, c, s)
}

// attachLocked seats the client and activates the session once capacity is
// met.
func (h *Hub) attachLocked(out *outbox, c *client, s *Session) {
	if err := h.registry.attach(c.id, s, false); err != nil {
		out.add(c, evCreationFailed, errorPayload{Error: err.Error()})
		return
	}
	if s.isFull() && s.phase == PhaseWaiting {
		h.activateLocked(out, s)
		return
	}
	h.pushWaitingLocked(s)
	h.broadcastLocked(out, s, evWaiting, waitingPayload{InGame: true})
}

// spectateLocked attaches an overflow client to an in-play session as a
// watcher. It gets the current state immediately and every broadcast from
// then on, but holds no seat.
func (h *Hub) spectateLocked(out *outbox, c *client, s *Session) {
	if err := h.registry.attach(c.id, s, true); err != nil {
		out.add(c, evCreationFailed, errorPayload{Error: err.Error()})
		return
	}
	out.add(c, evStartGame, startGamePayload{StartInfo: h.startInfoLocked(s), Spectating: true})
	h.log.WithFields(logrus.Fields{"client": c.id, "session": s.ID}).Info("client spectating")
}

// liveSessionLocked finds any in-play session of the kind.
func (h *Hub) liveSessionLocked(kindName string) *Session {
	for _, s := range h.registry.sessions {
		if s.Kind.Name == kindName && (s.phase == PhaseActive || s.phase == PhaseResetting) {
			return s
		}
	}
	return nil
}

// activateLocked transitions a filled session into play and starts its tick
// loop.
func (h *Hub) activateLocked(out *outbox, s *Session) {
	if s.lobbyTimer != nil {
		s.lobbyTimer.Stop()
		s.lobbyTimer = nil
	}
	s.startedAt = time.Now()
	s.round = 0
	s.totalScore = 0
	s.episodes = nil
	if err := s.beginRound(); err != nil {
		h.log.WithField("session", s.ID).WithError(err).Error("engine failed to initialize")
		h.broadcastLocked(out, s, evGameError, errorPayload{Error: err.Error()})
		h.broadcastLocked(out, s, evEndGame, endGamePayload{Status: statusInactive, Reason: string(ReasonEngineError)})
		h.destroyLocked(s)
		return
	}
	h.setPhaseLocked(s, PhaseActive)

	info := h.startInfoLocked(s)
	for _, id := range s.members {
		out.add(h.clients[id], evStartGame, startGamePayload{StartInfo: info, Spectating: false})
	}

	stop := make(chan struct{})
	s.stop = stop
	go h.runLoop(s, stop)
	h.log.WithFields(logrus.Fields{"session": s.ID, "game": s.Kind.Name}).Info("session activated")
}

func (h *Hub) startInfoLocked(s *Session) startInfo {
	return startInfo{
		SessionID:  s.ID,
		GameName:   s.Kind.Name,
		Players:    append([]string(nil), s.members...),
		TickMillis: s.tickInterval.Milliseconds(),
		State:      s.view(),
	}
}

// expireLobby evicts a session that sat in WAITING past the configured
// timeout.
func (h *Hub) expireLobby(sessionID string) {
	h.mu.Lock()
	s, ok := h.registry.sessions[sessionID]
	if !ok || s.phase != PhaseWaiting {
		h.mu.Unlock()
		return
	}
	var out outbox
	h.broadcastLocked(&out, s, evEndLobby, nil)
	h.destroyLocked(s)
	h.mu.Unlock()
	h.flush(out)
	h.log.WithField("session", sessionID).Info("lobby timed out")
}

// matchWaitingLocked pops the oldest live WAITING session of the kind, or of
// the kind plus exact params when key is non-empty. Stale queue entries are
// discarded along the way.
func (h *Hub) matchWaitingLocked(kindName, key string) *Session {
	var kept []string
	var found *Session
	for _, id := range h.waiting[kindName] {
		s, ok := h.registry.sessions[id]
		if !ok || s.phase != PhaseWaiting || s.isFull() {
			continue
		}
		if found == nil && (key == "" || s.paramsKey == key) {
			found = s
			continue
		}
		kept = append(kept, id)
	}
	h.waiting[kindName] = kept
	return found
}

func (h *Hub) pushWaitingLocked(s *Session) {
	for _, id := range h.waiting[s.Kind.Name] {
		if id == s.ID {
			return
		}
	}
	h.waiting[s.Kind.Name] = append(h.waiting[s.Kind.Name], s.ID)
}

// destroyLocked cancels the session's timers in the same critical section as
// its removal so no stale callback can touch it afterwards.
func (h *Hub) destroyLocked(s *Session) {
	h.cancelTimersLocked(s)
	h.registry.destroy(s.ID)
}

func (h *Hub) cancelTimersLocked(s *Session) {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	if s.resetTimer != nil {
		s.resetTimer.Stop()
		s.resetTimer = nil
	}
	if s.lobbyTimer != nil {
		s.lobbyTimer.Stop()
		s.lobbyTimer = nil
	}
}

func (h *Hub) setPhaseLocked(s *Session, to Phase) {
	if !s.phase.canTransition(to) {
		h.log.WithFields(logrus.Fields{"session": s.ID, "from": s.phase.String(), "to": to.String()}).
			Error("illegal phase transition")
		return
	}
	s.phase = to
}

// effectiveTickInterval clamps the kind's tick period to the configured FPS
// ceiling.
func (h *Hub) effectiveTickInterval(kind engine.Kind) time.Duration {
	interval := kind.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	if h.cfg.MaxFPS > 0 {
		if floor := time.Second / time.Duration(h.cfg.MaxFPS); interval < floor {
			interval = floor
		}
	}
	return interval
}
