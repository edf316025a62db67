package server

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"kitchen-sync/server/internal/trajectory"
)

// runLoop drives one ACTIVE stretch of a session at its fixed tick period.
// The goroutine exits when the stop channel closes or the session leaves the
// ACTIVE phase; a reset spawns a fresh loop after the pause.
func (h *Hub) runLoop(s *Session, stop <-chan struct{}) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !h.step(s) {
				return
			}
		}
	}
}

// step advances one tick. Returns false when the loop should stop. The
// registry and phase are revalidated under the lock so a tick that raced a
// teardown becomes a no-op instead of touching a destroyed session.
func (h *Hub) step(s *Session) bool {
	h.mu.Lock()
	if h.registry.sessions[s.ID] != s || s.phase != PhaseActive {
		h.mu.Unlock()
		return false
	}
	var out outbox
	cont := h.stepLocked(&out, s)
	h.mu.Unlock()
	h.flush(out)
	return cont
}

func (h *Hub) stepLocked(out *outbox, s *Session) bool {
	s.tick++
	joint := s.jointAction()
	prev := s.state

	next, info, err := s.game.Transition(prev, joint)
	if err != nil {
		h.log.WithField("session", s.ID).WithError(err).Error("engine transition failed")
		h.broadcastLocked(out, s, evGameError, errorPayload{Error: err.Error()})
		h.endLocked(out, s, ReasonEngineError)
		return false
	}

	s.state = next
	s.score += info.Reward
	s.totalScore += info.Reward
	s.recordStep(prev, joint, info.Reward)

	h.broadcastLocked(out, s, evStatePong, statePongPayload{State: s.view()})

	timeUp := s.limitTicks > 0 && s.tick >= s.limitTicks
	if !info.Terminal && !timeUp {
		return true
	}

	reason := ReasonTimeUp
	if info.Terminal {
		reason = ReasonDelivered
	}
	if s.round+1 >= s.Kind.RoundCount() {
		h.endLocked(out, s, reason)
		return false
	}
	h.resetLocked(out, s)
	return false
}

// resetLocked pauses the session between rounds: clients get the fresh round
// state plus the pause length, and the loop resumes once the pause elapses.
func (h *Hub) resetLocked(out *outbox, s *Session) {
	roundData := &endData{FinalScore: s.score, Rounds: s.round + 1}
	h.setPhaseLocked(s, PhaseResetting)
	s.round++
	if err := s.beginRound(); err != nil {
		h.log.WithField("session", s.ID).WithError(err).Error("engine failed to reinitialize")
		h.broadcastLocked(out, s, evGameError, errorPayload{Error: err.Error()})
		h.endLocked(out, s, ReasonEngineError)
		return
	}
	h.broadcastLocked(out, s, evResetGame, resetGamePayload{
		State:   s.view(),
		Timeout: s.Kind.ResetPause.Milliseconds(),
		Data:    roundData,
	})

	sessionID := s.ID
	s.resetTimer = time.AfterFunc(s.Kind.ResetPause, func() {
		h.resumeSession(sessionID)
	})
	h.log.WithFields(logrus.Fields{"session": s.ID, "round": s.round}).Info("session resetting")
}

// resumeSession restarts the tick loop after the reset pause. The phase check
// makes a stale timer callback harmless.
func (h *Hub) resumeSession(sessionID string) {
	h.mu.Lock()
	s, ok := h.registry.sessions[sessionID]
	if !ok || s.phase != PhaseResetting {
		h.mu.Unlock()
		return
	}
	s.resetTimer = nil
	h.setPhaseLocked(s, PhaseActive)
	stop := make(chan struct{})
	s.stop = stop
	go h.runLoop(s, stop)
	h.mu.Unlock()
}

// endLocked finishes a session: timers are cancelled in the same critical
// section as the phase transition, every participant is notified, the
// trajectory is handed to the store, and the registry entry is dropped.
func (h *Hub) endLocked(out *outbox, s *Session, reason EndReason) {
	h.cancelTimersLocked(s)
	h.setPhaseLocked(s, PhaseEnded)

	h.broadcastLocked(out, s, evEndGame, endGamePayload{
		Status: reason.status(),
		Reason: string(reason),
		Data:   &endData{FinalScore: s.totalScore, Rounds: s.round + 1},
	})

	if s.recording && len(s.episodes) > 0 && h.store != nil {
		rec := s.record()
		go h.persist(rec)
	}

	h.destroyLocked(s)
	h.log.WithFields(logrus.Fields{"session": s.ID, "reason": string(reason)}).Info("session ended")
}

// persist writes a finished trajectory off the event path. Failures are
// logged and never affect teardown.
func (h *Hub) persist(rec trajectory.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.Save(ctx, rec); err != nil {
		h.log.WithFields(logrus.Fields{"session": rec.SessionID, "game": rec.GameName}).
			WithError(err).Error("failed to persist trajectory")
		return
	}
	h.log.WithFields(logrus.Fields{"session": rec.SessionID, "game": rec.GameName}).
		Info("trajectory persisted")
}
