package server

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"

	"kitchen-sync/server/internal/engine"
)

var (
	ErrCapacityExceeded = errors.New("session is already full")
	ErrServerFull       = errors.New("server is at its session limit")
	ErrAlreadyInSession = errors.New("client is already in a session")
	ErrUnknownGame      = errors.New("unknown game name")
)

// registry tracks live sessions and the one-session-per-client invariant.
// Callers hold the hub mutex.
type registry struct {
	maxSessions int
	sessions    map[string]*Session
	// byClient maps every attached client, member or spectator, to its
	// session ID.
	byClient map[string]string
}

func newRegistry(maxSessions int) *registry {
	return &registry{
		maxSessions: maxSessions,
		sessions:    make(map[string]*Session),
		byClient:    make(map[string]string),
	}
}

// create registers a fresh WAITING session for the kind.
func (r *registry) create(kind engine.Kind, params engine.Params, game engine.Game) (*Session, error) {
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return nil, ErrServerFull
	}
	s := &Session{
		ID:         uuid.NewString(),
		Kind:       kind,
		Params:     params,
		paramsKey:  paramsKey(params),
		game:       game,
		phase:      PhaseWaiting,
		spectators: make(map[string]struct{}),
		pending:    make(map[string]engine.Action),
	}
	r.sessions[s.ID] = s
	return s, nil
}

// attach seats the client, or records it as a spectator.
func (r *registry) attach(clientID string, s *Session, spectating bool) error {
	if _, ok := r.byClient[clientID]; ok {
		return ErrAlreadyInSession
	}
	if spectating {
		s.attachSpectator(clientID)
	} else if err := s.attachPlayer(clientID); err != nil {
		return err
	}
	r.byClient[clientID] = s.ID
	return nil
}

// detach removes the client from its session, if any, and reports whether a
// player seat was vacated. Detaching an unattached client is a no-op.
func (r *registry) detach(clientID string) (seatVacated bool) {
	sessionID, ok := r.byClient[clientID]
	if !ok {
		return false
	}
	delete(r.byClient, clientID)
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	return s.detachClient(clientID)
}

func (r *registry) lookupByClient(clientID string) *Session {
	sessionID, ok := r.byClient[clientID]
	if !ok {
		return nil
	}
	return r.sessions[sessionID]
}

// destroy drops the session and unbinds everyone still attached.
func (r *registry) destroy(sessionID string) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	for _, id := range s.everyoneIDs() {
		delete(r.byClient, id)
	}
	delete(r.sessions, sessionID)
}

// paramsKey canonicalizes creation params so that lobbies only merge sessions
// configured identically. Key order is fixed by sorting; marshal failures
// collapse to a sentinel that never matches a well-formed key.
func paramsKey(params engine.Params) string {
	if len(params) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		name, _ := json.Marshal(k)
		b.Write(name)
		b.WriteByte(':')
		value, err := json.Marshal(params[k])
		if err != nil {
			return "!unkeyable"
		}
		b.Write(value)
	}
	b.WriteByte('}')
	return b.String()
}
