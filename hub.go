package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"kitchen-sync/server/internal/engine"
	"kitchen-sync/server/internal/trajectory"
)

// Hub owns every session and connected client. All registry and session
// mutation runs under mu, one inbound event or timer callback at a time, so
// handlers never observe each other mid-update. Outbound writes are staged in
// an outbox and flushed after unlock so no handler blocks on I/O while
// holding the lock.
type Hub struct {
	mu sync.Mutex

	cfg   Config
	log   *logrus.Logger
	kinds map[string]engine.Kind
	store trajectory.Store

	registry *registry
	// waiting maps game kind to session IDs awaiting players, oldest first.
	// Entries may be stale; lookups skip IDs no longer waiting.
	waiting map[string][]string

	clients map[string]*client
	nextID  atomic.Uint64
	closed  bool
}

// NewHub builds a hub serving the given game kinds. A nil store disables
// trajectory recording.
func NewHub(cfg Config, kinds []engine.Kind, store trajectory.Store, log *logrus.Logger) *Hub {
	if log == nil {
		log = logrus.New()
	}
	table := make(map[string]engine.Kind, len(kinds))
	for _, k := range kinds {
		table[k.Name] = k
	}
	return &Hub{
		cfg:      cfg,
		log:      log,
		kinds:    table,
		store:    store,
		registry: newRegistry(cfg.MaxGames),
		waiting:  make(map[string][]string),
		clients:  make(map[string]*client),
	}
}

// outMsg is one staged outbound event.
type outMsg struct {
	c       *client
	event   string
	payload any
}

type outbox []outMsg

func (o *outbox) add(c *client, event string, payload any) {
	if c == nil {
		return
	}
	*o = append(*o, outMsg{c: c, event: event, payload: payload})
}

// broadcastLocked stages an event for every attached participant.
func (h *Hub) broadcastLocked(out *outbox, s *Session, event string, payload any) {
	for _, id := range s.everyoneIDs() {
		out.add(h.clients[id], event, payload)
	}
}

// flush writes staged messages outside the lock. A failed write tears down
// that client only.
func (h *Hub) flush(out outbox) {
	for _, m := range out {
		if err := m.c.send(m.event, m.payload); err != nil {
			h.log.WithFields(logrus.Fields{"client": m.c.id, "event": m.event}).
				WithError(err).Warn("dropping client after failed write")
			go h.dropClient(m.c.id)
		}
	}
}

// Connect registers a fresh client identity for one transport connection.
// Connections arriving after shutdown are closed and never registered.
func (h *Hub) Connect(w wire) *client {
	c := &client{id: fmt.Sprintf("client-%d", h.nextID.Add(1)), w: w}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		w.Close()
		return c
	}
	h.clients[c.id] = c
	h.mu.Unlock()
	h.log.WithField("client", c.id).Info("client connected")
	return c
}

// HandleMessage dispatches one decoded inbound envelope.
func (h *Hub) HandleMessage(c *client, env envelope) {
	switch env.Type {
	case evCreate:
		var req createRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			h.serverError(c, err)
			return
		}
		h.handleCreate(c, req)
	case evJoin:
		var req createRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			h.serverError(c, err)
			return
		}
		h.handleJoin(c, req)
	case evLeave:
		h.handleLeave(c)
	case evAction:
		var req actionRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return
		}
		h.handleAction(c, req)
	default:
		h.log.WithFields(logrus.Fields{"client": c.id, "type": env.Type}).
			Debug("ignoring unknown event")
	}
}

// serverError reports a transport-level failure to the offending client.
func (h *Hub) serverError(c *client, err error) {
	h.log.WithField("client", c.id).WithError(err).Error("request failed")
	if sendErr := c.send(evServerError, errorPayload{Error: err.Error()}); sendErr != nil {
		go h.dropClient(c.id)
	}
}

// Disconnect removes the client and treats an in-session departure like a
// leave, without replies to the departed client.
func (h *Hub) Disconnect(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	var out outbox
	h.leaveLocked(&out, c, false)
	h.mu.Unlock()
	h.flush(out)
	h.log.WithField("client", c.id).Info("client disconnected")
}

// dropClient handles a client whose socket failed mid-write.
func (h *Hub) dropClient(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	h.mu.Unlock()
	if !ok {
		return
	}
	c.w.Close()
	h.Disconnect(c)
}

// Shutdown force-ends every session, notifying all participants. Used by the
// process exit path.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	var out outbox
	for _, s := range h.sessionsLocked() {
		if s.phase == PhaseWaiting {
			h.broadcastLocked(&out, s, evEndLobby, nil)
			h.destroyLocked(s)
			continue
		}
		h.endLocked(&out, s, ReasonServerShutdown)
	}
	h.mu.Unlock()
	h.flush(out)
}

func (h *Hub) sessionsLocked() []*Session {
	list := make([]*Session, 0, len(h.registry.sessions))
	for _, s := range h.registry.sessions {
		list = append(list, s)
	}
	return list
}

// DebugSession is one session's entry in the debug snapshot.
type DebugSession struct {
	ID         string   `json:"id"`
	GameName   string   `json:"game_name"`
	Phase      string   `json:"phase"`
	Members    []string `json:"members"`
	Spectators []string `json:"spectators"`
	Tick       int      `json:"t"`
	Round      int      `json:"round"`
}

// DebugSnapshot lists active and waiting sessions plus the
// client-to-session mapping, served on /debug.
type DebugSnapshot struct {
	ActiveGames  []DebugSession    `json:"active_games"`
	WaitingGames []DebugSession    `json:"waiting_games"`
	Users        map[string]string `json:"users"`
}

// Debug captures a consistent snapshot of hub state.
func (h *Hub) Debug() DebugSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := DebugSnapshot{Users: make(map[string]string, len(h.registry.byClient))}
	for id, sessionID := range h.registry.byClient {
		snap.Users[id] = sessionID
	}
	for _, s := range h.registry.sessions {
		entry := DebugSession{
			ID:       s.ID,
			GameName: s.Kind.Name,
			Phase:    s.phase.String(),
			Members:  append([]string(nil), s.members...),
			Tick:     s.tick,
			Round:    s.round,
		}
		for id := range s.spectators {
			entry.Spectators = append(entry.Spectators, id)
		}
		if s.phase == PhaseWaiting {
			snap.WaitingGames = append(snap.WaitingGames, entry)
		} else {
			snap.ActiveGames = append(snap.ActiveGames, entry)
		}
	}
	return snap
}
