package server

import (
	"encoding/json"

	"kitchen-sync/server/internal/engine"
)

// Wire event names. Client-to-server events mirror the lobby protocol the
// browser scripts speak; server-to-client events are the broadcast surface.
const (
	evCreate = "create"
	evJoin   = "join"
	evLeave  = "leave"
	evAction = "action"

	evWaiting        = "waiting"
	evCreationFailed = "creation_failed"
	evStartGame      = "start_game"
	evStatePong      = "state_pong"
	evResetGame      = "reset_game"
	evEndGame        = "end_game"
	evEndLobby       = "end_lobby"
	evGameError      = "game_error"
	evServerError    = "server_error"
)

// envelope is the one message shape on the wire in both directions.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// createRequest covers both create and join payloads. CreateIfNotFound
// defaults to true; when false, neither operation creates a session and the
// client is told to keep polling instead.
type createRequest struct {
	GameName         string        `json:"game_name"`
	Params           engine.Params `json:"params,omitempty"`
	CreateIfNotFound *bool         `json:"create_if_not_found,omitempty"`
}

func (r createRequest) createIfNotFound() bool {
	if r.CreateIfNotFound == nil {
		return true
	}
	return *r.CreateIfNotFound
}

type actionRequest struct {
	Action string `json:"action"`
}

type waitingPayload struct {
	InGame bool `json:"in_game"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// stateView is the per-tick snapshot broadcast to every session participant.
type stateView struct {
	State    engine.State `json:"state"`
	Score    float64      `json:"score"`
	TimeLeft float64      `json:"time_left"`
	Tick     int          `json:"t"`
}

// startInfo is sent once on activation and carries everything a client needs
// to set up rendering.
type startInfo struct {
	SessionID  string    `json:"session_id"`
	GameName   string    `json:"game_name"`
	Players    []string  `json:"players"`
	TickMillis int64     `json:"tick_millis"`
	State      stateView `json:"state"`
}

type startGamePayload struct {
	StartInfo  startInfo `json:"start_info"`
	Spectating bool      `json:"spectating"`
}

type statePongPayload struct {
	State stateView `json:"state"`
}

type resetGamePayload struct {
	State   stateView `json:"state"`
	Timeout int64     `json:"timeout"`
	Data    *endData  `json:"data,omitempty"`
}

type endGamePayload struct {
	Status string   `json:"status"`
	Reason string   `json:"reason,omitempty"`
	Data   *endData `json:"data,omitempty"`
}

// endData summarizes a finished round or session.
type endData struct {
	FinalScore float64 `json:"final_score"`
	Rounds     int     `json:"rounds"`
}
