package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewMux wires the HTTP surface: websocket upgrade, health, and the debug
// snapshot route.
func NewMux(hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/debug", func(w http.ResponseWriter, r *http.Request) {
		data, err := json.Marshal(hub.Debug())
		if err != nil {
			http.Error(w, "failed to encode", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.WithError(err).Warn("websocket upgrade failed")
			return
		}
		c := hub.Connect(&wsWire{conn: conn})
		go hub.readPump(c, conn)
	})

	return mux
}

// readPump decodes inbound envelopes for one connection until it errors,
// then detaches the client.
func (h *Hub) readPump(c *client, conn *websocket.Conn) {
	defer h.Disconnect(c)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			h.log.WithField("client", c.id).WithError(err).Debug("discarding malformed message")
			continue
		}
		h.HandleMessage(c, env)
	}
}
