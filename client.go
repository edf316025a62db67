package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// wire is the outbound half of a client connection. The websocket
// implementation lives in wsWire; tests substitute a recording fake.
type wire interface {
	WriteJSON(v any) error
	Close() error
}

// wsWire serializes writes to one websocket connection and applies the write
// deadline, the same discipline the subscriber struct used.
type wsWire struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWire) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(v)
}

func (w *wsWire) Close() error {
	return w.conn.Close()
}

// client is one connected browser for the lifetime of its transport
// connection.
type client struct {
	id string
	w  wire
}

// send wraps the payload in the wire envelope and writes it.
func (c *client) send(event string, payload any) error {
	env := envelope{Type: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Data = data
	}
	return c.w.WriteJSON(env)
}
