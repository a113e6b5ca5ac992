package rpc

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is one JSON message on the node channel. Correlated payloads carry
// their event name inside Data.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Session is one live node connection.
type Session struct {
	ID             string
	Name           string
	IP             string
	Port           int
	MaxConnections int
	Connections    int
	ConnectedAt    time.Time
	LastHeartbeat  time.Time
	Authed         bool

	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  sync.Once
}

// send marshals and writes one frame. Writes are serialized per session;
// gorilla connections do not allow concurrent writers.
func (s *Session) send(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}
	buf, err := json.Marshal(Frame{Event: event, Data: raw})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
		return fmt.Errorf("write to node %s: %w", s.Name, err)
	}
	return nil
}

// close shuts the connection down once; the read loop's exit drives the
// actual cleanup.
func (s *Session) close() {
	s.closed.Do(func() {
		_ = s.conn.Close()
	})
}
