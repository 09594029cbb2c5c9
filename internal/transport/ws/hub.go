package ws

import (
	"encoding/json"
	"log"
	"sync"

	"examsync/internal/model"
	"examsync/internal/realtime"
)

// MessageType defines the type of WebSocket message sent to monitors.
type MessageType string

const (
	MsgSessionUpdate MessageType = "session_update"
	MsgStateChange   MessageType = "state_change"
	MsgError         MessageType = "error"
)

// Message is the WebSocket envelope format.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Hub tracks monitor WebSocket connections. Each connection is one engine
// observer: updates arrive via the engine's callbacks and are pushed onto
// the connection's send buffer.
type Hub struct {
	engine *realtime.Engine

	mu    sync.Mutex
	conns map[string]*Connection
}

// Connection is one attached monitoring client.
type Connection struct {
	ID     string
	Target string // session:<id> or user-sessions:<id>, for logging
	Send   chan []byte

	handle string // engine subscription handle, released on unregister
}

// NewHub creates a hub over the engine.
func NewHub(engine *realtime.Engine) *Hub {
	return &Hub{
		engine: engine,
		conns:  make(map[string]*Connection),
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.mu.Unlock()
	log.Printf("ws: monitor %s attached to %s", conn.ID, conn.Target)
}

// Unregister removes the connection, releases its engine subscription, and
// closes its send buffer. Idempotent.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	existing, ok := h.conns[conn.ID]
	if !ok || existing != conn {
		h.mu.Unlock()
		return
	}
	delete(h.conns, conn.ID)
	h.mu.Unlock()

	if conn.handle != "" {
		h.engine.Unsubscribe(conn.handle)
	}
	close(conn.Send)
	log.Printf("ws: monitor %s detached from %s", conn.ID, conn.Target)
}

// CloseAll detaches every connection. Used at shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		h.Unregister(conn)
	}
}

func (conn *Connection) push(msgType MessageType, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	raw, _ := json.Marshal(&Message{Type: msgType, Payload: data})
	select {
	case conn.Send <- raw:
	default:
		// Drop message if buffer full
	}
}

type updatePayload struct {
	SessionID     string      `json:"sessionId"`
	Type          string      `json:"type"`
	PreviousState *string     `json:"previousState,omitempty"`
	Snapshot      interface{} `json:"snapshot"`
}

type stateChangePayload struct {
	SessionID string `json:"sessionId"`
	NewState  string `json:"newState"`
	OldState  string `json:"oldState"`
}

// observer returns the engine callbacks that feed this connection.
func (conn *Connection) observer() (realtime.UpdateFunc, realtime.StateChangeFunc) {
	onUpdate := func(u realtime.SessionUpdate) {
		payload := updatePayload{
			SessionID: u.SessionID,
			Type:      string(u.Type),
			Snapshot:  u.Snapshot,
		}
		if u.PreviousState != nil {
			ps := string(*u.PreviousState)
			payload.PreviousState = &ps
		}
		conn.push(MsgSessionUpdate, payload)
	}
	onState := func(sessionID string, newState, oldState model.SessionState) {
		conn.push(MsgStateChange, stateChangePayload{
			SessionID: sessionID,
			NewState:  string(newState),
			OldState:  string(oldState),
		})
	}
	return onUpdate, onState
}
