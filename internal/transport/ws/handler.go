package ws

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"examsync/internal/model"
	"examsync/internal/realtime"
	"examsync/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for dev
	},
}

// Handler upgrades monitoring clients and attaches them to the engine.
type Handler struct {
	hub     *Hub
	engine  *realtime.Engine
	authSvc *service.AuthService
}

// NewHandler creates a WebSocket handler.
func NewHandler(hub *Hub, engine *realtime.Engine, authSvc *service.AuthService) *Handler {
	return &Handler{
		hub:     hub,
		engine:  engine,
		authSvc: authSvc,
	}
}

// SessionWS handles GET /v1/ws/sessions/{id}
func (h *Handler) SessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	h.attach(w, r, claims.MonitorID, "session:"+sessionID, func(conn *Connection) (string, error) {
		onUpdate, onState := conn.observer()
		return h.engine.SubscribeToSession(r.Context(), sessionID, onUpdate, onState)
	})
}

// UserSessionsWS handles GET /v1/ws/users/{id}
func (h *Handler) UserSessionsWS(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	h.attach(w, r, claims.MonitorID, "user-sessions:"+userID, func(conn *Connection) (string, error) {
		onUpdate, onState := conn.observer()
		return h.engine.SubscribeToUserSessions(r.Context(), userID, onUpdate, onState)
	})
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (*model.MonitorClaims, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return nil, false
	}
	claims, err := h.authSvc.ValidateMonitorToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return nil, false
	}
	return claims, true
}

func (h *Handler) attach(w http.ResponseWriter, r *http.Request, monitorID, target string, subscribe func(*Connection) (string, error)) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade error: %v", err)
		return
	}

	conn := &Connection{
		ID:     uuid.New().String()[:8],
		Target: target,
		Send:   make(chan []byte, 256),
	}

	handle, err := subscribe(conn)
	if err != nil {
		log.Printf("ws: subscribe for %s failed: %v", target, err)
		wsConn.Close()
		return
	}
	conn.handle = handle
	h.hub.Register(conn)

	log.Printf("ws: monitor %s (%s) watching %s", monitorID, conn.ID, target)

	go h.writePump(wsConn, conn)
	go h.readPump(wsConn, conn)
}

func (h *Handler) writePump(wsConn *websocket.Conn, conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wsConn.Close()
	}()

	for {
		select {
		case data, ok := <-conn.Send:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				wsConn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := wsConn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readPump(wsConn *websocket.Conn, conn *Connection) {
	defer func() {
		h.hub.Unregister(conn)
		wsConn.Close()
	}()

	wsConn.SetReadLimit(maxMessageSize)
	wsConn.SetReadDeadline(time.Now().Add(pongWait))
	wsConn.SetPongHandler(func(string) error {
		wsConn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Monitors are read-only; inbound frames only keep the connection
		// alive.
		if _, _, err := wsConn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: read error on %s: %v", conn.Target, err)
			}
			return
		}
	}
}
