// Package bus fans state-change events out to connected dashboard clients
// over websockets. Clients can also steer the service: they may ask for a
// status refresh or toggle the global pause gate that stops mailbox fetches.
package bus

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/ignite/portal-intake/internal/metrics"
)

// Event types pushed to dashboard clients.
const (
	EventUpdateStatus        = "updateStatus"
	EventCapacityUpdated     = "capacityUpdated"
	EventTasksUpdated        = "tasksUpdated"
	EventWorkingHoursUpdated = "workingHoursUpdated"
	EventQueueUpdated        = "queueUpdated"
	EventPong                = "pong"
)

// Message types clients may send.
const (
	clientPing        = "ping"
	clientRefresh     = "refresh"
	clientTogglePause = "togglePause"
)

// Maximum time we'll wait for a write we initiate to complete.
const wsWriteTimeout = 10 * time.Second

// Message is one JSON frame on the dashboard channel.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// StatusFunc builds the updateStatus payload on demand.
type StatusFunc func() interface{}

type session struct {
	conn *websocket.Conn
	send chan Message
	done chan struct{}
	once sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Hub owns the set of dashboard sessions and the global pause gate.
type Hub struct {
	mu       sync.Mutex
	sessions map[*session]bool

	paused    *atomic.Bool
	status    StatusFunc
	heartbeat time.Duration

	upgrader websocket.Upgrader
}

// NewHub creates a hub around the shared pause gate. status supplies the
// updateStatus payload; heartbeat <= 0 selects the 30s default.
func NewHub(paused *atomic.Bool, status StatusFunc, heartbeat time.Duration) *Hub {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Hub{
		sessions:  make(map[*session]bool),
		paused:    paused,
		status:    status,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard may be served from a different port in development.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Paused reports the state of the pause gate.
func (h *Hub) Paused() bool {
	return h.paused.Load()
}

// ClientCount returns the number of connected sessions.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Broadcast sends an event to every connected session. Slow or closed
// sessions drop the message; one bad client never affects the others.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	msg := Message{Type: eventType, Data: data}

	h.mu.Lock()
	snapshot := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		snapshot = append(snapshot, s)
	}
	h.mu.Unlock()

	for _, s := range snapshot {
		select {
		case s.send <- msg:
		case <-s.done:
		default:
			// Client's buffer is full. Drop rather than block the caller.
		}
	}
}

// BroadcastStatus pushes a fresh updateStatus frame to everyone.
func (h *Hub) BroadcastStatus() {
	h.Broadcast(EventUpdateStatus, h.status())
}

// Close terminates every session. Used during graceful shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	snapshot := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		snapshot = append(snapshot, s)
	}
	h.sessions = make(map[*session]bool)
	h.mu.Unlock()

	for _, s := range snapshot {
		s.close()
	}
	metrics.DashboardClients.Set(0)
}

// HandleWS upgrades an HTTP request to a dashboard session and serves it
// until the client disconnects or fails a liveness probe.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// A response has already been sent to the client by the upgrader.
		log.WithFields(log.Fields{"error": err, "client": r.RemoteAddr}).
			Warn("bus: websocket upgrade failed")
		return
	}

	s := &session{
		conn: conn,
		send: make(chan Message, 64),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.sessions[s] = true
	count := len(h.sessions)
	h.mu.Unlock()
	metrics.DashboardClients.Set(float64(count))

	log.WithFields(log.Fields{"client": r.RemoteAddr, "clients": count}).
		Info("bus: dashboard client connected")

	go h.writePump(s)
	h.readPump(s)

	h.unregister(s)
	log.WithField("client", r.RemoteAddr).Info("bus: dashboard client disconnected")
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	count := len(h.sessions)
	h.mu.Unlock()
	metrics.DashboardClients.Set(float64(count))
	s.close()
}

// readPump handles client frames and enforces liveness: a session that does
// not answer a probe before the next tick is closed.
func (h *Hub) readPump(s *session) {
	pongWait := h.heartbeat + h.heartbeat/2
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithField("error", err).Debug("bus: read failed")
			}
			return
		}
		// Any client frame proves liveness.
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case clientPing:
			h.push(s, Message{Type: EventPong})
		case clientRefresh:
			h.push(s, Message{Type: EventUpdateStatus, Data: h.status()})
		case clientTogglePause:
			h.togglePause()
		default:
			// Unknown client frames are ignored.
		}
	}
}

func (h *Hub) togglePause() {
	for {
		old := h.paused.Load()
		if h.paused.CompareAndSwap(old, !old) {
			log.WithField("paused", !old).Info("bus: pause gate toggled")
			break
		}
	}
	h.BroadcastStatus()
}

func (h *Hub) push(s *session, msg Message) {
	select {
	case s.send <- msg:
	case <-s.done:
	default:
	}
}

// writePump serializes all writes to one goroutine: queued events plus the
// periodic liveness probe.
func (h *Hub) writePump(s *session) {
	ticker := time.NewTicker(h.heartbeat)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
