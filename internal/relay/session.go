package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single write to the peer.
	writeWait = 10 * time.Second
	// pongWait bounds the gap between pongs before the peer is dead.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize caps an inbound frame.
	maxMessageSize = 1 << 20
	// sendBufferSize is the per-session outbound queue depth.
	sendBufferSize = 256
)

// session is one websocket connection's relay state. Identity fields are set
// on join and cleared on detach, guarded by the session's own mutex.
type session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	clientID string
	room     string
	docID    string
}

func newSession(hub *Hub, conn *websocket.Conn) *session {
	return &session{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
}

func (s *session) attach(clientID, room, docID string) {
	s.mu.Lock()
	s.clientID = clientID
	s.room = room
	s.docID = docID
	s.mu.Unlock()
}

func (s *session) clear() {
	s.mu.Lock()
	s.clientID = ""
	s.room = ""
	s.docID = ""
	s.mu.Unlock()
}

func (s *session) joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID != ""
}

func (s *session) identity() (clientID, room, docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID, s.room, s.docID
}

func (s *session) sendEvent(event Event) {
	s.enqueue(mustMarshal(event))
}

// enqueue offers a message to the session's outbound queue without blocking.
// A full queue drops the message; the slow session is disconnected by its
// pumps rather than stalling the room.
func (s *session) enqueue(message []byte) {
	select {
	case s.send <- message:
	default:
		clientID, room, _ := s.identity()
		s.hub.logger.Warn("session send buffer full, dropping message",
			zap.String("client_id", clientID),
			zap.String("room", room))
	}
}

// readPump moves frames from the connection into the hub. It owns the
// connection's read side and triggers the implicit leave on exit.
func (s *session) readPump() {
	defer func() {
		s.hub.disconnect(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				clientID, room, _ := s.identity()
				s.hub.logger.Warn("websocket read failed",
					zap.String("client_id", clientID),
					zap.String("room", room),
					zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.hub.handleEvent(s, message)
	}
}

// writePump moves queued messages to the connection and keeps it alive with
// periodic pings. It owns the connection's write side.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
