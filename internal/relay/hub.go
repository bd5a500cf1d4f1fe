package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaypad/relaypad/internal/presence"
	"github.com/relaypad/relaypad/internal/registry"
)

var (
	errMissingRegistry = errors.New("document registry dependency required")
	errMissingTracker  = errors.New("presence tracker dependency required")
	noOpLogger         = zap.NewNop()
)

// Config describes the dependencies required to build a Hub.
type Config struct {
	Registry *registry.Registry
	Tracker  *presence.Tracker
	Logger   *zap.Logger
}

// Hub coordinates rooms: it registers connections under (room, docID),
// relays document deltas and presence events to room peers, and keeps the
// per-document awareness blobs. Document mutation order, persistence order,
// and broadcast order are all derived from the per-document update lock.
type Hub struct {
	registry *registry.Registry
	tracker  *presence.Tracker
	logger   *zap.Logger

	mu        sync.RWMutex
	rooms     map[string]map[*session]struct{}
	docs      map[string]map[*session]struct{}
	awareness map[string]map[string]json.RawMessage

	updateMu sync.Mutex
	updates  map[string]*sync.Mutex
}

// NewHub validates the dependencies and returns a Hub.
func NewHub(cfg Config) (*Hub, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Tracker == nil {
		return nil, errMissingTracker
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Hub{
		registry:  cfg.Registry,
		tracker:   cfg.Tracker,
		logger:    logger,
		rooms:     make(map[string]map[*session]struct{}),
		docs:      make(map[string]map[*session]struct{}),
		awareness: make(map[string]map[string]json.RawMessage),
		updates:   make(map[string]*sync.Mutex),
	}, nil
}

// ServeConn owns a websocket connection for its lifetime: it starts the
// session's read and write pumps and returns immediately.
func (h *Hub) ServeConn(conn *websocket.Conn) {
	s := newSession(h, conn)
	go s.writePump()
	go s.readPump()
}

// SetKey assigns a document key through the registry and relays the
// resulting delta to every session attached to the document.
func (h *Hub) SetKey(ctx context.Context, docID, key string, value any) (registry.ApplyResult, error) {
	unlock := h.lockDocument(docID)
	defer unlock()

	delta, result, err := h.registry.SetKey(ctx, docID, key, value)
	if err != nil {
		return registry.ApplyResult{}, err
	}
	h.relayDelta(docID, delta, nil)
	return result, nil
}

// ReplaceArray replaces a document array through the registry and relays the
// resulting delta.
func (h *Hub) ReplaceArray(ctx context.Context, docID, name string, items []any) (registry.ApplyResult, error) {
	unlock := h.lockDocument(docID)
	defer unlock()

	delta, result, err := h.registry.ReplaceArray(ctx, docID, name, items)
	if err != nil {
		return registry.ApplyResult{}, err
	}
	h.relayDelta(docID, delta, nil)
	return result, nil
}

// SetText sets or appends shared text through the registry and relays the
// resulting delta.
func (h *Hub) SetText(ctx context.Context, docID, name, content string, replace bool) (registry.ApplyResult, error) {
	unlock := h.lockDocument(docID)
	defer unlock()

	delta, result, err := h.registry.SetText(ctx, docID, name, content, replace)
	if err != nil {
		return registry.ApplyResult{}, err
	}
	h.relayDelta(docID, delta, nil)
	return result, nil
}

// AwarenessStates returns the per-client awareness blobs for a document.
func (h *Hub) AwarenessStates(docID string) map[string]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()

	states := make(map[string]json.RawMessage, len(h.awareness[docID]))
	for clientID, blob := range h.awareness[docID] {
		states[clientID] = blob
	}
	return states
}

// DropDocument clears the awareness map for a destroyed document.
func (h *Hub) DropDocument(docID string) {
	h.mu.Lock()
	delete(h.awareness, docID)
	h.mu.Unlock()
}

func (h *Hub) handleEvent(s *session, raw []byte) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		s.sendEvent(errorEvent("malformed event"))
		return
	}

	switch event.Type {
	case EventJoin:
		h.handleJoin(s, event)
	case EventLeave:
		h.handleLeave(s)
	case EventDocumentUpdate:
		h.handleDocumentUpdate(s, event, raw)
	case EventCursorMove:
		h.handleCursorMove(s, event, raw)
	case EventSelectionChange:
		h.handleSelectionChange(s, event, raw)
	case EventActivityStatus:
		h.handleActivityStatus(s, event, raw)
	case EventAwarenessUpdate:
		h.handleAwarenessUpdate(s, event, raw)
	default:
		s.sendEvent(errorEvent(fmt.Sprintf("unknown event type %q", event.Type)))
	}
}

// handleJoin registers the session under (room, docID), replies with the
// document snapshot plus the room presence, and announces the new member to
// the rest of the room. Joining while already joined switches rooms.
func (h *Hub) handleJoin(s *session, event Event) {
	room := strings.TrimSpace(event.Room)
	docID := strings.TrimSpace(event.DocID)
	if room == "" || docID == "" {
		s.sendEvent(errorEvent("join requires room and docId"))
		return
	}

	clientID := strings.TrimSpace(event.ClientID)
	if clientID == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			s.sendEvent(errorEvent("failed to assign client id"))
			return
		}
		clientID = generated.String()
	}

	var info joinPayload
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &info); err != nil {
			s.sendEvent(errorEvent("malformed join payload"))
			return
		}
	}

	if s.joined() {
		h.detach(s, true)
	}

	entry, err := h.tracker.Join(clientID, room, presence.JoinInfo{
		DisplayName: info.Name,
		Metadata:    info.Metadata,
	})
	if err != nil {
		s.sendEvent(errorEvent(err.Error()))
		return
	}

	// Snapshot capture, session registration, and the sync enqueue happen
	// under the document update lock. Deltas applied before the lock are in
	// the snapshot; deltas applied after it are relayed to the registered
	// session behind the sync frame, so the joiner misses nothing.
	unlock := h.lockDocument(docID)

	document, err := h.registry.FullState(context.Background(), docID)
	if err != nil {
		unlock()
		if _, leaveErr := h.tracker.Disconnect(clientID); leaveErr != nil && !errors.Is(leaveErr, presence.ErrClientNotFound) {
			h.logger.Warn("presence rollback failed",
				zap.String("client_id", clientID),
				zap.Error(leaveErr))
		}
		s.sendEvent(errorEvent("failed to load document"))
		h.logger.Error("relay join failed",
			zap.String("reason", "full_state_failed"),
			zap.Error(err),
			zap.String("doc_id", docID),
			zap.String("room", room))
		return
	}

	h.mu.Lock()
	s.attach(clientID, room, docID)
	addSession(h.rooms, room, s)
	addSession(h.docs, docID, s)
	roomPresence := h.tracker.RoomPresence(room)
	h.mu.Unlock()

	s.sendEvent(Event{
		Type:     EventSync,
		Room:     room,
		DocID:    docID,
		ClientID: clientID,
		Payload:  mustMarshal(syncPayload{Document: document, Presence: roomPresence, Self: entry}),
	})
	unlock()

	h.broadcastMembership(room, "join", clientID, s)

	h.logger.Info("client joined room",
		zap.String("client_id", clientID),
		zap.String("room", room),
		zap.String("doc_id", docID))
}

func (h *Hub) handleLeave(s *session) {
	if !s.joined() {
		s.sendEvent(errorEvent("not joined"))
		return
	}
	clientID, room, _ := s.identity()
	h.detach(s, true)
	h.logger.Info("client left room",
		zap.String("client_id", clientID),
		zap.String("room", room))
}

// handleDocumentUpdate merges the delta and, only on success, relays the
// frame bytes unchanged to every other session in the room.
func (h *Hub) handleDocumentUpdate(s *session, event Event, raw []byte) {
	if !s.joined() {
		s.sendEvent(errorEvent("not joined"))
		return
	}
	_, _, docID := s.identity()
	if len(event.Payload) == 0 {
		s.sendEvent(errorEvent("document-update requires a payload"))
		return
	}

	unlock := h.lockDocument(docID)
	defer unlock()

	if _, err := h.registry.ApplyUpdate(context.Background(), docID, event.Payload); err != nil {
		s.sendEvent(errorEvent(err.Error()))
		return
	}
	h.broadcastRaw(s.room, raw, s)
}

func (h *Hub) handleCursorMove(s *session, event Event, raw []byte) {
	if !s.joined() {
		s.sendEvent(errorEvent("not joined"))
		return
	}
	var payload cursorPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		s.sendEvent(errorEvent("malformed cursor payload"))
		return
	}
	if _, err := h.tracker.UpdateCursor(s.clientID, payload.Cursor); err != nil {
		s.sendEvent(errorEvent(err.Error()))
		return
	}
	h.broadcastRaw(s.room, raw, s)
}

func (h *Hub) handleSelectionChange(s *session, event Event, raw []byte) {
	if !s.joined() {
		s.sendEvent(errorEvent("not joined"))
		return
	}
	var payload selectionPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		s.sendEvent(errorEvent("malformed selection payload"))
		return
	}
	if _, err := h.tracker.UpdateSelection(s.clientID, payload.Selection); err != nil {
		s.sendEvent(errorEvent(err.Error()))
		return
	}
	h.broadcastRaw(s.room, raw, s)
}

func (h *Hub) handleActivityStatus(s *session, event Event, raw []byte) {
	if !s.joined() {
		s.sendEvent(errorEvent("not joined"))
		return
	}
	var payload activityPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		s.sendEvent(errorEvent("malformed activity payload"))
		return
	}
	if _, err := h.tracker.SetActivity(s.clientID, payload.IsActive); err != nil {
		s.sendEvent(errorEvent(err.Error()))
		return
	}
	h.broadcastRaw(s.room, raw, s)
}

// handleAwarenessUpdate stores the opaque blob under (docID, clientID) and
// relays it verbatim. Awareness is never persisted.
func (h *Hub) handleAwarenessUpdate(s *session, event Event, raw []byte) {
	if !s.joined() {
		s.sendEvent(errorEvent("not joined"))
		return
	}
	clientID, room, docID := s.identity()

	h.mu.Lock()
	blobs, ok := h.awareness[docID]
	if !ok {
		blobs = make(map[string]json.RawMessage)
		h.awareness[docID] = blobs
	}
	blobs[clientID] = event.Payload
	h.mu.Unlock()

	h.broadcastRaw(room, raw, s)
}

// disconnect is the implicit leave path for a closed connection.
func (h *Hub) disconnect(s *session) {
	if !s.joined() {
		return
	}
	clientID, room, _ := s.identity()
	h.detach(s, true)
	h.logger.Info("client disconnected",
		zap.String("client_id", clientID),
		zap.String("room", room))
}

// detach removes the session's room and document registration, its presence
// entry, and its awareness blob, then optionally announces the departure.
func (h *Hub) detach(s *session, announce bool) {
	clientID, room, docID := s.identity()
	if clientID == "" {
		return
	}

	h.mu.Lock()
	removeSession(h.rooms, room, s)
	removeSession(h.docs, docID, s)
	if blobs, ok := h.awareness[docID]; ok {
		delete(blobs, clientID)
		if len(blobs) == 0 {
			delete(h.awareness, docID)
		}
	}
	s.clear()
	h.mu.Unlock()

	if _, err := h.tracker.Disconnect(clientID); err != nil && !errors.Is(err, presence.ErrClientNotFound) {
		h.logger.Warn("presence detach failed",
			zap.String("client_id", clientID),
			zap.Error(err))
	}

	if announce {
		h.broadcastMembership(room, "leave", clientID, nil)
	}
}

func (h *Hub) broadcastMembership(room, change, clientID string, except *session) {
	event := Event{
		Type: EventMembershipChanged,
		Room: room,
		Payload: mustMarshal(membershipPayload{
			Change:   change,
			ClientID: clientID,
			Presence: h.tracker.RoomPresence(room),
		}),
	}
	h.broadcastRaw(room, mustMarshal(event), except)
}

// broadcastRaw sends the message bytes to every session in the room except
// the originator. Sends are non-blocking; a session with a full buffer is
// skipped and will be cleaned up by its own pumps.
func (h *Hub) broadcastRaw(room string, message []byte, except *session) {
	h.mu.RLock()
	sessions := make([]*session, 0, len(h.rooms[room]))
	for member := range h.rooms[room] {
		if member != except {
			sessions = append(sessions, member)
		}
	}
	h.mu.RUnlock()

	for _, member := range sessions {
		member.enqueue(message)
	}
}

// relayDelta wraps a registry-originated delta in a document-update event
// and sends it to every session attached to the document.
func (h *Hub) relayDelta(docID string, delta []byte, except *session) {
	event := Event{
		Type:    EventDocumentUpdate,
		DocID:   docID,
		Payload: delta,
	}
	message := mustMarshal(event)

	h.mu.RLock()
	sessions := make([]*session, 0, len(h.docs[docID]))
	for member := range h.docs[docID] {
		if member != except {
			sessions = append(sessions, member)
		}
	}
	h.mu.RUnlock()

	for _, member := range sessions {
		member.enqueue(message)
	}
}

// lockDocument serializes apply-and-broadcast per document so the relayed
// order matches the applied and persisted order.
func (h *Hub) lockDocument(docID string) func() {
	h.updateMu.Lock()
	lock, ok := h.updates[docID]
	if !ok {
		lock = &sync.Mutex{}
		h.updates[docID] = lock
	}
	h.updateMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func addSession(index map[string]map[*session]struct{}, key string, s *session) {
	members, ok := index[key]
	if !ok {
		members = make(map[*session]struct{})
		index[key] = members
	}
	members[s] = struct{}{}
}

func removeSession(index map[string]map[*session]struct{}, key string, s *session) {
	members, ok := index[key]
	if !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(index, key)
	}
}

func errorEvent(message string) Event {
	return Event{Type: EventError, Payload: mustMarshal(errorPayload{Message: message})}
}

func mustMarshal(v any) json.RawMessage {
	payload, err := json.Marshal(v)
	if err != nil {
		// All marshaled types are plain structs over validated JSON.
		panic(err)
	}
	return payload
}
