package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrClientNotFound indicates that no presence entry exists for the
	// requested client identifier.
	ErrClientNotFound = errors.New("presence: client not found")

	errMissingClientID = errors.New("client identifier is required")
	errMissingRoom     = errors.New("room is required")
	noOpLogger         = zap.NewNop()
)

// colorPalette is the fixed set of cursor colors. A color is drawn
// independently per join; collisions between clients are permitted.
var colorPalette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A",
	"#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E2",
	"#F8B88B", "#ABEBC6", "#F5B7B1", "#D5A6BD",
}

// ClientPresence is the ephemeral per-connection state owned by the Tracker.
type ClientPresence struct {
	ClientID     string          `json:"id"`
	Room         string          `json:"room"`
	JoinedAt     time.Time       `json:"joinedAt"`
	LastActivity time.Time       `json:"lastActivity"`
	Cursor       json.RawMessage `json:"cursor,omitempty"`
	Selection    json.RawMessage `json:"selection,omitempty"`
	Color        string          `json:"color"`
	DisplayName  string          `json:"name"`
	IsActive     bool            `json:"isActive"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

// JoinInfo carries optional client-provided fields at join time.
type JoinInfo struct {
	DisplayName string
	Metadata    map[string]any
}

// Config describes the dependencies required to build a Tracker.
type Config struct {
	Clock  func() time.Time
	Logger *zap.Logger
}

// Tracker owns all presence state: one entry per connected client and the
// room membership sets, kept in lockstep. Entries are ephemeral; removal is
// terminal and a rejoin starts a fresh lifecycle.
type Tracker struct {
	clock  func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*ClientPresence
	rooms   map[string]map[string]struct{}
}

// NewTracker returns a Tracker with an empty client table.
func NewTracker(cfg Config) *Tracker {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Tracker{
		clock:   clock,
		logger:  logger,
		clients: make(map[string]*ClientPresence),
		rooms:   make(map[string]map[string]struct{}),
	}
}

// Join registers a client in a room and returns the created presence entry.
// Joining again without leaving overwrites the entry; when the room differs
// the old membership is removed so a client never holds dual membership.
func (t *Tracker) Join(clientID, room string, info JoinInfo) (ClientPresence, error) {
	if strings.TrimSpace(clientID) == "" {
		return ClientPresence{}, errMissingClientID
	}
	if strings.TrimSpace(room) == "" {
		return ClientPresence{}, errMissingRoom
	}

	now := t.clock().UTC()
	displayName := strings.TrimSpace(info.DisplayName)
	if displayName == "" {
		displayName = defaultDisplayName(clientID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.clients[clientID]; ok && existing.Room != room {
		t.removeMembershipLocked(clientID, existing.Room)
	}

	entry := &ClientPresence{
		ClientID:     clientID,
		Room:         room,
		JoinedAt:     now,
		LastActivity: now,
		Color:        colorPalette[rand.Intn(len(colorPalette))],
		DisplayName:  displayName,
		IsActive:     true,
		Metadata:     info.Metadata,
	}
	t.clients[clientID] = entry

	members, ok := t.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		t.rooms[room] = members
	}
	members[clientID] = struct{}{}

	return *entry, nil
}

// Leave removes a client from a room's membership set and deletes its
// presence entry. An emptied room is removed entirely.
func (t *Tracker) Leave(clientID, room string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.clients[clientID]; !ok {
		return ErrClientNotFound
	}
	t.removeMembershipLocked(clientID, room)
	delete(t.clients, clientID)
	return nil
}

// Disconnect is an implicit leave for whatever room the tracker currently
// associates with the client. It returns the room that was left.
func (t *Tracker) Disconnect(clientID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.clients[clientID]
	if !ok {
		return "", ErrClientNotFound
	}
	room := entry.Room
	t.removeMembershipLocked(clientID, room)
	delete(t.clients, clientID)
	return room, nil
}

// UpdateCursor stores the client's cursor and refreshes its activity time.
func (t *Tracker) UpdateCursor(clientID string, cursor json.RawMessage) (ClientPresence, error) {
	return t.mutate(clientID, func(entry *ClientPresence) {
		entry.Cursor = cursor
	})
}

// UpdateSelection stores the client's selection and refreshes its activity
// time.
func (t *Tracker) UpdateSelection(clientID string, selection json.RawMessage) (ClientPresence, error) {
	return t.mutate(clientID, func(entry *ClientPresence) {
		entry.Selection = selection
	})
}

// SetActivity sets the client-declared activity flag and refreshes the
// activity time. The flag is distinct from server-computed inactivity: an
// isActive=false client is swept only once its idle time exceeds the
// threshold.
func (t *Tracker) SetActivity(clientID string, isActive bool) (ClientPresence, error) {
	return t.mutate(clientID, func(entry *ClientPresence) {
		entry.IsActive = isActive
	})
}

// UpdateMetadata merges the provided keys into the client's metadata.
func (t *Tracker) UpdateMetadata(clientID string, metadata map[string]any) (ClientPresence, error) {
	return t.mutate(clientID, func(entry *ClientPresence) {
		if entry.Metadata == nil {
			entry.Metadata = make(map[string]any, len(metadata))
		}
		for key, value := range metadata {
			entry.Metadata[key] = value
		}
	})
}

// Client returns a copy of the presence entry for a client.
func (t *Tracker) Client(clientID string) (ClientPresence, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.clients[clientID]
	if !ok {
		return ClientPresence{}, ErrClientNotFound
	}
	return *entry, nil
}

// RoomClients returns copies of every presence entry in a room.
func (t *Tracker) RoomClients(room string) []ClientPresence {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.roomClientsLocked(room)
}

// RoomPresenceView is the broadcastable presence summary for one room.
type RoomPresenceView struct {
	Room    string           `json:"room"`
	Count   int              `json:"count"`
	Clients []ClientPresence `json:"clients"`
}

// RoomPresence returns the presence summary for a room, captured atomically
// with respect to joins and leaves.
func (t *Tracker) RoomPresence(room string) RoomPresenceView {
	t.mu.Lock()
	defer t.mu.Unlock()

	clients := t.roomClientsLocked(room)
	return RoomPresenceView{Room: room, Count: len(clients), Clients: clients}
}

// RoomClientDetail is one row of a room's activity breakdown.
type RoomClientDetail struct {
	ClientID            string    `json:"id"`
	DisplayName         string    `json:"name"`
	IsActive            bool      `json:"isActive"`
	IdleDurationSeconds int64     `json:"idleDurationSeconds"`
	JoinedAt            time.Time `json:"joinedAt"`
}

// RoomStatsView aggregates activity for one room.
type RoomStatsView struct {
	Room            string             `json:"room"`
	TotalClients    int                `json:"totalClients"`
	ActiveClients   int                `json:"activeClients"`
	InactiveClients int                `json:"inactiveClients"`
	ClientDetails   []RoomClientDetail `json:"clientDetails"`
}

// RoomStats returns the activity breakdown for a room.
func (t *Tracker) RoomStats(room string) RoomStatsView {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock().UTC()
	clients := t.roomClientsLocked(room)
	stats := RoomStatsView{
		Room:          room,
		TotalClients:  len(clients),
		ClientDetails: make([]RoomClientDetail, 0, len(clients)),
	}
	for _, client := range clients {
		if client.IsActive {
			stats.ActiveClients++
		}
		stats.ClientDetails = append(stats.ClientDetails, RoomClientDetail{
			ClientID:            client.ClientID,
			DisplayName:         client.DisplayName,
			IsActive:            client.IsActive,
			IdleDurationSeconds: int64(now.Sub(client.LastActivity).Seconds()),
			JoinedAt:            client.JoinedAt,
		})
	}
	stats.InactiveClients = stats.TotalClients - stats.ActiveClients
	return stats
}

// AllClients returns copies of every presence entry.
func (t *Tracker) AllClients() []ClientPresence {
	t.mu.Lock()
	defer t.mu.Unlock()

	clients := make([]ClientPresence, 0, len(t.clients))
	for _, entry := range t.clients {
		clients = append(clients, *entry)
	}
	return clients
}

// TotalClients returns the number of tracked clients.
func (t *Tracker) TotalClients() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

// ActiveRoomCount returns the number of rooms with at least one member.
func (t *Tracker) ActiveRoomCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms)
}

// RoomExport is one room's slice of the exported tracker state.
type RoomExport struct {
	Room        string           `json:"room"`
	ClientCount int              `json:"clientCount"`
	Clients     []ClientPresence `json:"clients"`
}

// TrackerExport is the full tracker state, for monitoring endpoints.
type TrackerExport struct {
	TotalClients int          `json:"totalClients"`
	ActiveRooms  int          `json:"activeRooms"`
	Rooms        []RoomExport `json:"rooms"`
}

// ExportState returns the full tracker state.
func (t *Tracker) ExportState() TrackerExport {
	t.mu.Lock()
	defer t.mu.Unlock()

	export := TrackerExport{
		TotalClients: len(t.clients),
		ActiveRooms:  len(t.rooms),
		Rooms:        make([]RoomExport, 0, len(t.rooms)),
	}
	for room := range t.rooms {
		clients := t.roomClientsLocked(room)
		export.Rooms = append(export.Rooms, RoomExport{
			Room:        room,
			ClientCount: len(clients),
			Clients:     clients,
		})
	}
	return export
}

// ListInactive returns clients whose elapsed time since their last activity
// exceeds the threshold. This is purely clock-driven and independent of the
// client-declared isActive flag.
func (t *Tracker) ListInactive(threshold time.Duration) []ClientPresence {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock().UTC()
	inactive := make([]ClientPresence, 0)
	for _, entry := range t.clients {
		if now.Sub(entry.LastActivity) > threshold {
			inactive = append(inactive, *entry)
		}
	}
	return inactive
}

// Sweep removes every client idle beyond the threshold and returns the
// removed entries. The idleness check and the removal happen in one critical
// section, so a join landing during the sweep either survives with its fresh
// activity time or is fully absent, never half-removed.
func (t *Tracker) Sweep(threshold time.Duration) []ClientPresence {
	t.mu.Lock()
	now := t.clock().UTC()
	swept := make([]ClientPresence, 0)
	for clientID, entry := range t.clients {
		if now.Sub(entry.LastActivity) > threshold {
			swept = append(swept, *entry)
			t.removeMembershipLocked(clientID, entry.Room)
			delete(t.clients, clientID)
		}
	}
	t.mu.Unlock()

	if len(swept) > 0 {
		t.logger.Info("presence sweep removed idle clients",
			zap.Int("removed", len(swept)),
			zap.Duration("threshold", threshold))
	}
	return swept
}

func (t *Tracker) mutate(clientID string, apply func(*ClientPresence)) (ClientPresence, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.clients[clientID]
	if !ok {
		return ClientPresence{}, ErrClientNotFound
	}
	apply(entry)
	entry.LastActivity = t.clock().UTC()
	return *entry, nil
}

func (t *Tracker) roomClientsLocked(room string) []ClientPresence {
	members := t.rooms[room]
	clients := make([]ClientPresence, 0, len(members))
	for clientID := range members {
		if entry, ok := t.clients[clientID]; ok {
			clients = append(clients, *entry)
		}
	}
	return clients
}

func (t *Tracker) removeMembershipLocked(clientID, room string) {
	members, ok := t.rooms[room]
	if !ok {
		return
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(t.rooms, room)
	}
}

func defaultDisplayName(clientID string) string {
	short := clientID
	if len(short) > 5 {
		short = short[:5]
	}
	return fmt.Sprintf("User %s", short)
}
