package relay

import "encoding/json"

// EventType names one frame kind in the room protocol.
type EventType string

const (
	EventJoin              EventType = "join"
	EventLeave             EventType = "leave"
	EventDocumentUpdate    EventType = "document-update"
	EventCursorMove        EventType = "cursor-move"
	EventSelectionChange   EventType = "selection-change"
	EventActivityStatus    EventType = "activity-status"
	EventAwarenessUpdate   EventType = "awareness-update"
	EventMembershipChanged EventType = "membership-changed"
	EventSync              EventType = "sync"
	EventError             EventType = "error"
)

// Event is the wire envelope for every relay frame. Payload stays opaque to
// the relay except where a handler needs a specific shape.
type Event struct {
	Type     EventType       `json:"type"`
	Room     string          `json:"room,omitempty"`
	DocID    string          `json:"docId,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// joinPayload carries the optional client-provided fields of a join event.
type joinPayload struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

// cursorPayload carries a cursor-move event body.
type cursorPayload struct {
	Cursor json.RawMessage `json:"cursor"`
}

// selectionPayload carries a selection-change event body.
type selectionPayload struct {
	Selection json.RawMessage `json:"selection"`
}

// activityPayload carries an activity-status event body.
type activityPayload struct {
	IsActive bool `json:"isActive"`
}

// syncPayload is the bootstrap frame sent to a joining client: the document
// full state, the room presence snapshot, and the client's own entry.
type syncPayload struct {
	Document json.RawMessage `json:"document"`
	Presence any             `json:"presence"`
	Self     any             `json:"self"`
}

// membershipPayload announces a membership change to the rest of the room.
type membershipPayload struct {
	Change   string `json:"change"`
	ClientID string `json:"clientId"`
	Presence any    `json:"presence"`
}

// errorPayload reports a rejected frame back to its sender.
type errorPayload struct {
	Message string `json:"message"`
}
