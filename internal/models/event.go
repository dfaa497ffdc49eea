package models

import "time"

type EventType string

const (
	EventConnected    EventType = "connected"
	EventFileReady    EventType = "file_ready"
	EventFileBlocked  EventType = "file_blocked"
	EventSessionReady EventType = "session_ready"
	EventReleased     EventType = "released"
	EventCancelled    EventType = "cancelled"
	EventExpired      EventType = "expired"
	EventError        EventType = "error"

	// replies on the push channel only
	EventPong   EventType = "pong"
	EventStatus EventType = "status"
)

// Event is the payload delivered on a session's push channel.
type Event struct {
	Type           EventType `json:"type"`
	SessionID      string    `json:"sessionId"`
	FileID         string    `json:"fileId,omitempty"`
	Role           Role      `json:"role,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Message        string    `json:"message,omitempty"`
	DownloadGrants []Grant   `json:"downloadGrants,omitempty"`
	// Audience, when set, limits delivery to the push channel of that role.
	Audience       Role      `json:"audience,omitempty"`
	Data           any       `json:"data,omitempty"`
	At             time.Time `json:"at"`
}

// For reports whether the event is meant for the given role.
func (e Event) For(r Role) bool {
	return e.Audience == "" || e.Audience == r
}

// Grant is a minted download grant for one file.
type Grant struct {
	FileID    string    `json:"fileId"`
	Owner     Role      `json:"owner"`
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}
