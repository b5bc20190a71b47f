package transport

import (
	"encoding/json"

	"github.com/ortusmarket/convo-core/internal/models"
)

// EventKind names a realtime event flowing over the duplex connection.
type EventKind string

const (
	EventJoinThread    EventKind = "join_thread"
	EventLeaveThread   EventKind = "leave_thread"
	EventNewMessage    EventKind = "new_message"
	EventThreadUpdate  EventKind = "thread_update"
	EventUserTyping    EventKind = "user_typing"
	EventUserRecording EventKind = "user_recording"
)

// Envelope is the wire frame wrapping every realtime event.
type Envelope struct {
	Kind    EventKind       `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// RoomPayload is sent with join_thread / leave_thread.
type RoomPayload struct {
	ThreadID string `json:"thread_id"`
}

// NewMessagePayload carries an inbound message event.
type NewMessagePayload struct {
	ThreadID string         `json:"thread_id"`
	Message  models.Message `json:"message"`
}

// ThreadUpdatePayload carries a partial thread update, optionally with the
// thread's new last message.
type ThreadUpdatePayload struct {
	ThreadID    string             `json:"thread_id"`
	Patch       models.ThreadPatch `json:"patch"`
	LastMessage *models.Message    `json:"last_message,omitempty"`
}

// TypingPayload carries a typing presence signal in either direction.
type TypingPayload struct {
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	IsTyping bool   `json:"is_typing"`
}

// RecordingPayload carries a voice-recording presence signal in either direction.
type RecordingPayload struct {
	ThreadID        string `json:"thread_id"`
	UserID          string `json:"user_id"`
	IsRecording     bool   `json:"is_recording"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// Decode unmarshals the envelope payload into the supplied destination.
func (e Envelope) Decode(dst any) error {
	return json.Unmarshal(e.Payload, dst)
}
