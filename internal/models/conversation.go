package models

import (
	"time"
)

// ThreadKind distinguishes plain conversations from RFQ and order threads.
type ThreadKind string

const (
	ThreadKindMessage ThreadKind = "message"
	ThreadKindRFQ     ThreadKind = "rfq"
	ThreadKindOrder   ThreadKind = "order"
)

// ThreadStatus tracks whether a conversation is still open.
type ThreadStatus string

const (
	ThreadStatusOpen     ThreadStatus = "open"
	ThreadStatusResolved ThreadStatus = "resolved"
)

// Role identifies which side of the marketplace an actor is on.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// DeliveryStatus is the server-acknowledged delivery state of a message.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
)

// AttachmentKind classifies a message attachment.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVoice AttachmentKind = "voice"
	AttachmentFile  AttachmentKind = "file"
)

// Counterpart is the other party of a conversation.
type Counterpart struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Thread is a buyer-seller conversation summary as held in the local cache.
type Thread struct {
	ID            string       `json:"id"`
	Subject       string       `json:"subject"`
	Kind          ThreadKind   `json:"kind"`
	Counterpart   Counterpart  `json:"counterpart"`
	LastMessageAt time.Time    `json:"last_message_at"`
	Preview       string       `json:"preview"`
	UnreadBuyer   int          `json:"unread_buyer"`
	UnreadSeller  int          `json:"unread_seller"`
	Status        ThreadStatus `json:"status"`
}

// Unread returns the unread counter for the given viewer role.
func (t Thread) Unread(role Role) int {
	if role == RoleBuyer {
		return t.UnreadBuyer
	}
	return t.UnreadSeller
}

// Attachment is an image, voice note or file bound to a message.
type Attachment struct {
	Kind            AttachmentKind `json:"kind"`
	URL             string         `json:"url"`
	FileName        string         `json:"file_name"`
	SizeBytes       int64          `json:"size_bytes"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
}

// Reaction is an emoji left on a message by one actor.
type Reaction struct {
	Emoji     string `json:"emoji"`
	ReactorID string `json:"reactor_id"`
}

// Message is a single conversation entry. A valid message carries non-empty
// content or at least one attachment. Deleted messages keep their id and
// timestamp but are cleared for rendering.
type Message struct {
	ID            string         `json:"id"`
	ThreadID      string         `json:"thread_id"`
	SenderID      string         `json:"sender_id"`
	SenderRole    Role           `json:"sender_role"`
	Content       string         `json:"content"`
	Attachments   []Attachment   `json:"attachments,omitempty"`
	ReplyTo       *string        `json:"reply_to,omitempty"`
	Delivery      DeliveryStatus `json:"delivery"`
	Edited        bool           `json:"edited"`
	Deleted       bool           `json:"deleted"`
	Reactions     []Reaction     `json:"reactions,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Tombstone clears the renderable payload of a deleted message in place.
func (m *Message) Tombstone() {
	m.Content = ""
	m.Attachments = nil
	m.ReplyTo = nil
	m.Deleted = true
}

// PreviewText returns the thread-list preview text for the message.
func (m Message) PreviewText() string {
	if m.Deleted {
		return ""
	}
	if m.Content != "" {
		return m.Content
	}
	if len(m.Attachments) > 0 {
		switch m.Attachments[0].Kind {
		case AttachmentVoice:
			return "[voice note]"
		case AttachmentImage:
			return "[image]"
		default:
			return "[file]"
		}
	}
	return ""
}

// IndicatorKind distinguishes typing from recording presence signals.
type IndicatorKind string

const (
	IndicatorTyping    IndicatorKind = "typing"
	IndicatorRecording IndicatorKind = "recording"
)

// Indicator is an ephemeral presence signal for one (thread, actor) pair.
// It is never persisted.
type Indicator struct {
	ThreadID        string        `json:"thread_id"`
	ActorID         string        `json:"actor_id"`
	ActorName       string        `json:"actor_name,omitempty"`
	Kind            IndicatorKind `json:"kind"`
	Active          bool          `json:"active"`
	DurationSeconds int           `json:"duration_seconds,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// UploadState is the lifecycle state of an outgoing attachment upload.
type UploadState string

const (
	UploadPending   UploadState = "pending"
	UploadUploading UploadState = "uploading"
	UploadDone      UploadState = "done"
	UploadFailed    UploadState = "failed"
)

// UploadTask is the externally visible snapshot of one tracked upload.
type UploadTask struct {
	ID         string      `json:"id"`
	FileName   string      `json:"file_name"`
	SizeBytes  int64       `json:"size_bytes"`
	State      UploadState `json:"state"`
	Progress   int         `json:"progress"`
	Error      string      `json:"error,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// VoiceRef addresses one voice attachment inside a thread.
type VoiceRef struct {
	ThreadID        string `json:"thread_id"`
	MessageID       string `json:"message_id"`
	AttachmentIndex int    `json:"attachment_index"`
}

// PlaybackState describes what the viewer is currently listening to and the
// ordered autoplay queue of not-yet-played voice notes.
type PlaybackState struct {
	Current  *VoiceRef  `json:"current,omitempty"`
	Position float64    `json:"position"`
	Duration float64    `json:"duration"`
	Queue    []VoiceRef `json:"queue,omitempty"`
}
