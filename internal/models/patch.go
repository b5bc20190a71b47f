package models

// ThreadPatch is a partial update for a cached thread summary, carried by
// thread_update events. Nil fields are left untouched.
type ThreadPatch struct {
	Subject      *string       `json:"subject,omitempty"`
	Status       *ThreadStatus `json:"status,omitempty"`
	Preview      *string       `json:"preview,omitempty"`
	UnreadBuyer  *int          `json:"unread_buyer,omitempty"`
	UnreadSeller *int          `json:"unread_seller,omitempty"`
	Message      *MessagePatch `json:"message,omitempty"`
}

// MessagePatch is a partial update for a single cached message: edits,
// deletes, reaction changes and delivery transitions.
type MessagePatch struct {
	MessageID      string          `json:"message_id"`
	Content        *string         `json:"content,omitempty"`
	Edited         *bool           `json:"edited,omitempty"`
	Deleted        *bool           `json:"deleted,omitempty"`
	Delivery       *DeliveryStatus `json:"delivery,omitempty"`
	AddReaction    *Reaction       `json:"add_reaction,omitempty"`
	RemoveReaction *Reaction       `json:"remove_reaction,omitempty"`
}
