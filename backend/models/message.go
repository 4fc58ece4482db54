package models

import "time"

// Attachment describes a stored file linked to a message. The URL points
// into the external object-storage provider; the relay never serves bytes.
type Attachment struct {
	URL  string `json:"url" bson:"url"`
	Name string `json:"name,omitempty" bson:"name,omitempty"`
	Size int64  `json:"size,omitempty" bson:"size,omitempty"`
	Kind string `json:"kind,omitempty" bson:"kind,omitempty"`
}

// Message is one persisted chat message. Immutable after insert except for
// the two terminal flags: Delivered and Read only ever flip false to true.
type Message struct {
	ID             string      `json:"id" bson:"_id"`
	ConversationID string      `json:"conversation_id" bson:"conversation_id"`
	SenderID       string      `json:"sender_id" bson:"sender_id"`
	SenderRole     Role        `json:"sender_role" bson:"sender_role"`
	ReceiverID     string      `json:"receiver_id" bson:"receiver_id"`
	ReceiverRole   Role        `json:"receiver_role" bson:"receiver_role"`
	Body           string      `json:"body,omitempty" bson:"body,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty" bson:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"created_at" bson:"created_at"`
	Delivered      bool        `json:"delivered" bson:"delivered"`
	Read           bool        `json:"read" bson:"read"`
}
