package models

import (
	"encoding/json"
	"time"
)

// Event names carried on the realtime channel. Names are part of the wire
// contract and stay stable across versions.
const (
	// client -> relay
	EventIdentify     = "identify"
	EventSend         = "send"
	EventFetchHistory = "fetchHistory"
	EventTyping       = "typing"
	EventMarkRead     = "markRead"
	EventListOnline   = "listOnline"

	// relay -> client
	EventIdentified      = "identified"
	EventPresenceChanged = "presenceChanged"
	EventMessageReceived = "messageReceived"
	EventMessageSent     = "messageSent"
	EventHistoryLoaded   = "historyLoaded"
	EventTypingChanged   = "typingChanged"
	EventReadReceipt     = "readReceipt"
	EventOnlineUsers     = "onlineUsers"
	EventError           = "error"
)

// Event is the envelope for every frame on the realtime channel, in both
// directions: a name plus a name-specific payload.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MakeEvent marshals a named event with the given payload into a single
// wire frame.
func MakeEvent(name string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Event: name, Data: data})
}

// SendPayload is the body of a send event. Attachment bytes, when present,
// are uploaded to object storage before the message is persisted.
type SendPayload struct {
	ReceiverID string            `json:"receiver_id"`
	Body       string            `json:"body,omitempty"`
	Attachment *AttachmentUpload `json:"attachment,omitempty"`
}

// AttachmentUpload carries raw attachment content from a client. Data is
// base64 on the wire; encoding/json handles the conversion.
type AttachmentUpload struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// HistoryPayload requests a page of conversation history. Either the
// conversation id or the peer identity (with_id) selects the conversation.
type HistoryPayload struct {
	ConversationID string     `json:"conversation_id,omitempty"`
	WithID         string     `json:"with_id,omitempty"`
	Limit          int64      `json:"limit,omitempty"`
	Before         *time.Time `json:"before,omitempty"`
}

// TypingPayload toggles a typing indicator toward one receiver.
type TypingPayload struct {
	ReceiverID string `json:"receiver_id"`
	IsTyping   bool   `json:"is_typing"`
}

// MarkReadPayload marks every message addressed to the caller in one
// conversation as read.
type MarkReadPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ListOnlinePayload filters the visible-user snapshot. The default answers
// with live identities only; include_offline widens it to the whole
// directory.
type ListOnlinePayload struct {
	Role           Role `json:"role,omitempty"`
	IncludeOffline bool `json:"include_offline,omitempty"`
}

// IdentifiedEvent acknowledges a successful identify with the caller's own
// record and the currently visible online roster.
type IdentifiedEvent struct {
	Self   *PresenceRecord  `json:"self"`
	Online []PresenceRecord `json:"online"`
}

// HistoryEvent answers a fetchHistory request, oldest message first.
type HistoryEvent struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

// TypingEvent relays a typing indicator to its receiver.
type TypingEvent struct {
	SenderID string `json:"sender_id"`
	IsTyping bool   `json:"is_typing"`
}

// ReadReceiptEvent notifies a sender that their conversation was read.
type ReadReceiptEvent struct {
	ConversationID string `json:"conversation_id"`
	ReaderID       string `json:"reader_id"`
}

// OnlineUsersEvent answers a listOnline request.
type OnlineUsersEvent struct {
	Users []PresenceRecord `json:"users"`
}

// ErrorEvent reports a failed operation back to the originating connection
// with a stable machine-readable code.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
