// Package storage defines the persistence gateway consumed by the relay
// core. Implementations provide per-document atomicity only; callers are
// written to tolerate intermediate states between two store calls.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/supportchat/relay/backend/models"
)

// ErrNotFound reports that the referenced document does not exist. It is
// distinct from a store outage so callers can treat the two differently.
var ErrNotFound = errors.New("storage: not found")

// MessageStore persists conversation messages.
type MessageStore interface {
	// InsertMessage durably writes one message and returns it with its
	// server-assigned fields populated. The message is not observable
	// anywhere until this returns nil.
	InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error)

	// ListMessages returns one history page for a conversation, oldest
	// message first. A non-nil before bounds the page to messages created
	// strictly earlier than it.
	ListMessages(ctx context.Context, conversationID string, limit int64, before *time.Time) ([]models.Message, error)

	// MarkDelivered flips the delivered flag of one message. The flag only
	// moves false to true.
	MarkDelivered(ctx context.Context, messageID string) error

	// MarkConversationRead flips read on every unread message in the
	// conversation addressed to readerID and returns how many changed.
	MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error)
}

// PresenceStore persists durable presence records. Records are never
// deleted, only marked offline.
type PresenceStore interface {
	// UpsertPresence creates or refreshes the record for an identity,
	// updating the cached display fields, the online flag and lastSeenAt.
	UpsertPresence(ctx context.Context, id models.Identity, online bool) (*models.PresenceRecord, error)

	// SetOnline updates only the online flag and lastSeenAt of an existing
	// record.
	SetOnline(ctx context.Context, identityID string, online bool) (*models.PresenceRecord, error)

	// GetPresence returns the record for an identity, or nil when the
	// identity has never been seen.
	GetPresence(ctx context.Context, identityID string) (*models.PresenceRecord, error)

	// ListPresence returns all records, optionally only the online ones.
	ListPresence(ctx context.Context, onlineOnly bool) ([]models.PresenceRecord, error)

	// MarkAllOffline clears the online flag on every record and returns how
	// many changed. Run at boot so no record claims a connection from a
	// previous process.
	MarkAllOffline(ctx context.Context) (int64, error)
}

// Store is the full persistence gateway.
type Store interface {
	MessageStore
	PresenceStore

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close(ctx context.Context) error
}
