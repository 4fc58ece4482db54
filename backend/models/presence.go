package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// PresenceRecord is the durable per-identity presence document. Identities
// are folded into it: the record doubles as the identity directory, created
// on first identify and never deleted, only marked offline.
//
// The live connection handle is never part of the document; it exists only
// inside the in-memory registry while the identity is connected.
type PresenceRecord struct {
	ID          primitive.ObjectID `json:"-" bson:"_id,omitempty"`
	IdentityID  string             `json:"identity_id" bson:"identity_id"`
	DisplayName string             `json:"display_name" bson:"display_name"`
	Role        Role               `json:"role" bson:"role"`
	Email       string             `json:"email,omitempty" bson:"email,omitempty"`
	Online      bool               `json:"online" bson:"online"`
	LastSeenAt  time.Time          `json:"last_seen_at" bson:"last_seen_at"`
}

// Identity returns the identity claims cached on the record.
func (p *PresenceRecord) Identity() Identity {
	return Identity{
		ID:          p.IdentityID,
		DisplayName: p.DisplayName,
		Role:        p.Role,
		Email:       p.Email,
	}
}
