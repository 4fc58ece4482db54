// Package mongo implements the persistence gateway on MongoDB. Two
// collections back the relay: messages and presence. Every operation is
// a single-document write or an indexed read; nothing here needs
// cross-document transactions.
package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	messagesCollection = "messages"
	presenceCollection = "presence"
)

// Store implements storage.Store on one MongoDB database.
type Store struct {
	client   *mongo.Client
	messages *mongo.Collection
	presence *mongo.Collection
}

// Connect dials the deployment, verifies it answers and binds the relay
// collections.
func Connect(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := client.Database(dbName)
	return &Store{
		client:   client,
		messages: db.Collection(messagesCollection),
		presence: db.Collection(presenceCollection),
	}, nil
}

// EnsureIndexes builds the indexes the relay's read paths depend on:
// history pages by conversation and time, the unread scan for markRead,
// and the unique identity key in the presence directory.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "receiver_id", Value: 1}, {Key: "read", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}
	_, err = s.presence.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "identity_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "online", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("presence indexes: %w", err)
	}
	return nil
}

// Ping reports whether the deployment still answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from the deployment.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
