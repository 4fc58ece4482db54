package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/supportchat/relay/backend/models"
	"github.com/supportchat/relay/backend/storage"
)

func (s *Store) InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if msg.ID == "" {
		return nil, errors.New("message id required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if _, err := s.messages.InsertOne(ctx, msg); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int64, before *time.Time) ([]models.Message, error) {
	filter := bson.M{"conversation_id": conversationID}
	if before != nil {
		filter["created_at"] = bson.M{"$lt": *before}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	var page []models.Message
	if err := cur.All(ctx, &page); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	// The index hands back newest first; callers get the page oldest first.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

func (s *Store) MarkDelivered(ctx context.Context, messageID string) error {
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": messageID},
		bson.M{"$set": bson.M{"delivered": true}},
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	res, err := s.messages.UpdateMany(ctx,
		bson.M{"conversation_id": conversationID, "receiver_id": readerID, "read": false},
		bson.M{"$set": bson.M{"read": true}},
	)
	if err != nil {
		return 0, fmt.Errorf("mark conversation read: %w", err)
	}
	return res.ModifiedCount, nil
}
