package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/supportchat/relay/backend/models"
	"github.com/supportchat/relay/backend/storage"
)

func (s *Store) UpsertPresence(ctx context.Context, id models.Identity, online bool) (*models.PresenceRecord, error) {
	update := bson.M{"$set": bson.M{
		"display_name": id.DisplayName,
		"role":         id.Role,
		"email":        id.Email,
		"online":       online,
		"last_seen_at": time.Now().UTC(),
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var rec models.PresenceRecord
	err := s.presence.FindOneAndUpdate(ctx, bson.M{"identity_id": id.ID}, update, opts).Decode(&rec)
	if err != nil {
		return nil, fmt.Errorf("upsert presence: %w", err)
	}
	return &rec, nil
}

func (s *Store) SetOnline(ctx context.Context, identityID string, online bool) (*models.PresenceRecord, error) {
	update := bson.M{"$set": bson.M{
		"online":       online,
		"last_seen_at": time.Now().UTC(),
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var rec models.PresenceRecord
	err := s.presence.FindOneAndUpdate(ctx, bson.M{"identity_id": identityID}, update, opts).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("set online: %w", err)
	}
	return &rec, nil
}

func (s *Store) GetPresence(ctx context.Context, identityID string) (*models.PresenceRecord, error) {
	var rec models.PresenceRecord
	err := s.presence.FindOne(ctx, bson.M{"identity_id": identityID}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("get presence: %w", err)
	}
	return &rec, nil
}

func (s *Store) ListPresence(ctx context.Context, onlineOnly bool) ([]models.PresenceRecord, error) {
	filter := bson.M{}
	if onlineOnly {
		filter["online"] = true
	}
	opts := options.Find().SetSort(bson.D{{Key: "identity_id", Value: 1}})

	cur, err := s.presence.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find presence: %w", err)
	}
	var records []models.PresenceRecord
	if err := cur.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("decode presence: %w", err)
	}
	return records, nil
}

func (s *Store) MarkAllOffline(ctx context.Context) (int64, error) {
	res, err := s.presence.UpdateMany(ctx,
		bson.M{"online": true},
		bson.M{"$set": bson.M{"online": false}},
	)
	if err != nil {
		return 0, fmt.Errorf("mark all offline: %w", err)
	}
	return res.ModifiedCount, nil
}
