package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"examsync/internal/model"
)

// SessionStore is the Mongo-backed authoritative session store adapter.
type SessionStore struct {
	collection *mongo.Collection
}

// NewSessionStore creates a store over the given database.
func NewSessionStore(db *mongo.Database) *SessionStore {
	return &SessionStore{
		collection: db.Collection("exam_sessions"),
	}
}

func (s *SessionStore) GetByID(ctx context.Context, id string) (*model.SessionSnapshot, error) {
	var snap model.SessionSnapshot
	err := s.collection.FindOne(ctx, map[string]interface{}{"_id": id}).Decode(&snap)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil // Session not found
		}
		return nil, err
	}
	return &snap, nil
}

func (s *SessionStore) ListByUser(ctx context.Context, userID string) ([]*model.SessionSnapshot, error) {
	cursor, err := s.collection.Find(ctx, map[string]interface{}{"user_id": userID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*model.SessionSnapshot
	for cursor.Next(ctx) {
		var snap model.SessionSnapshot
		if err := cursor.Decode(&snap); err != nil {
			return nil, err
		}
		out = append(out, &snap)
	}
	return out, cursor.Err()
}

func (s *SessionStore) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	set := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		set[k] = v
	}
	set["updated_at"] = time.Now()

	_, err := s.collection.UpdateOne(ctx,
		map[string]interface{}{"_id": id},
		map[string]interface{}{"$set": set},
	)
	return err
}
