package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dmhub/internal/models"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collConversations = "conversations"
	collMessages      = "messages"
	collUsers         = "users"

	defaultOpTimeout = 5 * time.Second
)

type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database

	opTimeout time.Duration
}

func NewMongoStore(ctx context.Context, uri, database string, opTimeout time.Duration) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}

	s := &MongoStore{
		client:    client,
		db:        client.Database(database),
		opTimeout: opTimeout,
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	return s, nil
}

// ensureIndexes creates the unique pair-key index the find-or-insert
// guarantee depends on, plus the message read-path index.
func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	ctx, cancel := s.ensureTimeout(ctx)
	defer cancel()

	_, err := s.db.Collection(collConversations).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "pairKey", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create conversation index: %w", err)
	}

	_, err = s.db.Collection(collMessages).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create message index: %w", err)
	}

	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// FindOrCreate performs an atomic upsert keyed by the canonical pair. A
// concurrent upsert for the same pair can still surface a duplicate-key
// error from the unique index; that race is resolved by re-fetching once.
func (s *MongoStore) FindOrCreate(ctx context.Context, userA, userB string) (models.Conversation, error) {
	ctx, cancel := s.ensureTimeout(ctx)
	defer cancel()

	pair := models.CanonicalPair(userA, userB)
	key := models.PairKey(userA, userB)
	coll := s.db.Collection(collConversations)

	filter := bson.M{"pairKey": key}
	update := bson.M{"$setOnInsert": bson.M{
		"_id":          uuid.NewString(),
		"pairKey":      key,
		"participants": pair[:],
		"createdAt":    time.Now().UTC(),
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var conv models.Conversation
	err := coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&conv)
	if mongo.IsDuplicateKeyError(err) {
		err = coll.FindOne(ctx, filter).Decode(&conv)
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to find or create conversation: %w", err)
	}

	return conv, nil
}

func (s *MongoStore) Insert(ctx context.Context, msg *models.Message) error {
	ctx, cancel := s.ensureTimeout(ctx)
	defer cancel()

	msg.ID = uuid.NewString()
	msg.Status = models.MessageStatusSent
	msg.CreatedAt = time.Now().UTC()

	if _, err := s.db.Collection(collMessages).InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (models.Message, error) {
	ctx, cancel := s.ensureTimeout(ctx)
	defer cancel()

	var msg models.Message
	err := s.db.Collection(collMessages).FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Message{}, models.ErrNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// MarkDelivered moves a message from "sent" to "delivered". The status
// filter makes the update a no-op when the message already advanced, so a
// late delivery can never move a seen message backward.
func (s *MongoStore) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	ctx, cancel := s.ensureTimeout(ctx)
	defer cancel()

	res, err := s.db.Collection(collMessages).UpdateOne(ctx,
		bson.M{"_id": id, "status": models.MessageStatusSent},
		bson.M{"$set": bson.M{
			"status":      models.MessageStatusDelivered,
			"deliveredAt": at.UTC(),
		}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark message delivered: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) MarkSeen(ctx context.Context, id string, at time.Time) (bool, error) {
	ctx, cancel := s.ensureTimeout(ctx)
	defer cancel()

	res, err := s.db.Collection(collMessages).UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$ne": models.MessageStatusSeen}},
		bson.M{"$set": bson.M{
			"status": models.MessageStatusSeen,
			"seenAt": at.UTC(),
		}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark message seen: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) ListByConversation(ctx context.Context, conversationID string, page, limit int64) ([]models.Message, error) {
	ctx, cancel := s.ensureTimeout(ctx)
	defer cancel()

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetSkip((page - 1) * limit).
		SetLimit(limit)

	cursor, err := s.db.Collection(collMessages).Find(ctx, bson.M{"conversationId": conversationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []models.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return messages, nil
}

func (s *MongoStore) GetIdentity(ctx context.Context, id string) (models.Identity, error) {
	ctx, cancel := s.ensureTimeout(ctx)
	defer cancel()

	var doc struct {
		ID          string `bson:"_id"`
		DisplayName string `bson:"displayName"`
		Online      bool   `bson:"isOnline"`
		LastSeen    int64  `bson:"lastSeen"`
		PushSub     string `bson:"pushSubscription"`
	}
	err := s.db.Collection(collUsers).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Identity{}, models.ErrNotFound
	}
	if err != nil {
		return models.Identity{}, fmt.Errorf("failed to get identity: %w", err)
	}

	return models.Identity{
		ID:          doc.ID,
		DisplayName: doc.DisplayName,
		Online:      doc.Online,
		LastSeen:    doc.LastSeen,
		PushSub:     doc.PushSub,
	}, nil
}

func (s *MongoStore) UpsertIdentity(ctx context.Context, identity models.Identity) error {
	ctx, cancel := s.ensureTimeout(ctx)
	defer cancel()

	_, err := s.db.Collection(collUsers).UpdateOne(ctx,
		bson.M{"_id": identity.ID},
		bson.M{"$set": bson.M{
			"displayName":      identity.DisplayName,
			"isOnline":         identity.Online,
			"lastSeen":         identity.LastSeen,
			"pushSubscription": identity.PushSub,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert identity: %w", err)
	}
	return nil
}

func (s *MongoStore) SetOnline(ctx context.Context, id string, online bool, lastSeen time.Time) error {
	ctx, cancel := s.ensureTimeout(ctx)
	defer cancel()

	_, err := s.db.Collection(collUsers).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"isOnline": online, "lastSeen": lastSeen.Unix()}},
	)
	if err != nil {
		return fmt.Errorf("failed to set online state: %w", err)
	}
	return nil
}

func (s *MongoStore) SetPushSubscription(ctx context.Context, id, subscription string) error {
	ctx, cancel := s.ensureTimeout(ctx)
	defer cancel()

	_, err := s.db.Collection(collUsers).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"pushSubscription": subscription}},
	)
	if err != nil {
		return fmt.Errorf("failed to set push subscription: %w", err)
	}
	return nil
}

// ensureTimeout bounds store operations that arrive without a deadline.
func (s *MongoStore) ensureTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}
