package storage

import (
	"context"
	"fmt"
	"time"

	"dmhub/internal/models"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var (
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
	bucketMessageIndex  = []byte("message_index")
	bucketIdentities    = []byte("identities")
)

// messageRef locates a message record inside its per-conversation bucket.
type messageRef struct {
	ConversationID string `msgpack:"conversationId"`
	Key            []byte `msgpack:"key"`
}

// BboltStorage is the embedded single-instance backend. bbolt runs every
// Update in a single writer transaction, which makes find-or-insert and
// status transitions atomic without a remote store.
type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketConversations, bucketMessages, bucketMessageIndex, bucketIdentities} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close(ctx context.Context) error {
	return s.db.Close()
}

func (s *BboltStorage) FindOrCreate(ctx context.Context, userA, userB string) (models.Conversation, error) {
	pair := models.CanonicalPair(userA, userB)
	key := models.PairKey(userA, userB)

	var conv models.Conversation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		if data := b.Get([]byte(key)); data != nil {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(data); err != nil {
				return err
			}
			conv = models.Conversation{
				ID:           dbConv.ID,
				PairKey:      dbConv.PairKey,
				Participants: dbConv.Participants,
				CreatedAt:    time.Unix(0, dbConv.CreatedAt).UTC(),
			}
			return nil
		}

		now := time.Now().UTC()
		dbConv := DBConversation{
			ID:           uuid.NewString(),
			PairKey:      key,
			Participants: pair,
			CreatedAt:    now.UnixNano(),
		}
		data, err := dbConv.MarshalBinary()
		if err != nil {
			return err
		}
		if err := b.Put(dbConv.Key(), data); err != nil {
			return err
		}
		conv = models.Conversation{
			ID:           dbConv.ID,
			PairKey:      key,
			Participants: pair,
			CreatedAt:    now,
		}
		return nil
	})
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to find or create conversation: %w", err)
	}
	return conv, nil
}

func (s *BboltStorage) Insert(ctx context.Context, msg *models.Message) error {
	if msg.ConversationID == "" {
		return fmt.Errorf("%w: message missing conversationId", models.ErrInvalidPayload)
	}

	msg.ID = uuid.NewString()
	msg.Status = models.MessageStatusSent
	msg.CreatedAt = time.Now().UTC()

	return s.db.Update(func(tx *bbolt.Tx) error {
		dbMsg := toDBMessage(*msg)

		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.ConversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := convBucket.Put(dbMsg.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		ref, err := msgpack.Marshal(messageRef{ConversationID: msg.ConversationID, Key: dbMsg.Key()})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMessageIndex).Put([]byte(msg.ID), ref)
	})
}

func (s *BboltStorage) Get(ctx context.Context, id string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbMsg, _, err := lookupMessage(tx, id)
		if err != nil {
			return err
		}
		msg = fromDBMessage(*dbMsg)
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func (s *BboltStorage) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.transition(id, func(dbMsg *DBMessage) bool {
		if dbMsg.Status != string(models.MessageStatusSent) {
			return false
		}
		dbMsg.Status = string(models.MessageStatusDelivered)
		dbMsg.DeliveredAt = at.UTC().UnixNano()
		return true
	})
}

func (s *BboltStorage) MarkSeen(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.transition(id, func(dbMsg *DBMessage) bool {
		if dbMsg.Status == string(models.MessageStatusSeen) {
			return false
		}
		dbMsg.Status = string(models.MessageStatusSeen)
		dbMsg.SeenAt = at.UTC().UnixNano()
		return true
	})
}

// transition applies a guarded status mutation inside one write transaction.
func (s *BboltStorage) transition(id string, mutate func(*DBMessage) bool) (bool, error) {
	changed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbMsg, key, err := lookupMessage(tx, id)
		if err != nil {
			return err
		}
		if !mutate(dbMsg) {
			return nil
		}
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(dbMsg.ConversationID))
		if convBucket == nil {
			return models.ErrNotFound
		}
		if err := convBucket.Put(key, data); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (s *BboltStorage) ListByConversation(ctx context.Context, conversationID string, page, limit int64) ([]models.Message, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	skip := (page - 1) * limit

	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil
		}

		c := convBucket.Cursor()
		var i int64
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if i < skip {
				i++
				continue
			}
			if int64(len(messages)) >= limit {
				break
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, fromDBMessage(dbMsg))
			i++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

func (s *BboltStorage) GetIdentity(ctx context.Context, id string) (models.Identity, error) {
	var identity models.Identity
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketIdentities).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbID DBIdentity
		if err := dbID.UnmarshalBinary(data); err != nil {
			return err
		}
		identity = models.Identity{
			ID:          dbID.ID,
			DisplayName: dbID.DisplayName,
			Online:      dbID.Online,
			LastSeen:    dbID.LastSeen,
			PushSub:     dbID.PushSub,
		}
		return nil
	})
	if err != nil {
		return models.Identity{}, err
	}
	return identity, nil
}

func (s *BboltStorage) UpsertIdentity(ctx context.Context, identity models.Identity) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbID := DBIdentity{
			ID:          identity.ID,
			DisplayName: identity.DisplayName,
			Online:      identity.Online,
			LastSeen:    identity.LastSeen,
			PushSub:     identity.PushSub,
		}
		data, err := dbID.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketIdentities).Put(dbID.Key(), data)
	})
}

func (s *BboltStorage) SetOnline(ctx context.Context, id string, online bool, lastSeen time.Time) error {
	return s.updateIdentity(id, func(dbID *DBIdentity) {
		dbID.Online = online
		dbID.LastSeen = lastSeen.Unix()
	})
}

func (s *BboltStorage) SetPushSubscription(ctx context.Context, id, subscription string) error {
	return s.updateIdentity(id, func(dbID *DBIdentity) {
		dbID.PushSub = subscription
	})
}

// updateIdentity mutates an existing identity record. Unknown users are a
// no-op: identity records are owned by the external registration service.
func (s *BboltStorage) updateIdentity(id string, mutate func(*DBIdentity)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketIdentities)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var dbID DBIdentity
		if err := dbID.UnmarshalBinary(data); err != nil {
			return err
		}
		mutate(&dbID)
		out, err := dbID.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbID.Key(), out)
	})
}

func lookupMessage(tx *bbolt.Tx, id string) (*DBMessage, []byte, error) {
	refData := tx.Bucket(bucketMessageIndex).Get([]byte(id))
	if refData == nil {
		return nil, nil, models.ErrNotFound
	}
	var ref messageRef
	if err := msgpack.Unmarshal(refData, &ref); err != nil {
		return nil, nil, err
	}
	convBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ConversationID))
	if convBucket == nil {
		return nil, nil, models.ErrNotFound
	}
	data := convBucket.Get(ref.Key)
	if data == nil {
		return nil, nil, models.ErrNotFound
	}
	var dbMsg DBMessage
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return nil, nil, err
	}
	return &dbMsg, ref.Key, nil
}

func toDBMessage(m models.Message) DBMessage {
	dbMsg := DBMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		Content:        m.Content,
		Type:           string(m.Type),
		Status:         string(m.Status),
		FileURL:        m.FileURL,
		FileName:       m.FileName,
		FileSize:       m.FileSize,
		CreatedAt:      m.CreatedAt.UnixNano(),
	}
	if m.DeliveredAt != nil {
		dbMsg.DeliveredAt = m.DeliveredAt.UnixNano()
	}
	if m.SeenAt != nil {
		dbMsg.SeenAt = m.SeenAt.UnixNano()
	}
	return dbMsg
}

func fromDBMessage(dbMsg DBMessage) models.Message {
	msg := models.Message{
		ID:             dbMsg.ID,
		ConversationID: dbMsg.ConversationID,
		SenderID:       dbMsg.SenderID,
		RecipientID:    dbMsg.RecipientID,
		Content:        dbMsg.Content,
		Type:           models.MessageType(dbMsg.Type),
		Status:         models.MessageStatus(dbMsg.Status),
		FileURL:        dbMsg.FileURL,
		FileName:       dbMsg.FileName,
		FileSize:       dbMsg.FileSize,
		CreatedAt:      time.Unix(0, dbMsg.CreatedAt).UTC(),
	}
	if dbMsg.DeliveredAt != 0 {
		t := time.Unix(0, dbMsg.DeliveredAt).UTC()
		msg.DeliveredAt = &t
	}
	if dbMsg.SeenAt != 0 {
		t := time.Unix(0, dbMsg.SeenAt).UTC()
		msg.SeenAt = &t
	}
	return msg
}
