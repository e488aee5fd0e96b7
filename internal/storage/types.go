package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBConversation struct {
	ID           string    `msgpack:"id"`
	PairKey      string    `msgpack:"pairKey"`
	Participants [2]string `msgpack:"participants"`
	CreatedAt    int64     `msgpack:"createdAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.PairKey)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID             string `msgpack:"id"`
	ConversationID string `msgpack:"conversationId"`
	SenderID       string `msgpack:"senderId"`
	RecipientID    string `msgpack:"recipientId"`
	Content        string `msgpack:"content"`
	Type           string `msgpack:"messageType"`
	Status         string `msgpack:"status"`
	FileURL        string `msgpack:"fileUrl,omitempty"`
	FileName       string `msgpack:"fileName,omitempty"`
	FileSize       int64  `msgpack:"fileSize,omitempty"`
	CreatedAt      int64  `msgpack:"createdAt"` // Unix nanoseconds, part of the sort key
	DeliveredAt    int64  `msgpack:"deliveredAt,omitempty"`
	SeenAt         int64  `msgpack:"seenAt,omitempty"`
}

// Key orders messages of a conversation by creation time, with the id as a
// tie-breaker for messages persisted in the same nanosecond.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBIdentity struct {
	ID          string `msgpack:"id"`
	DisplayName string `msgpack:"displayName"`
	Online      bool   `msgpack:"isOnline"`
	LastSeen    int64  `msgpack:"lastSeen"`
	PushSub     string `msgpack:"pushSubscription,omitempty"`
}

func (u *DBIdentity) Key() []byte {
	return []byte(u.ID)
}

func (u *DBIdentity) MarshalBinary() (data []byte, err error) {
	type alias DBIdentity
	return msgpack.Marshal((*alias)(u))
}

func (u *DBIdentity) UnmarshalBinary(data []byte) error {
	type alias DBIdentity
	return msgpack.Unmarshal(data, (*alias)(u))
}
