package models

import (
	"errors"
	"sort"
	"time"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrInvalidPayload         = errors.New("invalid payload")
	ErrSelfMessage            = errors.New("recipient must differ from sender")
	ErrStoreUnavailable       = errors.New("store unavailable")
)

// Identity is the durable user record. Registration and profile management
// live in an external service; the core only reads identities and writes the
// presence-derived fields (Online, LastSeen) and the push subscription.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Online      bool   `json:"isOnline"`
	LastSeen    int64  `json:"lastSeen"` // Unix timestamp (seconds)
	PushSub     string `json:"-"`        // serialized push subscription, may be empty
}

// PresenceEntry records one live connection of a user in the shared
// presence registry. HeartbeatAt is refreshed by the owning session; an
// entry whose heartbeat lapses stops being routable even if its instance
// crashed without unregistering.
type PresenceEntry struct {
	UserID          string `msgpack:"userId"`
	ConnID          string `msgpack:"connId"`
	InstanceID      string `msgpack:"instanceId"`
	DisplayName     string `msgpack:"displayName"`
	AuthenticatedAt int64  `msgpack:"authenticatedAt"`
	HeartbeatAt     int64  `msgpack:"heartbeatAt"`
}

// Location is the routing address of a live connection: the instance that
// owns the socket plus its local connection id.
type Location struct {
	InstanceID string
	ConnID     string
}

// Conversation is the canonical 1-to-1 thread for a participant pair.
type Conversation struct {
	ID           string    `json:"id" bson:"_id,omitempty"`
	PairKey      string    `json:"-" bson:"pairKey"`
	Participants [2]string `json:"participants" bson:"participants"`
	CreatedAt    time.Time `json:"createdAt" bson:"createdAt"`
}

// CanonicalPair sorts a participant pair into its deterministic order.
// The joined form is the uniqueness key for conversation lookup, so
// FindOrCreate(A,B) and FindOrCreate(B,A) hit the same row.
func CanonicalPair(userA, userB string) [2]string {
	pair := [2]string{userA, userB}
	sort.Strings(pair[:])
	return pair
}

// PairKey returns the canonical pair joined into a single storage key.
func PairKey(userA, userB string) string {
	pair := CanonicalPair(userA, userB)
	return pair[0] + ":" + pair[1]
}

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeAudio MessageType = "audio"
	MessageTypeFile  MessageType = "file"
)

// ValidMessageType reports whether t is one of the accepted message types.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeAudio, MessageTypeFile:
		return true
	}
	return false
}

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusSeen      MessageStatus = "seen"
)

// Rank orders statuses along the sent -> delivered -> seen progression.
// Transitions never move to a lower rank.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageStatusSent:
		return 0
	case MessageStatusDelivered:
		return 1
	case MessageStatusSeen:
		return 2
	}
	return -1
}

// MaxContentLength caps message content, matching the original schema limit.
const MaxContentLength = 1000

// Message is a persisted direct message. Status transitions are driven only
// by the delivery pipeline and read receipts, never by clients directly.
type Message struct {
	ID             string        `json:"id" bson:"_id,omitempty"`
	ConversationID string        `json:"conversationId" bson:"conversationId"`
	SenderID       string        `json:"senderId" bson:"senderId"`
	RecipientID    string        `json:"recipientId" bson:"recipientId"`
	Content        string        `json:"message" bson:"content"`
	Type           MessageType   `json:"messageType" bson:"messageType"`
	Status         MessageStatus `json:"status" bson:"status"`
	FileURL        string        `json:"fileUrl,omitempty" bson:"fileUrl,omitempty"`
	FileName       string        `json:"fileName,omitempty" bson:"fileName,omitempty"`
	FileSize       int64         `json:"fileSize,omitempty" bson:"fileSize,omitempty"`
	CreatedAt      time.Time     `json:"timestamp" bson:"createdAt"`
	DeliveredAt    *time.Time    `json:"deliveredAt,omitempty" bson:"deliveredAt,omitempty"`
	SeenAt         *time.Time    `json:"seenAt,omitempty" bson:"seenAt,omitempty"`
}
