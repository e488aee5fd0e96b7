// Package storage persists conversations, messages and identities. Two
// backends exist: MongoDB for shared multi-instance deployments and bbolt
// for embedded single-instance ones. Both guarantee atomic find-or-insert
// on the canonical pair key and forward-only message status transitions.
package storage

import (
	"context"
	"time"

	"dmhub/internal/models"
)

// ConversationStore resolves the canonical 1-to-1 conversation for a pair.
type ConversationStore interface {
	// FindOrCreate returns the conversation for the pair, creating it if
	// absent. Two concurrent calls for the same pair (in either order)
	// must converge to a single row.
	FindOrCreate(ctx context.Context, userA, userB string) (models.Conversation, error)
}

// MessageStore persists direct messages and their delivery state.
type MessageStore interface {
	// Insert persists a new message with status "sent" and fills in its
	// id and creation timestamp.
	Insert(ctx context.Context, msg *models.Message) error

	Get(ctx context.Context, id string) (models.Message, error)

	// MarkDelivered stamps delivered state only if the message is still
	// "sent". Returns false when the message was already past that state.
	MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error)

	// MarkSeen stamps seen state unless the message is already "seen".
	// Returns false for the no-op case.
	MarkSeen(ctx context.Context, id string, at time.Time) (bool, error)

	// ListByConversation returns messages of a conversation ordered by
	// creation time ascending. Page is 1-based.
	ListByConversation(ctx context.Context, conversationID string, page, limit int64) ([]models.Message, error)
}

// IdentityStore reads user identities and writes the presence-derived
// fields the core owns. The identity records themselves are managed by the
// external registration service.
type IdentityStore interface {
	GetIdentity(ctx context.Context, id string) (models.Identity, error)
	UpsertIdentity(ctx context.Context, identity models.Identity) error
	SetOnline(ctx context.Context, id string, online bool, lastSeen time.Time) error
	SetPushSubscription(ctx context.Context, id, subscription string) error
}

// Store bundles the three stores a backend provides.
type Store interface {
	ConversationStore
	MessageStore
	IdentityStore
	Close(ctx context.Context) error
}
