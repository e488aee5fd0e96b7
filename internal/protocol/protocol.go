// Package protocol defines the client-facing event protocol: a tagged union
// of request variants validated at the boundary, and constructors for every
// event the server emits. Unknown or malformed shapes are rejected before
// they reach delivery logic.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"dmhub/internal/models"
)

type ClientEventType string

const (
	ClientAuthenticate      ClientEventType = "authenticate"
	ClientSendDirectMessage ClientEventType = "sendDirectMessage"
	ClientTyping            ClientEventType = "typing"
	ClientMarkAsRead        ClientEventType = "markAsRead"
)

// ClientEvent is the wire shape of every client request. The payload stays
// raw until the event type selects the variant to decode into.
type ClientEvent struct {
	Type    ClientEventType `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type AuthenticatePayload struct {
	DisplayName string `json:"displayName"`
	UserID      string `json:"userId,omitempty"`
}

type SendMessagePayload struct {
	RecipientID string `json:"recipientId"`
	Message     string `json:"message"`
	MessageType string `json:"messageType,omitempty"`
	FileURL     string `json:"fileUrl,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
}

type TypingPayload struct {
	RecipientID string `json:"recipientId"`
	IsTyping    bool   `json:"isTyping"`
}

type MarkAsReadPayload struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
}

// DecodeAuthenticate validates and decodes an authenticate payload.
// A display name is required; the user id is optional.
func (e ClientEvent) DecodeAuthenticate() (AuthenticatePayload, error) {
	var p AuthenticatePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	if p.DisplayName == "" {
		return p, fmt.Errorf("%w: displayName is required", models.ErrInvalidPayload)
	}
	return p, nil
}

// DecodeSendMessage validates and decodes a sendDirectMessage payload.
func (e ClientEvent) DecodeSendMessage() (SendMessagePayload, error) {
	var p SendMessagePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	if p.RecipientID == "" {
		return p, fmt.Errorf("%w: recipientId is required", models.ErrInvalidPayload)
	}
	if p.Message == "" {
		return p, fmt.Errorf("%w: message is required", models.ErrInvalidPayload)
	}
	if len(p.Message) > models.MaxContentLength {
		return p, fmt.Errorf("%w: message exceeds %d characters", models.ErrInvalidPayload, models.MaxContentLength)
	}
	if p.MessageType == "" {
		p.MessageType = string(models.MessageTypeText)
	}
	if !models.ValidMessageType(models.MessageType(p.MessageType)) {
		return p, fmt.Errorf("%w: unknown messageType %q", models.ErrInvalidPayload, p.MessageType)
	}
	return p, nil
}

// DecodeTyping validates and decodes a typing payload.
func (e ClientEvent) DecodeTyping() (TypingPayload, error) {
	var p TypingPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	if p.RecipientID == "" {
		return p, fmt.Errorf("%w: recipientId is required", models.ErrInvalidPayload)
	}
	return p, nil
}

// DecodeMarkAsRead validates and decodes a markAsRead payload.
func (e ClientEvent) DecodeMarkAsRead() (MarkAsReadPayload, error) {
	var p MarkAsReadPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	if p.MessageID == "" {
		return p, fmt.Errorf("%w: messageId is required", models.ErrInvalidPayload)
	}
	return p, nil
}

type ServerEventType string

const (
	ServerAuthenticated    ServerEventType = "authenticated"
	ServerUserOnline       ServerEventType = "userOnline"
	ServerUserOffline      ServerEventType = "userOffline"
	ServerNewDirectMessage ServerEventType = "newDirectMessage"
	ServerMessageSent      ServerEventType = "messageSent"
	ServerUserTyping       ServerEventType = "userTyping"
	ServerMessageRead      ServerEventType = "messageRead"
	ServerError            ServerEventType = "error"
)

// ServerEvent is the wire shape of every event emitted to clients.
type ServerEvent struct {
	Type    ServerEventType `json:"event"`
	Payload any             `json:"payload,omitempty"`
}

// MessagePayload is the flat message shape carried by newDirectMessage and
// messageSent events.
type MessagePayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	SenderUsername string `json:"senderUsername"`
	RecipientID    string `json:"recipientId"`
	Message        string `json:"message"`
	MessageType    string `json:"messageType"`
	Timestamp      string `json:"timestamp"`
	Status         string `json:"status"`
}

// NewMessagePayload flattens a persisted message for the wire, overriding
// the status field so sender ack and recipient copy can differ.
func NewMessagePayload(m models.Message, senderUsername string, status models.MessageStatus) MessagePayload {
	return MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderUsername: senderUsername,
		RecipientID:    m.RecipientID,
		Message:        m.Content,
		MessageType:    string(m.Type),
		Timestamp:      m.CreatedAt.UTC().Format(time.RFC3339),
		Status:         string(status),
	}
}

type PresencePayload struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsOnline bool   `json:"isOnline"`
	LastSeen string `json:"lastSeen,omitempty"`
}

type TypingNotice struct {
	SenderID       string `json:"senderId"`
	SenderUsername string `json:"senderUsername"`
	IsTyping       bool   `json:"isTyping"`
}

type ReadNotice struct {
	MessageID string `json:"messageId"`
	ReadBy    string `json:"readBy"`
	ReadAt    string `json:"readAt"`
}

type AuthenticatedUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func Authenticated(id, username string) ServerEvent {
	return ServerEvent{Type: ServerAuthenticated, Payload: struct {
		User AuthenticatedUser `json:"user"`
	}{User: AuthenticatedUser{ID: id, Username: username}}}
}

func UserOnline(id, username string) ServerEvent {
	return ServerEvent{Type: ServerUserOnline, Payload: PresencePayload{
		ID: id, Username: username, IsOnline: true,
	}}
}

func UserOffline(id, username string, lastSeen time.Time) ServerEvent {
	return ServerEvent{Type: ServerUserOffline, Payload: PresencePayload{
		ID: id, Username: username, IsOnline: false,
		LastSeen: lastSeen.UTC().Format(time.RFC3339),
	}}
}

func NewDirectMessage(p MessagePayload) ServerEvent {
	return ServerEvent{Type: ServerNewDirectMessage, Payload: p}
}

func MessageSent(p MessagePayload) ServerEvent {
	return ServerEvent{Type: ServerMessageSent, Payload: p}
}

func UserTyping(senderID, senderUsername string, isTyping bool) ServerEvent {
	return ServerEvent{Type: ServerUserTyping, Payload: TypingNotice{
		SenderID: senderID, SenderUsername: senderUsername, IsTyping: isTyping,
	}}
}

func MessageRead(messageID, readBy string, readAt time.Time) ServerEvent {
	return ServerEvent{Type: ServerMessageRead, Payload: ReadNotice{
		MessageID: messageID, ReadBy: readBy,
		ReadAt: readAt.UTC().Format(time.RFC3339),
	}}
}

func Error(message string) ServerEvent {
	return ServerEvent{Type: ServerError, Payload: struct {
		Message string `json:"message"`
	}{Message: message}}
}
