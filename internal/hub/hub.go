// Package hub is the message delivery core: it decides where a recipient is
// reachable, fans events out locally or cross-instance, reconciles delivery
// state, and falls back to a push notification when nobody is listening.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dmhub/internal/content"
	"dmhub/internal/models"
	"dmhub/internal/protocol"
	"dmhub/internal/push"
	"dmhub/internal/storage"

	"github.com/c-pro/geche"
)

// PresenceRegistry is the shared source of truth for live connections.
type PresenceRegistry interface {
	Register(ctx context.Context, entry models.PresenceEntry) error
	Unregister(ctx context.Context, connID string) (models.PresenceEntry, int64, error)
	Locate(ctx context.Context, userID string) ([]models.Location, error)
	Count(ctx context.Context, userID string) (int64, error)
}

// Fanout delivers events to connection locations, local or remote.
type Fanout interface {
	Attach(connID string, out chan<- protocol.ServerEvent)
	Detach(connID string)
	Deliver(ctx context.Context, loc models.Location, ev protocol.ServerEvent) error
	Broadcast(ctx context.Context, ev protocol.ServerEvent, excludeConnID string) error
}

// Client identifies an authenticated session inside the hub. UserID is empty
// for anonymous sessions, which are visible in presence broadcasts under
// their connection id but cannot send or read messages.
type Client struct {
	ConnID          string
	UserID          string
	DisplayName     string
	AuthenticatedAt int64
}

// routableID returns the id the client is registered under in the presence
// registry: the real identity when known, the connection id otherwise.
func (c Client) routableID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.ConnID
}

type Config struct {
	InstanceID  string
	IdentityTTL time.Duration
	PushTimeout time.Duration
}

type Hub struct {
	cfg Config

	registry      PresenceRegistry
	fan           Fanout
	conversations storage.ConversationStore
	messages      storage.MessageStore
	identities    storage.IdentityStore
	sender        push.Sender // nil when push is not configured

	identityCache geche.Geche[string, models.Identity]
	now           func() time.Time
}

func New(ctx context.Context, cfg Config, registry PresenceRegistry, fan Fanout, store storage.Store, sender push.Sender) *Hub {
	if cfg.IdentityTTL <= 0 {
		cfg.IdentityTTL = time.Minute
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 10 * time.Second
	}
	return &Hub{
		cfg:           cfg,
		registry:      registry,
		fan:           fan,
		conversations: store,
		messages:      store,
		identities:    store,
		sender:        sender,
		identityCache: geche.NewMapTTLCache[string, models.Identity](ctx, cfg.IdentityTTL, cfg.IdentityTTL),
		now:           time.Now,
	}
}

// Authenticate binds a connection to an identity, registers it in the
// presence registry, acks the client and broadcasts an online notice. The
// notice is suppressed when the user already has another live connection,
// so a second tab does not spam everyone with duplicate onlines.
func (h *Hub) Authenticate(ctx context.Context, connID string, out chan<- protocol.ServerEvent, p protocol.AuthenticatePayload) (Client, error) {
	client := Client{
		ConnID:          connID,
		UserID:          p.UserID,
		DisplayName:     content.SanitizeName(p.DisplayName),
		AuthenticatedAt: h.now().Unix(),
	}
	if client.DisplayName == "" {
		return Client{}, fmt.Errorf("%w: displayName is required", models.ErrInvalidPayload)
	}

	routable := client.routableID()

	alreadyOnline, err := h.registry.Count(ctx, routable)
	if err != nil {
		return Client{}, err
	}

	h.fan.Attach(connID, out)

	if err := h.registry.Register(ctx, h.presenceEntry(client)); err != nil {
		h.fan.Detach(connID)
		return Client{}, err
	}

	if client.UserID != "" {
		if err := h.identities.SetOnline(ctx, client.UserID, true, h.now()); err != nil {
			slog.Warn("failed to persist online state", "user_id", client.UserID, "error", err)
		}
	}

	h.deliverSelf(ctx, client, protocol.Authenticated(routable, client.DisplayName))

	if alreadyOnline == 0 {
		if err := h.fan.Broadcast(ctx, protocol.UserOnline(routable, client.DisplayName), connID); err != nil {
			slog.Warn("failed to broadcast online notice", "user_id", routable, "error", err)
		}
	}

	slog.Info("session authenticated", "conn_id", connID, "user_id", client.UserID, "display_name", client.DisplayName)
	return client, nil
}

// Disconnect removes the connection from the presence registry. When it was
// the user's last live connection the user goes offline: one offline
// broadcast, and the durable identity record is stamped with last-seen.
func (h *Hub) Disconnect(ctx context.Context, client Client) {
	h.fan.Detach(client.ConnID)

	entry, remaining, err := h.registry.Unregister(ctx, client.ConnID)
	if errors.Is(err, models.ErrNotFound) {
		return // never authenticated
	}
	if err != nil {
		slog.Error("failed to unregister presence", "conn_id", client.ConnID, "error", err)
		return
	}

	if remaining > 0 {
		return
	}

	now := h.now()
	if client.UserID != "" {
		if err := h.identities.SetOnline(ctx, client.UserID, false, now); err != nil {
			slog.Warn("failed to persist offline state", "user_id", client.UserID, "error", err)
		}
	}

	if err := h.fan.Broadcast(ctx, protocol.UserOffline(entry.UserID, entry.DisplayName, now), client.ConnID); err != nil {
		slog.Warn("failed to broadcast offline notice", "user_id", entry.UserID, "error", err)
	}

	slog.Info("session disconnected", "conn_id", client.ConnID, "user_id", client.UserID)
}

// Heartbeat re-registers the session's presence entry, refreshing its TTL
// in the shared registry. Without it the entry lapses and the user stops
// being routable, which is exactly what should happen to entries of a
// crashed instance.
func (h *Hub) Heartbeat(ctx context.Context, client Client) {
	if client.DisplayName == "" {
		return // never authenticated
	}
	if err := h.registry.Register(ctx, h.presenceEntry(client)); err != nil {
		slog.Warn("presence heartbeat failed", "conn_id", client.ConnID, "error", err)
	}
}

func (h *Hub) presenceEntry(client Client) models.PresenceEntry {
	return models.PresenceEntry{
		UserID:          client.routableID(),
		ConnID:          client.ConnID,
		InstanceID:      h.cfg.InstanceID,
		DisplayName:     client.DisplayName,
		AuthenticatedAt: client.AuthenticatedAt,
	}
}

// SendDirectMessage runs the delivery pipeline: resolve the canonical
// conversation, persist with status "sent", fan out to every live location
// of the recipient, stamp delivered state, or fall back to a push
// notification. The sender ack always carries the final status.
func (h *Hub) SendDirectMessage(ctx context.Context, client Client, p protocol.SendMessagePayload) error {
	if client.UserID == "" {
		return models.ErrAuthenticationRequired
	}
	if p.RecipientID == client.UserID {
		return models.ErrSelfMessage
	}

	conv, err := h.conversations.FindOrCreate(ctx, client.UserID, p.RecipientID)
	if err != nil {
		return err
	}

	msg := models.Message{
		ConversationID: conv.ID,
		SenderID:       client.UserID,
		RecipientID:    p.RecipientID,
		Content:        content.SanitizeMessage(p.Message),
		Type:           models.MessageType(p.MessageType),
		FileURL:        p.FileURL,
		FileName:       p.FileName,
		FileSize:       p.FileSize,
	}
	// A failed write means no ack: the caller surfaces an error event and
	// the client may retry.
	if err := h.messages.Insert(ctx, &msg); err != nil {
		return err
	}

	locations, err := h.registry.Locate(ctx, p.RecipientID)
	if err != nil {
		slog.Error("failed to locate recipient", "recipient_id", p.RecipientID, "error", err)
		locations = nil
	}

	status := models.MessageStatusSent
	if len(locations) > 0 {
		recipientEv := protocol.NewDirectMessage(
			protocol.NewMessagePayload(msg, client.DisplayName, models.MessageStatusDelivered))

		delivered := false
		for _, loc := range locations {
			if err := h.fan.Deliver(ctx, loc, recipientEv); err != nil {
				slog.Warn("delivery to location failed",
					"recipient_id", p.RecipientID,
					"instance_id", loc.InstanceID,
					"conn_id", loc.ConnID,
					"error", err)
				continue
			}
			delivered = true
		}

		if delivered {
			now := h.now()
			if _, err := h.messages.MarkDelivered(ctx, msg.ID, now); err != nil {
				slog.Error("failed to mark message delivered", "message_id", msg.ID, "error", err)
			} else {
				status = models.MessageStatusDelivered
				msg.DeliveredAt = &now
			}
		}
	} else {
		h.notifyOffline(p.RecipientID, client.DisplayName, msg.Content)
	}

	h.deliverSelf(ctx, client, protocol.MessageSent(
		protocol.NewMessagePayload(msg, client.DisplayName, status)))

	slog.Info("direct message routed",
		"message_id", msg.ID,
		"conversation_id", conv.ID,
		"sender_id", client.UserID,
		"recipient_id", p.RecipientID,
		"status", string(status))
	return nil
}

// Typing relays a typing indicator to the recipient's live locations.
// Nothing is persisted and an unreachable recipient drops the signal.
func (h *Hub) Typing(ctx context.Context, client Client, p protocol.TypingPayload) error {
	if client.UserID == "" {
		return models.ErrAuthenticationRequired
	}

	locations, err := h.registry.Locate(ctx, p.RecipientID)
	if err != nil {
		return err
	}

	ev := protocol.UserTyping(client.UserID, client.DisplayName, p.IsTyping)
	for _, loc := range locations {
		if err := h.fan.Deliver(ctx, loc, ev); err != nil {
			slog.Debug("typing relay dropped", "recipient_id", p.RecipientID, "error", err)
		}
	}
	return nil
}

// MarkRead transitions a message to "seen" and notifies the original
// sender's live locations. Re-reading an already seen message is a no-op.
func (h *Hub) MarkRead(ctx context.Context, client Client, p protocol.MarkAsReadPayload) error {
	if client.UserID == "" {
		return models.ErrAuthenticationRequired
	}

	msg, err := h.messages.Get(ctx, p.MessageID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: unknown messageId", models.ErrInvalidPayload)
		}
		return err
	}
	if msg.RecipientID != client.UserID {
		return fmt.Errorf("%w: message was not addressed to reader", models.ErrInvalidPayload)
	}

	now := h.now()
	changed, err := h.messages.MarkSeen(ctx, p.MessageID, now)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	locations, err := h.registry.Locate(ctx, msg.SenderID)
	if err != nil {
		slog.Debug("read receipt relay skipped", "sender_id", msg.SenderID, "error", err)
		return nil
	}

	ev := protocol.MessageRead(p.MessageID, client.UserID, now)
	for _, loc := range locations {
		if err := h.fan.Deliver(ctx, loc, ev); err != nil {
			slog.Debug("read receipt relay dropped", "sender_id", msg.SenderID, "error", err)
		}
	}
	return nil
}

// deliverSelf sends an event back to the originating connection.
func (h *Hub) deliverSelf(ctx context.Context, client Client, ev protocol.ServerEvent) {
	loc := models.Location{InstanceID: h.cfg.InstanceID, ConnID: client.ConnID}
	if err := h.fan.Deliver(ctx, loc, ev); err != nil {
		slog.Debug("self delivery dropped", "conn_id", client.ConnID, "event", ev.Type)
	}
}

// notifyOffline fires a push notification for an unreachable recipient.
// The call is detached from the request context so a disconnect mid-flight
// does not cancel it; failures are logged and swallowed.
func (h *Hub) notifyOffline(recipientID, senderName, body string) {
	if h.sender == nil {
		return
	}

	identity, err := h.identity(context.Background(), recipientID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Warn("push skipped: identity lookup failed", "recipient_id", recipientID, "error", err)
		}
		return
	}
	if identity.PushSub == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PushTimeout)
		defer cancel()

		if err := h.sender.Send(ctx, identity.PushSub, senderName, body); err != nil {
			var deliveryErr *push.DeliveryError
			if errors.As(err, &deliveryErr) {
				slog.Warn("push delivery failed", "recipient_id", recipientID, "error", err)
				return
			}
			slog.Error("push send failed", "recipient_id", recipientID, "error", err)
		}
	}()
}

// identity reads an identity through the TTL cache.
func (h *Hub) identity(ctx context.Context, id string) (models.Identity, error) {
	if cached, err := h.identityCache.Get(id); err == nil {
		return cached, nil
	}
	identity, err := h.identities.GetIdentity(ctx, id)
	if err != nil {
		return models.Identity{}, err
	}
	h.identityCache.Set(id, identity)
	return identity, nil
}
