package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"dmhub/internal/hub"
	"dmhub/internal/models"
	"dmhub/internal/protocol"

	"github.com/google/uuid"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type eventHub interface {
	Authenticate(ctx context.Context, connID string, out chan<- protocol.ServerEvent, p protocol.AuthenticatePayload) (hub.Client, error)
	Disconnect(ctx context.Context, client hub.Client)
	Heartbeat(ctx context.Context, client hub.Client)
	SendDirectMessage(ctx context.Context, client hub.Client, p protocol.SendMessagePayload) error
	Typing(ctx context.Context, client hub.Client, p protocol.TypingPayload) error
	MarkRead(ctx context.Context, client hub.Client, p protocol.MarkAsReadPayload) error
}

type sessionState int

const (
	stateConnected sessionState = iota
	stateAuthenticating
	stateActive
	stateClosed
)

const (
	disconnectTimeout = 5 * time.Second

	// heartbeatInterval must stay well under the presence registry TTL so
	// an entry never lapses while its connection is healthy.
	heartbeatInterval = 20 * time.Second
)

// Session wraps one socket's lifecycle: it pumps client events in and
// server events out, and gates everything but authenticate until the
// handshake succeeds.
type Session struct {
	ws     wsConnection
	hub    eventHub
	connID string

	state  sessionState
	client hub.Client

	fromClient     chan protocol.ClientEvent
	fromServer     chan protocol.ServerEvent
	errorCh        chan error
	heartbeatEvery time.Duration
}

func NewSession(h eventHub, ws wsConnection) *Session {
	connID := uuid.NewString()
	return &Session{
		ws:             ws,
		hub:            h,
		connID:         connID,
		client:         hub.Client{ConnID: connID},
		state:          stateConnected,
		fromClient:     make(chan protocol.ClientEvent),
		fromServer:     make(chan protocol.ServerEvent, 64),
		errorCh:        make(chan error, 2),
		heartbeatEvery: heartbeatInterval,
	}
}

func (s *Session) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		s.state = stateClosed
		// Presence cleanup must run even when ctx is already cancelled.
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), disconnectTimeout)
		s.hub.Disconnect(cleanupCtx, s.client)
		cleanupCancel()
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		s.errorCh <- s.pumpEvents(ctx)
		cancel()
	})

	wg.Go(func() {
		s.errorCh <- s.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-s.errorCh:
	case <-ctx.Done():
	}
	s.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (s *Session) pumpEvents(ctx context.Context) error {
	for {
		var ev protocol.ClientEvent
		if err := s.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case s.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) mainLoop(ctx context.Context) error {
	heartbeat := time.NewTicker(s.heartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case ev := <-s.fromClient:
			if err := s.processClientEvent(ctx, ev); err != nil {
				return err
			}
		case ev := <-s.fromServer:
			if err := s.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-heartbeat.C:
			if s.state == stateActive {
				s.hub.Heartbeat(ctx, s.client)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processClientEvent runs on the mainLoop goroutine, so client events from
// one connection are handled strictly in arrival order.
func (s *Session) processClientEvent(ctx context.Context, ev protocol.ClientEvent) error {
	switch ev.Type {
	case protocol.ClientAuthenticate:
		return s.handleAuthenticate(ctx, ev)
	case protocol.ClientSendDirectMessage:
		return s.handleSendMessage(ctx, ev)
	case protocol.ClientTyping:
		return s.handleTyping(ctx, ev)
	case protocol.ClientMarkAsRead:
		return s.handleMarkRead(ctx, ev)
	default:
		return s.sendError("unknown event")
	}
}

func (s *Session) handleAuthenticate(ctx context.Context, ev protocol.ClientEvent) error {
	if s.state == stateActive {
		return s.sendError("already authenticated")
	}
	s.state = stateAuthenticating

	p, err := ev.DecodeAuthenticate()
	if err != nil {
		s.state = stateConnected
		return s.sendError("displayName is required")
	}

	client, err := s.hub.Authenticate(ctx, s.connID, s.fromServer, p)
	if err != nil {
		s.state = stateConnected
		slog.Error("authentication failed", "conn_id", s.connID, "error", err)
		return s.sendError("failed to authenticate")
	}

	s.client = client
	s.state = stateActive
	return nil
}

func (s *Session) handleSendMessage(ctx context.Context, ev protocol.ClientEvent) error {
	if s.state != stateActive {
		return s.sendError("not authenticated")
	}

	p, err := ev.DecodeSendMessage()
	if err != nil {
		return s.sendError(clientMessage(err))
	}

	if err := s.hub.SendDirectMessage(ctx, s.client, p); err != nil {
		slog.Error("failed to send message", "conn_id", s.connID, "error", err)
		return s.sendError(clientMessage(err))
	}
	return nil
}

func (s *Session) handleTyping(ctx context.Context, ev protocol.ClientEvent) error {
	if s.state != stateActive {
		return nil // UI hint from an unauthenticated socket, drop it
	}

	p, err := ev.DecodeTyping()
	if err != nil {
		return nil
	}

	if err := s.hub.Typing(ctx, s.client, p); err != nil {
		slog.Debug("typing relay failed", "conn_id", s.connID, "error", err)
	}
	return nil
}

func (s *Session) handleMarkRead(ctx context.Context, ev protocol.ClientEvent) error {
	if s.state != stateActive {
		return s.sendError("not authenticated")
	}

	p, err := ev.DecodeMarkAsRead()
	if err != nil {
		return s.sendError(clientMessage(err))
	}

	if err := s.hub.MarkRead(ctx, s.client, p); err != nil {
		slog.Error("failed to mark message read", "conn_id", s.connID, "error", err)
		return s.sendError(clientMessage(err))
	}
	return nil
}

// sendError emits an error event and keeps the connection open. It runs on
// the mainLoop goroutine, which owns all writes to the socket.
func (s *Session) sendError(message string) error {
	return s.ws.WriteJSON(protocol.Error(message))
}

// clientMessage maps internal errors onto the messages clients see.
// Store internals never leak to the wire.
func clientMessage(err error) string {
	switch {
	case errors.Is(err, models.ErrAuthenticationRequired):
		return "User not authenticated"
	case errors.Is(err, models.ErrSelfMessage):
		return "Cannot send a message to yourself"
	case errors.Is(err, models.ErrInvalidPayload):
		return "Invalid request"
	default:
		return "Failed to process request"
	}
}
