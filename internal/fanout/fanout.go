// Package fanout delivers server events to connection locations. A location
// owned by this process gets the event on the connection's outbound channel;
// a location owned by another instance gets it through a valkey pub/sub
// channel keyed by that instance id. Delivery is best-effort: a full
// outbound buffer drops the event rather than blocking the pipeline.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"dmhub/internal/models"
	"dmhub/internal/protocol"

	"github.com/valkey-io/valkey-go"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	instanceChannelPrefix = "fanout:inst:"
	broadcastChannel      = "fanout:broadcast"
)

// envelope is the cross-instance wire format. The event travels as JSON so
// the receiving instance writes exactly what the sender built.
type envelope struct {
	Origin  string `msgpack:"origin"`
	ConnID  string `msgpack:"connId,omitempty"`  // empty for broadcasts
	Exclude string `msgpack:"exclude,omitempty"` // broadcast: skip this connection
	Event   []byte `msgpack:"event"`
}

type Adapter struct {
	client   valkey.Client
	instance string

	mu    sync.RWMutex
	local map[string]chan<- protocol.ServerEvent
}

func NewAdapter(client valkey.Client, instanceID string) *Adapter {
	return &Adapter{
		client:   client,
		instance: instanceID,
		local:    make(map[string]chan<- protocol.ServerEvent),
	}
}

// Attach makes a local connection reachable for delivery.
func (a *Adapter) Attach(connID string, out chan<- protocol.ServerEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.local[connID] = out
}

func (a *Adapter) Detach(connID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.local, connID)
}

// Deliver routes one event to one location. For a remote location, a
// successful publish to the owning instance's channel counts as delivered.
func (a *Adapter) Deliver(ctx context.Context, loc models.Location, ev protocol.ServerEvent) error {
	if loc.InstanceID == a.instance {
		if !a.deliverLocal(loc.ConnID, ev) {
			return fmt.Errorf("connection %s not reachable", loc.ConnID)
		}
		return nil
	}
	return a.publish(ctx, instanceChannelPrefix+loc.InstanceID, envelope{
		Origin: a.instance,
		ConnID: loc.ConnID,
	}, ev)
}

// Broadcast fans an event out to every live connection on every instance,
// optionally excluding one connection (typically the originator).
func (a *Adapter) Broadcast(ctx context.Context, ev protocol.ServerEvent, excludeConnID string) error {
	a.broadcastLocal(ev, excludeConnID)
	return a.publish(ctx, broadcastChannel, envelope{
		Origin:  a.instance,
		Exclude: excludeConnID,
	}, ev)
}

// Run subscribes to this instance's channel and the broadcast channel and
// dispatches incoming envelopes to local connections. It blocks until the
// context is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	return a.client.Receive(ctx, a.client.B().Subscribe().
		Channel(instanceChannelPrefix+a.instance, broadcastChannel).
		Build(), a.handleMessage)
}

func (a *Adapter) handleMessage(m valkey.PubSubMessage) {
	var env envelope
	if err := msgpack.Unmarshal([]byte(m.Message), &env); err != nil {
		slog.Error("fanout: bad envelope", "channel", m.Channel, "error", err)
		return
	}

	// Broadcasts are already applied locally before publishing.
	if env.ConnID == "" && env.Origin == a.instance {
		return
	}

	var ev protocol.ServerEvent
	if err := json.Unmarshal(env.Event, &ev); err != nil {
		slog.Error("fanout: bad event payload", "channel", m.Channel, "error", err)
		return
	}

	if env.ConnID != "" {
		if !a.deliverLocal(env.ConnID, ev) {
			slog.Debug("fanout: connection gone", "conn_id", env.ConnID, "event", ev.Type)
		}
		return
	}
	a.broadcastLocal(ev, env.Exclude)
}

func (a *Adapter) publish(ctx context.Context, channel string, env envelope, ev protocol.ServerEvent) error {
	eventData, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	env.Event = eventData

	data, err := msgpack.Marshal(&env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	err = a.client.Do(ctx, a.client.B().Publish().
		Channel(channel).
		Message(string(data)).
		Build()).Error()
	if err != nil {
		return fmt.Errorf("%w: fanout publish: %v", models.ErrStoreUnavailable, err)
	}
	return nil
}

func (a *Adapter) deliverLocal(connID string, ev protocol.ServerEvent) bool {
	a.mu.RLock()
	ch, ok := a.local[connID]
	a.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case ch <- ev:
		return true
	default:
		// Slow consumer: drop instead of stalling the pipeline.
		return false
	}
}

func (a *Adapter) broadcastLocal(ev protocol.ServerEvent, excludeConnID string) {
	a.mu.RLock()
	targets := make(map[string]chan<- protocol.ServerEvent, len(a.local))
	for connID, ch := range a.local {
		if connID == excludeConnID {
			continue
		}
		targets[connID] = ch
	}
	a.mu.RUnlock()

	for connID, ch := range targets {
		select {
		case ch <- ev:
		default:
			slog.Debug("fanout: dropping broadcast for slow connection", "conn_id", connID)
		}
	}
}
