// Package presence is the shared registry of live connections. It is the
// single source of truth for "who is online and where": every instance
// reads and writes the same valkey keys, so routing decisions stay correct
// when several instances serve the same user population.
package presence

import (
	"context"
	"fmt"
	"time"

	"dmhub/internal/models"

	"github.com/valkey-io/valkey-go"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	userKeyPrefix = "presence:user:"
	connKeyPrefix = "presence:conn:"

	// DefaultTTL bounds how long an entry outlives its last heartbeat.
	DefaultTTL = 60 * time.Second
)

type Registry struct {
	client valkey.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewRegistry(client valkey.Client, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{client: client, ttl: ttl, now: time.Now}
}

// Register upserts a presence entry for one connection. A user may hold
// several entries at once (multiple devices or tabs). The hash entry and
// the reverse connection key are written in one MULTI/EXEC transaction so
// a crash mid-registration cannot leave an entry Unregister will never
// find. Both keys carry the registry TTL; the owning session re-registers
// periodically to keep them alive, so entries of a crashed instance expire
// instead of stranding the user as online.
func (r *Registry) Register(ctx context.Context, entry models.PresenceEntry) error {
	entry.HeartbeatAt = r.now().Unix()
	data, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("failed to marshal presence entry: %w", err)
	}

	userKey := userKeyPrefix + entry.UserID
	ttlSec := int64(r.ttl.Seconds())

	results := r.client.DoMulti(ctx,
		r.client.B().Multi().Build(),
		r.client.B().Hset().
			Key(userKey).
			FieldValue().FieldValue(entry.ConnID, string(data)).
			Build(),
		r.client.B().Expire().Key(userKey).Seconds(ttlSec).Build(),
		r.client.B().Set().
			Key(connKeyPrefix+entry.ConnID).
			Value(entry.UserID).
			ExSeconds(ttlSec).
			Build(),
		r.client.B().Exec().Build(),
	)
	for _, resp := range results {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("%w: presence register: %v", models.ErrStoreUnavailable, err)
		}
	}

	return nil
}

// Unregister removes the entry for one connection and reports how many live
// connections remain for that user. Only the instance owning the connection
// calls this, so the read-then-delete on the reverse key does not race.
// A remaining count of zero means the user just went offline.
func (r *Registry) Unregister(ctx context.Context, connID string) (models.PresenceEntry, int64, error) {
	userID, err := r.client.Do(ctx, r.client.B().Get().
		Key(connKeyPrefix+connID).
		Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return models.PresenceEntry{}, 0, models.ErrNotFound
		}
		return models.PresenceEntry{}, 0, fmt.Errorf("%w: presence unregister: %v", models.ErrStoreUnavailable, err)
	}

	var entry models.PresenceEntry
	data, err := r.client.Do(ctx, r.client.B().Hget().
		Key(userKeyPrefix+userID).
		Field(connID).
		Build()).AsBytes()
	if err == nil {
		if err := msgpack.Unmarshal(data, &entry); err != nil {
			return models.PresenceEntry{}, 0, fmt.Errorf("failed to unmarshal presence entry: %w", err)
		}
	} else if !valkey.IsValkeyNil(err) {
		return models.PresenceEntry{}, 0, fmt.Errorf("%w: presence unregister: %v", models.ErrStoreUnavailable, err)
	}

	results := r.client.DoMulti(ctx,
		r.client.B().Multi().Build(),
		r.client.B().Hdel().Key(userKeyPrefix+userID).Field(connID).Build(),
		r.client.B().Del().Key(connKeyPrefix+connID).Build(),
		r.client.B().Exec().Build(),
	)
	for _, resp := range results {
		if err := resp.Error(); err != nil {
			return models.PresenceEntry{}, 0, fmt.Errorf("%w: presence unregister: %v", models.ErrStoreUnavailable, err)
		}
	}

	remaining, err := r.liveEntries(ctx, userID)
	if err != nil {
		return entry, 0, err
	}

	return entry, int64(len(remaining)), nil
}

// Locate returns every live location of a user, each carrying the owning
// instance id so the fan-out adapter can route cross-instance.
func (r *Registry) Locate(ctx context.Context, userID string) ([]models.Location, error) {
	entries, err := r.liveEntries(ctx, userID)
	if err != nil {
		return nil, err
	}

	locations := make([]models.Location, 0, len(entries))
	for _, entry := range entries {
		locations = append(locations, models.Location{
			InstanceID: entry.InstanceID,
			ConnID:     entry.ConnID,
		})
	}
	return locations, nil
}

// Count returns the number of live connections for a user.
func (r *Registry) Count(ctx context.Context, userID string) (int64, error) {
	entries, err := r.liveEntries(ctx, userID)
	if err != nil {
		return 0, err
	}
	return int64(len(entries)), nil
}

func (r *Registry) liveEntries(ctx context.Context, userID string) ([]models.PresenceEntry, error) {
	raw, err := r.client.Do(ctx, r.client.B().Hgetall().
		Key(userKeyPrefix+userID).
		Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("%w: presence lookup: %v", models.ErrStoreUnavailable, err)
	}
	return filterLive(raw, r.now(), r.ttl)
}

// filterLive decodes a presence hash and drops entries whose heartbeat
// lapsed. The user hash expires as a whole only when every connection stops
// heartbeating, so individual stale fields (a crashed instance's leftovers
// kept alive by another live connection of the same user) are filtered here.
func filterLive(raw map[string]string, now time.Time, ttl time.Duration) ([]models.PresenceEntry, error) {
	cutoff := now.Add(-ttl).Unix()

	entries := make([]models.PresenceEntry, 0, len(raw))
	for _, data := range raw {
		var entry models.PresenceEntry
		if err := msgpack.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal presence entry: %w", err)
		}
		if entry.HeartbeatAt < cutoff {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
