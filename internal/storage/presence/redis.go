// Package presence publishes which lobby node each authenticated player is connected to.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cory-johannsen/lobby/internal/config"
)

// Tracker marks players online and offline. connID identifies the connection
// that owns the claim, so only the newest connection of a player clears it.
type Tracker interface {
	Online(ctx context.Context, externalID, connID string) error
	Refresh(ctx context.Context, externalID, connID string) error
	Offline(ctx context.Context, externalID, connID string) error
	// Lookup reports the node holding the player's newest connection.
	Lookup(ctx context.Context, externalID string) (node string, online bool, err error)
	// Interval is how often Refresh must be called to keep a player online. Zero disables refresh.
	Interval() time.Duration
}

// Key returns the Redis key holding a player's owner.
func Key(externalID string) string { return "lobby:presence:" + externalID }

// ownerSep separates node and connection in a stored owner value.
const ownerSep = "/"

// deleteIfOwner removes the key only while it still names the given owner.
var deleteIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisTracker implements Tracker with one expiring key per player.
type RedisTracker struct {
	client *redis.Client
	nodeID string
	ttl    time.Duration
}

// NewRedisTracker connects to Redis and verifies it answers a ping.
//
// Precondition: cfg must have passed config validation with Enabled set; nodeID must be non-empty.
// Postcondition: Returns a ready tracker, or an error with the client closed.
func NewRedisTracker(ctx context.Context, cfg config.PresenceConfig, nodeID string) (*RedisTracker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Addr, err)
	}
	return &RedisTracker{client: client, nodeID: nodeID, ttl: cfg.TTL}, nil
}

func (t *RedisTracker) owner(connID string) string { return t.nodeID + ownerSep + connID }

// Online records connID on this node as the player's owner for one TTL.
// A later Online for the same player takes the claim over.
func (t *RedisTracker) Online(ctx context.Context, externalID, connID string) error {
	if err := t.client.Set(ctx, Key(externalID), t.owner(connID), t.ttl).Err(); err != nil {
		return fmt.Errorf("marking %s online: %w", externalID, err)
	}
	return nil
}

// Refresh rewrites the key with a fresh TTL. It re-creates an expired key.
func (t *RedisTracker) Refresh(ctx context.Context, externalID, connID string) error {
	if err := t.client.Set(ctx, Key(externalID), t.owner(connID), t.ttl).Err(); err != nil {
		return fmt.Errorf("refreshing %s: %w", externalID, err)
	}
	return nil
}

// Offline deletes the player's key if connID on this node still owns it.
func (t *RedisTracker) Offline(ctx context.Context, externalID, connID string) error {
	if err := deleteIfOwner.Run(ctx, t.client, []string{Key(externalID)}, t.owner(connID)).Err(); err != nil {
		return fmt.Errorf("marking %s offline: %w", externalID, err)
	}
	return nil
}

// Lookup returns the node a player is connected to.
//
// Postcondition: Returns ("", false, nil) when the player is not online.
func (t *RedisTracker) Lookup(ctx context.Context, externalID string) (string, bool, error) {
	owner, err := t.client.Get(ctx, Key(externalID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("looking up %s: %w", externalID, err)
	}
	node := owner
	if i := strings.LastIndex(owner, ownerSep); i >= 0 {
		node = owner[:i]
	}
	return node, true, nil
}

// Interval returns half the TTL.
func (t *RedisTracker) Interval() time.Duration { return t.ttl / 2 }

// Close releases the Redis client.
func (t *RedisTracker) Close() error { return t.client.Close() }

// NopTracker is used when presence is disabled.
type NopTracker struct{}

func (NopTracker) Online(context.Context, string, string) error  { return nil }
func (NopTracker) Refresh(context.Context, string, string) error { return nil }
func (NopTracker) Offline(context.Context, string, string) error { return nil }
func (NopTracker) Lookup(context.Context, string) (string, bool, error) {
	return "", false, nil
}
func (NopTracker) Interval() time.Duration { return 0 }
