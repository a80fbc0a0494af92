package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"worshiproom/core/room"

	"github.com/go-redis/redis/v8"
)

const (
	roomSnapshotKey = "room:%s:snapshot"     // String: latest Snapshot JSON
	roomPresenceKey = "room:%s:presence:%s"  // String: heartbeat of one user
	roomPresenceSet = "room:%s:online_users" // Set: users with a heartbeat key
	roomTTL         = 24 * time.Hour
	presenceTTL     = 60 * time.Second
)

// RoomCache mirrors room snapshots and client presence into Redis so other
// processes can serve read-only room state.
type RoomCache struct {
	client *redis.Client
}

// NewRoomCache wraps client.
func NewRoomCache(client *redis.Client) *RoomCache {
	return &RoomCache{client: client}
}

// ========== Snapshots ==========

// StoreSnapshot overwrites the cached snapshot unless the cached one is newer.
func (c *RoomCache) StoreSnapshot(ctx context.Context, snap *room.Snapshot) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	if snap == nil || snap.Room == nil {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	key := fmt.Sprintf(roomSnapshotKey, snap.Room.ID)

	return c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			var cached struct {
				Seq uint64 `json:"seq"`
			}
			if json.Unmarshal(current, &cached) == nil && cached.Seq > snap.Seq {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, roomTTL)
			return nil
		})
		return err
	}, key)
}

// GetSnapshot returns the cached snapshot, or nil when there is none.
func (c *RoomCache) GetSnapshot(ctx context.Context, roomID string) (*room.Snapshot, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}
	data, err := c.client.Get(ctx, fmt.Sprintf(roomSnapshotKey, roomID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var snap room.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// DeleteRoom drops every key of a room.
func (c *RoomCache) DeleteRoom(ctx context.Context, roomID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	onlineSetKey := fmt.Sprintf(roomPresenceSet, roomID)
	users, err := c.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	keys := []string{fmt.Sprintf(roomSnapshotKey, roomID), onlineSetKey}
	for _, userID := range users {
		keys = append(keys, fmt.Sprintf(roomPresenceKey, roomID, userID))
	}
	return c.client.Del(ctx, keys...).Err()
}

// ========== Presence ==========

// TouchPresence records a heartbeat from userID.
func (c *RoomCache) TouchPresence(ctx context.Context, roomID, userID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	presenceKey := fmt.Sprintf(roomPresenceKey, roomID, userID)
	onlineSetKey := fmt.Sprintf(roomPresenceSet, roomID)

	pipe := c.client.Pipeline()
	pipe.Set(ctx, presenceKey, time.Now().UnixMilli(), presenceTTL)
	pipe.SAdd(ctx, onlineSetKey, userID)
	pipe.Expire(ctx, onlineSetKey, roomTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RemovePresence forgets userID's heartbeat.
func (c *RoomCache) RemovePresence(ctx context.Context, roomID, userID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	pipe := c.client.Pipeline()
	pipe.Del(ctx, fmt.Sprintf(roomPresenceKey, roomID, userID))
	pipe.SRem(ctx, fmt.Sprintf(roomPresenceSet, roomID), userID)
	_, err := pipe.Exec(ctx)
	return err
}

// OnlineUsers returns users whose heartbeat has not expired and prunes the
// rest from the online set.
func (c *RoomCache) OnlineUsers(ctx context.Context, roomID string) ([]string, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}
	onlineSetKey := fmt.Sprintf(roomPresenceSet, roomID)
	members, err := c.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, err
	}

	var (
		online  []string
		expired []interface{}
	)
	for _, userID := range members {
		exists, err := c.client.Exists(ctx, fmt.Sprintf(roomPresenceKey, roomID, userID)).Result()
		if err != nil {
			continue
		}
		if exists > 0 {
			online = append(online, userID)
		} else {
			expired = append(expired, userID)
		}
	}
	if len(expired) > 0 {
		c.client.SRem(ctx, onlineSetKey, expired...)
	}
	return online, nil
}
