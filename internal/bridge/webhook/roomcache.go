package webhook

import (
	"context"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/storage"
)

// roomCacheTTL is the 60s freshness window spec.md §4.5.2 step 4 gives the
// agent-completion webhook's room lookup before it falls back to storage.
const roomCacheTTL = 60 * time.Second

// agentRoomCache memoizes agentId -> roomId lookups so a burst of
// completion webhooks for the same agent doesn't hit storage on every call.
type agentRoomCache struct {
	mu      sync.Mutex
	entries map[string]roomCacheEntry
	store   storage.Backend
}

type roomCacheEntry struct {
	roomID  id.RoomID
	expires time.Time
}

func newAgentRoomCache(store storage.Backend) *agentRoomCache {
	return &agentRoomCache{entries: make(map[string]roomCacheEntry), store: store}
}

// RoomFor returns the Matrix room ID for agentID, consulting storage on a
// cache miss or expiry.
func (c *agentRoomCache) RoomFor(ctx context.Context, agentID string) (id.RoomID, error) {
	return c.roomForAt(ctx, agentID, time.Now())
}

func (c *agentRoomCache) roomForAt(ctx context.Context, agentID string, now time.Time) (id.RoomID, error) {
	c.mu.Lock()
	if e, ok := c.entries[agentID]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.roomID, nil
	}
	c.mu.Unlock()

	rec, err := c.store.GetAgentRoom(ctx, agentID)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[agentID] = roomCacheEntry{roomID: id.RoomID(rec.RoomID), expires: now.Add(roomCacheTTL)}
	c.mu.Unlock()
	return id.RoomID(rec.RoomID), nil
}

// Invalidate drops any cached entry for agentID, used when a room mapping
// changes out from under the cache (re-provisioning, migration).
func (c *agentRoomCache) Invalidate(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, agentID)
}
