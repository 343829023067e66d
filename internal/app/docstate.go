package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mstegen/relay/internal/domain"
)

// DocState is the last known document snapshot for an edit room. It is
// advisory: last writer wins, no durability, gone when the TTL or the room
// expires.
type DocState struct {
	RoomID     string
	Text       string
	LastWriter domain.UserID
	UpdatedAt  time.Time
}

// DocCache keeps one DocState per edit room so a late joiner can be brought
// up to date without waiting for the next edit.
type DocCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	docs map[string]*DocState
}

func NewDocCache(ttl time.Duration) *DocCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &DocCache{ttl: ttl, docs: make(map[string]*DocState)}
}

// Update refreshes the snapshot for a room on each code change.
func (c *DocCache) Update(roomID, text string, writer domain.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[roomID] = &DocState{
		RoomID:     roomID,
		Text:       text,
		LastWriter: writer,
		UpdatedAt:  time.Now(),
	}
}

// Get returns the snapshot if present and not expired.
func (c *DocCache) Get(roomID string) (DocState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.docs[roomID]
	if !ok {
		return DocState{}, false
	}
	if time.Since(d.UpdatedAt) > c.ttl {
		delete(c.docs, roomID)
		return DocState{}, false
	}
	return *d, true
}

// Evict drops the snapshot, called when an edit room empties.
func (c *DocCache) Evict(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.docs, roomID)
}

// Run expires stale snapshots until ctx ends.
func (c *DocCache) Run(ctx context.Context) {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *DocCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for id, d := range c.docs {
		if now.Sub(d.UpdatedAt) > c.ttl {
			delete(c.docs, id)
			log.Debug().Str("module", "app.doccache").Str("room", id).Msg("snapshot expired")
		}
	}
}
