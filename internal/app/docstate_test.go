package app_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstegen/relay/internal/app"
	"github.com/mstegen/relay/internal/domain"
)

func TestDocCache_UpdateAndGet(t *testing.T) {
	c := app.NewDocCache(time.Minute)

	_, ok := c.Get("room1")
	assert.False(t, ok)

	c.Update("room1", "x=1", "alice")
	doc, ok := c.Get("room1")
	require.True(t, ok)
	assert.Equal(t, "x=1", doc.Text)
	assert.Equal(t, domain.UserID("alice"), doc.LastWriter)

	// Last writer wins.
	c.Update("room1", "x=2", "bob")
	doc, ok = c.Get("room1")
	require.True(t, ok)
	assert.Equal(t, "x=2", doc.Text)
	assert.Equal(t, domain.UserID("bob"), doc.LastWriter)
}

func TestDocCache_TTLExpiry(t *testing.T) {
	c := app.NewDocCache(20 * time.Millisecond)
	c.Update("room1", "x=1", "alice")

	_, ok := c.Get("room1")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get("room1")
	assert.False(t, ok, "snapshot past TTL is gone")
}

func TestDocCache_Evict(t *testing.T) {
	c := app.NewDocCache(time.Minute)
	c.Update("room1", "x=1", "alice")
	c.Update("room2", "y=2", "bob")

	c.Evict("room1")
	_, ok := c.Get("room1")
	assert.False(t, ok)
	_, ok = c.Get("room2")
	assert.True(t, ok)
}
