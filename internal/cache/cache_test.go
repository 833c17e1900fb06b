package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCacheGetSet(t *testing.T) {
	c := NewTTLCache(0)
	ctx := context.Background()

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	c.Set(ctx, "a", 42, time.Minute)
	v, ok := c.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestTTLCacheExpiry(t *testing.T) {
	c := NewTTLCache(0)
	ctx := context.Background()

	c.Set(ctx, "a", 1, -time.Second) // already expired
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestTTLCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewTTLCache(2)
	ctx := context.Background()

	c.Set(ctx, "a", 1, time.Minute)
	c.Set(ctx, "b", 2, time.Minute)
	c.Get(ctx, "a") // touch a, making b the LRU victim
	c.Set(ctx, "c", 3, time.Minute)

	_, aOK := c.Get(ctx, "a")
	_, bOK := c.Get(ctx, "b")
	_, cOK := c.Get(ctx, "c")

	assert.True(t, aOK)
	assert.False(t, bOK)
	assert.True(t, cOK)
	assert.Equal(t, 2, c.Len())
}

func TestTTLCacheDelete(t *testing.T) {
	c := NewTTLCache(0)
	ctx := context.Background()
	c.Set(ctx, "a", 1, time.Minute)
	c.Delete(ctx, "a")
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
}
