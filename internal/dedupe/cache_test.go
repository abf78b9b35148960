// ABOUTME: Tests for the message redelivery cache
// ABOUTME: Covers TTL expiry, size-bounded eviction, and channel scoping

package dedupe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeenMarksFirstDelivery(t *testing.T) {
	c := New(time.Minute, 10)

	assert.False(t, c.Seen("chan-1", "msg-1"))
	assert.True(t, c.Seen("chan-1", "msg-1"))
}

func TestSeenScopedByChannel(t *testing.T) {
	c := New(time.Minute, 10)

	assert.False(t, c.Seen("chan-1", "msg-1"))
	assert.False(t, c.Seen("chan-2", "msg-1"))
	assert.True(t, c.Seen("chan-2", "msg-1"))
}

func TestSeenExpiresAfterTTL(t *testing.T) {
	c := New(time.Minute, 10)
	current := time.Now()
	c.now = func() time.Time { return current }

	assert.False(t, c.Seen("chan-1", "msg-1"))

	current = current.Add(59 * time.Second)
	assert.True(t, c.Seen("chan-1", "msg-1"))

	current = current.Add(2 * time.Minute)
	assert.False(t, c.Seen("chan-1", "msg-1"))
}

func TestExpiredEntriesEvicted(t *testing.T) {
	c := New(time.Minute, 10)
	current := time.Now()
	c.now = func() time.Time { return current }

	c.Seen("chan-1", "msg-1")
	c.Seen("chan-1", "msg-2")
	assert.Equal(t, 2, c.Len())

	current = current.Add(2 * time.Minute)
	c.Seen("chan-1", "msg-3")
	assert.Equal(t, 1, c.Len())
}

func TestOldestEvictedAtCapacity(t *testing.T) {
	c := New(time.Hour, 2)

	assert.False(t, c.Seen("chan-1", "msg-1"))
	assert.False(t, c.Seen("chan-1", "msg-2"))
	assert.False(t, c.Seen("chan-1", "msg-3"))
	assert.Equal(t, 2, c.Len())

	// msg-1 was evicted to make room, so it reads as unseen again
	assert.False(t, c.Seen("chan-1", "msg-1"))
	assert.True(t, c.Seen("chan-1", "msg-3"))
}
