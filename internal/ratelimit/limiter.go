// ABOUTME: Sliding-window per-sender rate limiter for channel inbound traffic
// ABOUTME: Tracks message timestamps per sender and evicts entries older than the window

package ratelimit

import (
	"sync"
	"time"
)

// Window is the sliding window over which messages are counted.
const Window = time.Minute

// Limiter is a per-sender sliding-window rate limiter. A max of zero or
// less means unlimited. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	max     int
	history map[string][]time.Time
	noticed map[string]time.Time

	// now is replaceable in tests
	now func() time.Time
}

// New creates a limiter admitting at most max messages per sender per
// minute. max <= 0 disables limiting.
func New(max int) *Limiter {
	return &Limiter{
		max:     max,
		history: make(map[string][]time.Time),
		noticed: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Allow reports whether a message from sender is admitted, recording the
// message timestamp when it is. Denied messages are not recorded, so a
// sender cannot extend their own lockout by retrying.
func (l *Limiter) Allow(sender string) bool {
	if l.max <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.evict(sender, now)

	if len(recent) >= l.max {
		return false
	}

	l.history[sender] = append(recent, now)
	return true
}

// AllowNotice reports whether a "rate limited" notice should be sent to
// sender. At most one notice is sent per window, so a flooding sender gets
// a single warning rather than an echo of every dropped message.
func (l *Limiter) AllowNotice(sender string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.noticed[sender]; ok && now.Sub(last) < Window {
		return false
	}
	l.noticed[sender] = now
	return true
}

// Clear forgets all recorded history. Used when a channel's rate limit
// configuration changes.
func (l *Limiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = make(map[string][]time.Time)
	l.noticed = make(map[string]time.Time)
}

// evict drops timestamps older than the window and returns the survivors.
// Caller must hold l.mu.
func (l *Limiter) evict(sender string, now time.Time) []time.Time {
	recent := l.history[sender][:0]
	for _, ts := range l.history[sender] {
		if now.Sub(ts) < Window {
			recent = append(recent, ts)
		}
	}
	if len(recent) == 0 {
		delete(l.history, sender)
		return nil
	}
	l.history[sender] = recent
	return recent
}
