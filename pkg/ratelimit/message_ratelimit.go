package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// messageBucket tracks one sender. While cooldownUntil is in the future every
// message is rejected.
type messageBucket struct {
	count         int
	windowStart   time.Time
	cooldownUntil time.Time
}

// MessageRateLimiter throttles chat messages per sender.
//
// Up to maxMessages are allowed per window. The next one starts a cooldown
// during which everything is rejected; after it the window starts afresh.
//
//	limiter := NewMessageRateLimiter(5, 5*time.Second, 10*time.Second)
//	if !limiter.Allow(userID) { ... }
//
// The client uses it to refuse sends locally before the relay would; the
// relay uses the same rules for inbound frames.
type MessageRateLimiter struct {
	mu          sync.RWMutex
	buckets     map[string]*messageBucket
	maxMessages int
	window      time.Duration
	cooldown    time.Duration
	clock       clock.Clock
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewMessageRateLimiter creates a limiter on the wall clock.
func NewMessageRateLimiter(maxMessages int, window, cooldown time.Duration) *MessageRateLimiter {
	return NewMessageRateLimiterWithClock(clock.New(), maxMessages, window, cooldown)
}

// NewMessageRateLimiterWithClock creates a limiter on clk.
func NewMessageRateLimiterWithClock(clk clock.Clock, maxMessages int, window, cooldown time.Duration) *MessageRateLimiter {
	rl := &MessageRateLimiter{
		buckets:     make(map[string]*messageBucket),
		maxMessages: maxMessages,
		window:      window,
		cooldown:    cooldown,
		clock:       clk,
		stopCleanup: make(chan struct{}),
	}

	ticker := clk.Ticker(30 * time.Second)
	go rl.cleanupLoop(ticker)

	return rl
}

// Allow reports whether sender may send now, and counts the attempt.
func (rl *MessageRateLimiter) Allow(sender string) bool {
	if rl.maxMessages <= 0 {
		return true
	}
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[sender]
	if !exists {
		rl.buckets[sender] = &messageBucket{count: 1, windowStart: now}
		return true
	}

	if !b.cooldownUntil.IsZero() {
		if now.Before(b.cooldownUntil) {
			return false
		}
		b.count = 1
		b.windowStart = now
		b.cooldownUntil = time.Time{}
		return true
	}

	if now.Sub(b.windowStart) > rl.window {
		b.count = 1
		b.windowStart = now
		return true
	}

	b.count++
	if b.count > rl.maxMessages {
		b.cooldownUntil = now.Add(rl.cooldown)
		return false
	}
	return true
}

// CooldownSeconds is the rounded-up time left in sender's cooldown, or 0.
func (rl *MessageRateLimiter) CooldownSeconds(sender string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	b, exists := rl.buckets[sender]
	if !exists || b.cooldownUntil.IsZero() {
		return 0
	}

	remaining := b.cooldownUntil.Sub(rl.clock.Now())
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds()) + 1
}

// Stop ends the background cleanup.
func (rl *MessageRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

func (rl *MessageRateLimiter) cleanupLoop(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops buckets whose window and cooldown have both passed.
func (rl *MessageRateLimiter) cleanup() {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for sender, b := range rl.buckets {
		windowExpired := now.Sub(b.windowStart) > rl.window
		cooldownExpired := b.cooldownUntil.IsZero() || now.After(b.cooldownUntil)

		if windowExpired && cooldownExpired {
			delete(rl.buckets, sender)
		}
	}
}
