// Package ratelimit holds the in-memory limiters used by the client and the
// dev relay. It depends on no other package of this module.
package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type bucket struct {
	count       int
	windowStart time.Time
}

// IPRateLimiter allows maxAttempts requests per window from one IP. The relay
// puts it in front of the dev token endpoint.
type IPRateLimiter struct {
	mu          sync.RWMutex
	buckets     map[string]*bucket
	maxAttempts int
	window      time.Duration
	clock       clock.Clock
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewIPRateLimiter creates a limiter on the wall clock.
func NewIPRateLimiter(maxAttempts int, window time.Duration) *IPRateLimiter {
	return NewIPRateLimiterWithClock(clock.New(), maxAttempts, window)
}

// NewIPRateLimiterWithClock creates a limiter on clk.
func NewIPRateLimiterWithClock(clk clock.Clock, maxAttempts int, window time.Duration) *IPRateLimiter {
	rl := &IPRateLimiter{
		buckets:     make(map[string]*bucket),
		maxAttempts: maxAttempts,
		window:      window,
		clock:       clk,
		stopCleanup: make(chan struct{}),
	}

	ticker := clk.Ticker(time.Minute)
	go rl.cleanupLoop(ticker)

	return rl
}

// Allow counts a request from ip and reports whether it is within the limit.
func (rl *IPRateLimiter) Allow(ip string) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[ip]
	if !exists {
		rl.buckets[ip] = &bucket{count: 1, windowStart: now}
		return true
	}

	if now.Sub(b.windowStart) > rl.window {
		b.count = 1
		b.windowStart = now
		return true
	}

	b.count++
	return b.count <= rl.maxAttempts
}

// Reset forgets ip.
func (rl *IPRateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, ip)
}

// RetryAfterSeconds is the value for a Retry-After header.
func (rl *IPRateLimiter) RetryAfterSeconds(ip string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	b, exists := rl.buckets[ip]
	if !exists {
		return 0
	}

	remaining := rl.window - rl.clock.Since(b.windowStart)
	if remaining < 0 {
		return 0
	}
	return int(remaining.Seconds()) + 1
}

// Stop ends the background cleanup.
func (rl *IPRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

func (rl *IPRateLimiter) cleanupLoop(ticker *clock.Ticker) {
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

func (rl *IPRateLimiter) cleanup() {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for ip, b := range rl.buckets {
		if now.Sub(b.windowStart) > rl.window {
			delete(rl.buckets, ip)
		}
	}
}

// ExtractIP returns the client address of r, preferring proxy headers:
// the first X-Forwarded-For entry, then X-Real-IP, then RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// FormatRetryMessage renders a wait in seconds, e.g. "2 minute(s)".
func FormatRetryMessage(seconds int) string {
	if seconds >= 60 {
		return fmt.Sprintf("%d minute(s)", seconds/60)
	}
	return fmt.Sprintf("%d second(s)", seconds)
}
