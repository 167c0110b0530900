// Package ratelimit throttles outbound transport calls per channel.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ChannelLimiter provides per-channel rate limiting for progress edits
// and final sends. Each channel id gets its own token bucket so a busy
// channel never starves or bursts into another.
type ChannelLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewChannelLimiter builds a limiter allowing requestsPerSecond sustained
// throughput per channel with the given burst allowance.
func NewChannelLimiter(requestsPerSecond float64, burst int) *ChannelLimiter {
	return &ChannelLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

// DefaultChannelLimiter matches the progress-edit cadence named in
// spec §4.6 (one edit per 2s) with headroom for a final send.
func DefaultChannelLimiter() *ChannelLimiter {
	return NewChannelLimiter(0.5, 2)
}

func (c *ChannelLimiter) getLimiter(channelID string) *rate.Limiter {
	c.mu.RLock()
	limiter, ok := c.limiters[channelID]
	c.mu.RUnlock()
	if ok {
		return limiter
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if limiter, ok = c.limiters[channelID]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(c.rate, c.burst)
	c.limiters[channelID] = limiter
	return limiter
}

// Allow reports whether a call against channelID may proceed now.
func (c *ChannelLimiter) Allow(channelID string) bool {
	return c.getLimiter(channelID).Allow()
}

// Wait blocks until a call against channelID is permitted or ctxDone fires.
func (c *ChannelLimiter) Wait(channelID string, ctxDone <-chan struct{}) error {
	limiter := c.getLimiter(channelID)
	reservation := limiter.Reserve()
	if !reservation.OK() {
		return nil
	}
	delay := reservation.Delay()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctxDone:
		reservation.Cancel()
		return errCancelled
	}
}

// Cleanup drops all tracked limiters, releasing memory for channels
// that have gone quiet. internal/schedule's periodic sweep does not
// call it; it runs only the store reap.
func (c *ChannelLimiter) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limiters = make(map[string]*rate.Limiter)
}
