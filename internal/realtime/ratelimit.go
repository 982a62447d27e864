package realtime

import (
	"fmt"
	"sync"
	"time"
)

// Rate limiting defaults. Two independent mechanisms protect against
// reconnection storms:
//   - Sliding-window rate limit: max heal attempts per minute per channel.
//   - Consecutive failure block: after N failures in a row, the channel is
//     temporarily blocked for BlockDuration.
const (
	DefaultMaxAttemptsPerMinute = 10
	DefaultMaxConsecFailures    = 5
	DefaultBlockDuration        = 5 * time.Minute
)

// RateLimitConfig holds configuration for the heal rate limiter.
type RateLimitConfig struct {
	MaxAttemptsPerMinute int           // maximum heal attempts per channel per minute
	MaxConsecFailures    int           // consecutive failures before temporary block
	BlockDuration        time.Duration // duration to block after max consecutive failures
}

// DefaultRateLimitConfig returns the default rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttemptsPerMinute: DefaultMaxAttemptsPerMinute,
		MaxConsecFailures:    DefaultMaxConsecFailures,
		BlockDuration:        DefaultBlockDuration,
	}
}

// channelRateState tracks rate limiting state for a single channel.
type channelRateState struct {
	attempts       []time.Time // timestamps of recent heal attempts
	consecFailures int         // consecutive failure count
	blockedUntil   time.Time   // when the channel becomes unblocked
}

// RateLimiter enforces rate limits on heal attempts per channel.
type RateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	state  map[string]*channelRateState
	nowFn  func() time.Time // injectable clock for testing
}

// NewRateLimiter creates a RateLimiter with the given configuration.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config: config,
		state:  make(map[string]*channelRateState),
		nowFn:  time.Now,
	}
}

// Allow checks whether a heal attempt for the given channel is allowed.
// Returns nil if allowed, or an error describing why it was denied.
// An allowed attempt is recorded against the sliding window.
func (rl *RateLimiter) Allow(channel string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreateState(channel)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		return fmt.Errorf("channel %s blocked for %s after %d consecutive failures", channel, remaining, s.consecFailures)
	}

	// Prune attempts outside the 1-minute window
	cutoff := now.Add(-time.Minute)
	kept := s.attempts[:0]
	for _, ts := range s.attempts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.attempts = kept

	if len(s.attempts) >= rl.config.MaxAttemptsPerMinute {
		return fmt.Errorf("rate limit exceeded for channel %s: %d attempts in the last minute", channel, len(s.attempts))
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// RecordSuccess resets the consecutive failure count for the channel.
func (rl *RateLimiter) RecordSuccess(channel string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := rl.getOrCreateState(channel)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

// RecordFailure increments the consecutive failure count and blocks the
// channel once the threshold is reached.
func (rl *RateLimiter) RecordFailure(channel string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := rl.getOrCreateState(channel)
	s.consecFailures++
	if s.consecFailures >= rl.config.MaxConsecFailures {
		s.blockedUntil = rl.nowFn().Add(rl.config.BlockDuration)
	}
}

func (rl *RateLimiter) getOrCreateState(channel string) *channelRateState {
	s, ok := rl.state[channel]
	if !ok {
		s = &channelRateState{}
		rl.state[channel] = s
	}
	return s
}
