// Package ratelimit enforces per-channel slow mode on outbound sends: when a
// channel has a slow-mode interval, the local participant may send at most
// one message per interval.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// ErrSlowMode is returned when a send arrives before the channel's
// slow-mode interval has elapsed.
var ErrSlowMode = errors.New("ratelimit: slow mode")

type channelLimit struct {
	interval time.Duration
	limiter  *rate.Limiter
}

// SlowMode holds one token bucket per channel. It is goroutine-safe.
type SlowMode struct {
	clock clock.Clock

	mu       sync.Mutex
	channels map[string]*channelLimit
}

// NewSlowMode creates a SlowMode. clk may be nil.
func NewSlowMode(clk clock.Clock) *SlowMode {
	if clk == nil {
		clk = clock.New()
	}
	return &SlowMode{clock: clk, channels: make(map[string]*channelLimit)}
}

// Allow consumes the channel's send allowance. A zero interval disables slow
// mode for the channel. A changed interval starts a fresh bucket.
func (s *SlowMode) Allow(channelID string, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if interval <= 0 {
		delete(s.channels, channelID)
		return nil
	}
	cl, ok := s.channels[channelID]
	if !ok || cl.interval != interval {
		cl = &channelLimit{interval: interval, limiter: rate.NewLimiter(rate.Every(interval), 1)}
		s.channels[channelID] = cl
	}
	if !cl.limiter.AllowN(s.clock.Now(), 1) {
		return fmt.Errorf("%w: channel %s allows one message every %s", ErrSlowMode, channelID, interval)
	}
	return nil
}

// Reset forgets a channel's bucket.
func (s *SlowMode) Reset(channelID string) {
	s.mu.Lock()
	delete(s.channels, channelID)
	s.mu.Unlock()
}
