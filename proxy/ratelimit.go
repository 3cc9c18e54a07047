/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package proxy

import (
	"sync"
	"time"
)

// RateLimiter gates how much a Session may send before it must wait.
// Implementations are shared across every Session's goroutines and must be
// safe for concurrent use.
type RateLimiter interface {
	// IsLimited reports whether the limiter currently has no room for
	// another send.
	IsLimited() bool

	// Update records n bytes as having just been sent.
	Update(n int)

	// When returns how long a caller should wait before the limiter will
	// next have room, given its current state.
	When() time.Duration
}

// nullRateLimiter never limits. It backs Sessions created with a zero
// RateLimitBytesPerSecond.
type nullRateLimiter struct{}

func (nullRateLimiter) IsLimited() bool     { return false }
func (nullRateLimiter) Update(n int)        {}
func (nullRateLimiter) When() time.Duration { return 0 }

// tokenBucketRateLimiter implements a sliding-window-of-events limiter:
// capacity bytes may be sent in any trailing window-length interval. This is
// deliberately not the continuous-refill model of golang.org/x/time/rate or
// github.com/Psiphon-Inc/ratelimit -- see DESIGN.md for why neither library
// fits this windowed-sum semantics.
//
// Each send is recorded as an (timestamp, size) event. IsLimited and When
// both start by discarding events older than the window, then sum what
// remains against capacity.
type tokenBucketRateLimiter struct {
	mu       sync.Mutex
	capacity int64
	window   time.Duration
	events   []rateLimitEvent
	sum      int64

	now func() time.Time // overridable for tests
}

type rateLimitEvent struct {
	at   time.Time
	size int64
}

// newTokenBucketRateLimiter constructs a limiter with the given throughput
// and window. Callers must have already validated bytesPerSecond against
// minRateLimitBytesPerSecond via Config.Validate.
func newTokenBucketRateLimiter(bytesPerSecond int, window float64) *tokenBucketRateLimiter {
	return &tokenBucketRateLimiter{
		capacity: int64(float64(bytesPerSecond) * window),
		window:   time.Duration(window * float64(time.Second)),
		now:      time.Now,
	}
}

func (l *tokenBucketRateLimiter) prune(at time.Time) {
	cutoff := at.Add(-l.window)
	i := 0
	for i < len(l.events) && l.events[i].at.Before(cutoff) {
		l.sum -= l.events[i].size
		i++
	}
	if i > 0 {
		l.events = l.events[i:]
	}
}

func (l *tokenBucketRateLimiter) IsLimited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return l.sum >= l.capacity
}

func (l *tokenBucketRateLimiter) Update(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	l.events = append(l.events, rateLimitEvent{at: now, size: int64(n)})
	l.sum += int64(n)
}

func (l *tokenBucketRateLimiter) When() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	if l.sum < l.capacity || len(l.events) == 0 {
		return 0
	}
	// Room frees up once enough of the oldest events have aged out of the
	// window to bring the sum back under capacity.
	excess := l.sum - l.capacity
	for _, ev := range l.events {
		excess -= ev.size
		if excess < 0 {
			wait := l.window - now.Sub(ev.at)
			if wait < 0 {
				return 0
			}
			return wait
		}
	}
	return 0
}

// newRateLimiter selects the null or token-bucket implementation according
// to the given Config.
func newRateLimiter(c *Config) RateLimiter {
	if c.RateLimitBytesPerSecond <= 0 {
		return nullRateLimiter{}
	}
	return newTokenBucketRateLimiter(c.RateLimitBytesPerSecond, c.RateLimitWindow)
}
