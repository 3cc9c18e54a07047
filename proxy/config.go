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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/torfreehaven/snowproxy/internal/errors"
)

const (
	// minRateLimitBytesPerSecond is the floor below which a configured rate
	// limit is rejected outright, rather than silently starving forwarding.
	minRateLimitBytesPerSecond = 10 * 1024 // 10 KiB/s

	// maxBufferedBytes is the high-water mark on a transport's own
	// buffered-bytes count; flush stops enqueueing into a transport once
	// its buffer reaches this size.
	maxBufferedBytes = 10 * 1024 * 1024 // 10 MiB

	// maxQueuedBytes bounds each direction's in-memory forwarding queue.
	// Left as an explicit policy choice rather than an unbounded queue;
	// snowproxy chooses to close the session rather than let a slow
	// destination grow the queue without bound.
	maxQueuedBytes = 20 * 1024 * 1024 // 20 MiB

	// relayConnectTimeout is the hard timeout from relay transport
	// creation to open.
	relayConnectTimeout = 5 * time.Second

	// bufferedAmountPollInterval is how often flush rechecks a transport's
	// BufferedAmount after finding it over maxBufferedBytes, since nothing
	// calls back into flush when the transport's send buffer drains on its
	// own.
	bufferedAmountPollInterval = 100 * time.Millisecond

	defaultBrokerURL           = "snowflake-broker.freehaven.net"
	defaultRelayAddr           = "wss://snowflake.freehaven.net"
	defaultAllowedRelayPattern = "snowflake.torproject.net"
	defaultProxyType           = "standalone"
)

// Config holds the immutable parameters consumed by every component of the
// proxy runtime: the Scheduler, the BrokerClient, and every Session it
// creates. A Config is read-only once passed to NewScheduler; construct one
// with DefaultConfig and override only the fields that differ.
type Config struct {

	// BrokerURL is the rendezvous server's base URL. It may be given with
	// or without a scheme; NewBrokerClient normalizes it (see broker.go).
	BrokerURL string

	// DefaultRelayURL is the relay address used when the broker does not
	// supply one. It is not checked against AllowedRelayPattern, and it is
	// not used in place of a broker-supplied URL that fails that check.
	DefaultRelayURL string

	// AllowedRelayPattern constrains which broker-supplied relay hostnames
	// a session may connect to. A leading '^' requires an exact hostname
	// match; otherwise the pattern is matched as a hostname suffix.
	AllowedRelayPattern string

	// RateLimitBytesPerSecond caps outbound send throughput summed across
	// all sessions, which share one limiter. Zero means unlimited. A nonzero value below minRateLimitBytesPerSecond
	// is rejected by Validate.
	RateLimitBytesPerSecond int

	// RateLimitWindow is the sliding history window, in seconds, used by
	// the token-bucket rate limiter.
	RateLimitWindow float64

	// PollInterval, FastPollInterval, and SlowestPollInterval bound the
	// Scheduler's adaptive broker poll interval; PollAdjustment is the
	// step size applied on each success or failure.
	PollInterval        time.Duration
	FastPollInterval    time.Duration
	SlowestPollInterval time.Duration
	PollAdjustment      time.Duration

	// DataChannelTimeout bounds how long a session may spend between being
	// begun and its client data channel opening.
	DataChannelTimeout time.Duration

	// MessageTimeout is the stale-connection watchdog: a session with no
	// client-to-relay message within this interval is closed.
	MessageTimeout time.Duration

	// AnswerTimeout bounds how long a session waits for ICE gathering to
	// complete before sending whatever local answer description it has.
	AnswerTimeout time.Duration

	// MaxNumClients is the live-session concurrency cap. It starts at 1
	// and is adjusted by the Scheduler's NAT-adaptive policy.
	MaxNumClients int

	// ICEServers lists the STUN/TURN servers offered to the client
	// transport factory.
	ICEServers []string

	// ProxyType is reported to the broker as a free-form tag identifying
	// this proxy's deployment (e.g. "standalone", "webext", "badge").
	ProxyType string

	// InitialNATType seeds the Scheduler's own NAT classification, normally
	// the result of an external NAT probe run once at startup (out of
	// scope here; the core only consumes its result). Left at its zero
	// value, NATUnknown, when no probe is wired in.
	InitialNATType NATType

	// Logger receives structured log entries from every component. If nil,
	// logrus.StandardLogger() is used.
	Logger *logrus.Logger
}

// DefaultConfig returns a Config populated with the same defaults as the
// upstream Snowflake proxy.
func DefaultConfig() *Config {
	return &Config{
		BrokerURL:           defaultBrokerURL,
		DefaultRelayURL:     defaultRelayAddr,
		AllowedRelayPattern: defaultAllowedRelayPattern,
		RateLimitWindow:     5.0,
		PollInterval:        60 * time.Second,
		FastPollInterval:    30 * time.Second,
		SlowestPollInterval: 6 * time.Hour,
		PollAdjustment:      100 * time.Second,
		DataChannelTimeout:  20 * time.Second,
		MessageTimeout:      30 * time.Second,
		AnswerTimeout:       6 * time.Second,
		MaxNumClients:       1,
		ICEServers:          []string{"stun:stun.l.google.com:19302"},
		ProxyType:           defaultProxyType,
	}
}

// Validate checks the Config for the invariants that must be enforced at
// construction, principally the rate-limit floor.
func (c *Config) Validate() error {
	if c.RateLimitBytesPerSecond != 0 && c.RateLimitBytesPerSecond < minRateLimitBytesPerSecond {
		return errors.Tracef(
			"rate limit %d bytes/s is below the %d bytes/s floor",
			c.RateLimitBytesPerSecond, minRateLimitBytesPerSecond)
	}
	if c.RateLimitWindow <= 0 {
		return errors.TraceNew("rate limit window must be positive")
	}
	if c.MaxNumClients <= 0 {
		return errors.TraceNew("maxNumClients must be positive")
	}
	return nil
}

func (c *Config) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}
