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
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/torfreehaven/snowproxy/internal/errors"
	"github.com/torfreehaven/snowproxy/internal/metrics"
	"github.com/torfreehaven/snowproxy/internal/prng"
	"github.com/torfreehaven/snowproxy/proxy/transport"
)

// Scheduler owns the broker poll loop and the set of live Sessions it
// spawns. Its methods are not internally synchronized against concurrent
// callers the way a shared library type normally would be: like the
// upstream browser proxy's own single-threaded event loop, a Scheduler is
// meant to be driven by exactly one goroutine (Run), with Session close and
// readiness notifications the only cross-goroutine traffic it accepts, over
// closeEvents and readyEvents.
type Scheduler struct {
	cfg         *Config
	broker      *BrokerClient
	rateLimiter RateLimiter
	pcFactory   transport.PeerConnectionFactory
	relayDialer transport.RelayDialer
	logger      *logrus.Entry
	metricsReg  *metrics.Registry

	newSessionID func() string

	sessions            map[string]*Session
	pollInterval        time.Duration
	brokerBackoffFactor time.Duration
	retries             int
	natFailures         int
	natType             NATType
	maxNumClients       int

	pollLogSampleCount       int
	pollLogSampleWindowStart time.Time

	closeEvents chan SessionClosedEvent
	readyEvents chan string
}

// maxBrokerBackoff caps how long a run of consecutive broker transport
// failures (as opposed to expected "no match" responses) can push the next
// poll attempt out to.
const maxBrokerBackoff = 5 * time.Minute

// maxBrokerBackoffFactor bounds brokerBackoffFactor's doubling so it can't
// overflow on a very long-lived outage.
const maxBrokerBackoffFactor = time.Duration(1 << 10)

// brokerBackoffJitter is the fractional jitter applied to each backoff delay
// so that many proxies hitting the same broker outage don't all retry in
// lockstep.
const brokerBackoffJitter = 0.2

// pollLogSampleSize and pollLogSamplePeriod bound how often a poll round
// trip is logged at info level: pollLogSampleSize round trips get logged at
// the start of each pollLogSamplePeriod window, then logging goes quiet for
// the rest of the window. An idle proxy polling every minute for hours would
// otherwise fill its log with "no match" lines.
const (
	pollLogSampleSize   = 2
	pollLogSamplePeriod = 30 * time.Minute
)

// NewScheduler validates cfg and constructs a Scheduler ready to serve
// clients. broker, pcFactory, and relayDialer are the concrete transports;
// pass fakes from transporttest to test without a network.
func NewScheduler(
	cfg *Config,
	broker *BrokerClient,
	pcFactory transport.PeerConnectionFactory,
	relayDialer transport.RelayDialer,
	metricsReg *metrics.Registry) (*Scheduler, error) {

	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if metricsReg == nil {
		metricsReg = metrics.New()
	}

	logger := logrus.NewEntry(cfg.logger())

	s := &Scheduler{
		cfg:                 cfg,
		broker:              broker,
		rateLimiter:         newRateLimiter(cfg),
		pcFactory:           pcFactory,
		relayDialer:         relayDialer,
		logger:              logger,
		metricsReg:          metricsReg,
		newSessionID:        func() string { return prng.HexString(8) },
		sessions:            make(map[string]*Session),
		pollInterval:        cfg.PollInterval,
		brokerBackoffFactor: 1,
		natType:             cfg.InitialNATType,
		maxNumClients:       cfg.MaxNumClients,
		closeEvents:         make(chan SessionClosedEvent, 64),
		readyEvents:         make(chan string, 64),

		pollLogSampleCount:       pollLogSampleSize,
		pollLogSampleWindowStart: time.Now(),
	}
	s.metricsReg.PollIntervalMs.Set(float64(s.pollInterval.Milliseconds()))
	s.metricsReg.MaxNumClients.Set(float64(s.maxNumClients))
	return s, nil
}

// LiveSessionCount returns the number of sessions the scheduler currently
// considers live.
func (s *Scheduler) LiveSessionCount() int { return len(s.sessions) }

// PollInterval returns the current adaptive poll interval.
func (s *Scheduler) PollInterval() time.Duration { return s.pollInterval }

// NATType returns this proxy's currently inferred NAT classification.
func (s *Scheduler) NATType() NATType { return s.natType }

// Run drives the poll loop and session-closed drain until ctx is cancelled,
// closing every live session before returning.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, sess := range s.sessions {
				sess.close("shutdown")
			}
			return

		case <-timer.C:
			if err := s.BeginServingClients(ctx); err != nil {
				s.logger.WithError(err).Warn("poll cycle failed")
				timer.Reset(s.nextBrokerBackoff())
			} else {
				s.brokerBackoffFactor = 1
				timer.Reset(s.pollInterval)
			}

		case ev := <-s.closeEvents:
			s.handleSessionClosed(ev)

		case id := <-s.readyEvents:
			s.handleSessionReady(id)
		}
	}
}

// Disable is the synchronous equivalent of cancelling Run's context: it
// closes every live session immediately. Run's context-driven shutdown and
// Disable are interchangeable teardown paths.
func (s *Scheduler) Disable() {
	for _, sess := range s.sessions {
		sess.close("shutdown")
	}
}

// BeginServingClients runs one poll cycle: if the scheduler is at capacity
// it records the skip and returns without contacting the broker; otherwise
// it polls, and if the broker has a waiting client, spawns and begins
// negotiating a Session for it.
func (s *Scheduler) BeginServingClients(ctx context.Context) error {
	s.metricsReg.Polls.Inc()

	if len(s.sessions) >= s.maxNumClients {
		s.logger.Debug("at capacity, skipping poll")
		return nil
	}

	sid := s.newSessionID()

	s.retries++
	s.metricsReg.Retries.Inc()

	pollStart := time.Now()
	resp, err := s.broker.PollOffer(ctx, sid, s.natType.String(),
		quantizeClientCount(len(s.sessions)), s.cfg.AllowedRelayPattern)
	elapsed := time.Since(pollStart)

	if err != nil {
		s.metricsReg.BrokerErrors.Inc()
		if s.shouldLogPoll() {
			s.logger.WithFields(logrus.Fields{
				"elapsedTime": elapsed.String(),
			}).WithError(err).Info("poll request")
		}
		return errors.Trace(err)
	}
	if s.shouldLogPoll() {
		s.logger.WithFields(logrus.Fields{
			"status":      resp.Status,
			"elapsedTime": elapsed.String(),
		}).Info("poll request")
	}

	if resp.Status != pollStatusClientMatch {
		if resp.Status != pollStatusNoMatch {
			s.metricsReg.BrokerErrors.Inc()
			return errors.Tracef("broker returned unexpected poll status: %q", resp.Status)
		}
		return nil
	}
	offer, ok, err := resp.offer()
	if err != nil || !ok {
		if err != nil {
			s.logger.WithError(err).Warn("broker sent an unparseable offer")
		}
		return nil
	}

	sess := newSession(sid, s.cfg, s.rateLimiter, s.pcFactory, s.relayDialer,
		s.logger.WithField("session", sid), s.metricsReg, s.closeEvents, s.readyEvents, resp.NAT)

	if resp.RelayURL != "" {
		if err := sess.setRelayURL(resp.RelayURL); err != nil {
			s.logger.WithError(err).Warn("broker supplied a disallowed relay url")
			return nil
		}
	}

	s.sessions[sid] = sess
	s.metricsReg.LiveSessions.Set(float64(len(s.sessions)))

	if err := sess.begin(); err != nil {
		delete(s.sessions, sid)
		s.metricsReg.LiveSessions.Set(float64(len(s.sessions)))
		return errors.Trace(err)
	}

	sess.receiveOffer(offer.Type, offer.SDP, func(answerSDP string) {
		answerCtx, cancel := context.WithTimeout(context.Background(), s.cfg.AnswerTimeout+5*time.Second)
		defer cancel()
		if err := s.broker.SendAnswer(answerCtx, sid, answerSDP); err != nil {
			s.logger.WithError(err).Warn("failed to deliver answer to broker")
		}
	})

	return nil
}

// shouldLogPoll reports whether the current poll round trip falls within
// this window's log sample, resetting the sample once pollLogSamplePeriod
// has elapsed.
func (s *Scheduler) shouldLogPoll() bool {
	if time.Since(s.pollLogSampleWindowStart) >= pollLogSamplePeriod {
		s.pollLogSampleCount = pollLogSampleSize
		s.pollLogSampleWindowStart = time.Now()
	}
	if s.pollLogSampleCount > 0 {
		s.pollLogSampleCount--
		return true
	}
	return false
}

// nextBrokerBackoff returns the delay before the next poll attempt after a
// broker transport failure, doubling on each consecutive failure up to
// maxBrokerBackoff and jittered so proxies retrying after a shared broker
// outage don't all line up on the same schedule. This backoff is layered
// underneath, and does not replace, the NAT-adaptive pollInterval: it only
// governs the retry timing after a failed round trip, never after a clean
// "no match" response.
func (s *Scheduler) nextBrokerBackoff() time.Duration {
	delay := s.cfg.PollInterval * s.brokerBackoffFactor
	if delay > maxBrokerBackoff {
		delay = maxBrokerBackoff
	}
	if s.brokerBackoffFactor < maxBrokerBackoffFactor {
		s.brokerBackoffFactor *= 2
	}
	return prng.JitterDuration(delay, brokerBackoffJitter)
}

// quantizeClientCount rounds a live session count down to the nearest
// multiple of 8 before it's reported to the broker, coarsening the signal a
// passive observer of poll traffic could read off this proxy's real load.
func quantizeClientCount(n int) int {
	return (n / 8) * 8
}

// handleSessionClosed applies the failure half of the adaptive poll-interval
// policy when a session closes with reason "datachannel-timeout": the
// client's data channel never reached open before the deadline. Every other
// close reason just drops the session from the live-session table.
func (s *Scheduler) handleSessionClosed(ev SessionClosedEvent) {
	delete(s.sessions, ev.ID)
	s.metricsReg.LiveSessions.Set(float64(len(s.sessions)))

	if ev.Reason != "datachannel-timeout" {
		return
	}

	s.pollInterval += s.cfg.PollAdjustment
	if s.pollInterval > s.cfg.SlowestPollInterval {
		s.pollInterval = s.cfg.SlowestPollInterval
	}
	s.metricsReg.PollIntervalMs.Set(float64(s.pollInterval.Milliseconds()))

	if !ev.ClientNATRestricted {
		return
	}
	s.natFailures++
	s.metricsReg.NATFailures.Set(float64(s.natFailures))
	if s.natFailures >= natFailureThreshold && s.natType != NATRestricted {
		s.natType = NATRestricted
		s.natFailures = 0
		s.maxNumClients = 1
		s.metricsReg.MaxNumClients.Set(1)
		s.logger.Warn("inferring restricted NAT after repeated datachannel timeouts")
	}
}

// handleSessionReady applies the success half of the adaptive poll-interval
// policy: the datachannel-timeout deadline fired and found the client
// transport already open.
func (s *Scheduler) handleSessionReady(id string) {
	if _, ok := s.sessions[id]; !ok {
		return
	}

	s.natFailures = 0
	s.metricsReg.NATFailures.Set(0)

	if s.pollInterval > s.cfg.PollInterval {
		s.pollInterval -= s.cfg.PollAdjustment
		if s.pollInterval < s.cfg.PollInterval {
			s.pollInterval = s.cfg.PollInterval
		}
	}
	if s.natType == NATUnrestricted {
		s.pollInterval = s.cfg.FastPollInterval
		s.maxNumClients = 2
		s.metricsReg.MaxNumClients.Set(2)
	}
	s.metricsReg.PollIntervalMs.Set(float64(s.pollInterval.Milliseconds()))
}
