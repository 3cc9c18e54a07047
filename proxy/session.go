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
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/torfreehaven/snowproxy/internal/errors"
	"github.com/torfreehaven/snowproxy/internal/metrics"
	"github.com/torfreehaven/snowproxy/proxy/transport"
)

// SessionState enumerates the lifecycle stages a Session moves through, in
// order, from creation to teardown. A Session never revisits an earlier
// state.
type SessionState int32

const (
	StateInitialised SessionState = iota
	StateAwaitingOffer
	StateAwaitingIceComplete
	StateAwaitingClientOpen
	StateAwaitingRelayOpen
	StateForwarding
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateInitialised:
		return "initialised"
	case StateAwaitingOffer:
		return "awaiting-offer"
	case StateAwaitingIceComplete:
		return "awaiting-ice-complete"
	case StateAwaitingClientOpen:
		return "awaiting-client-open"
	case StateAwaitingRelayOpen:
		return "awaiting-relay-open"
	case StateForwarding:
		return "forwarding"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session drives one client through negotiation and, once both legs are
// open, forwards bytes between the client's data channel and the relay's
// WebSocket. A Session owns a handful of goroutines (the offer/ICE race, the
// client and relay event pumps) that all funnel back through the same
// mutex-guarded state; nothing outside those goroutines and the Scheduler
// that constructs the Session touches it concurrently.
type Session struct {
	id  string
	cfg *Config

	rateLimiter RateLimiter
	pcFactory   transport.PeerConnectionFactory
	relayDialer transport.RelayDialer
	logger      *logrus.Entry
	metricsReg  *metrics.Registry

	// closeEvents, if non-nil, receives one SessionClosedEvent exactly
	// once, when this session closes, so a Scheduler can drop it from its
	// live-session table and update NAT inference without holding a
	// reference back to the Scheduler itself.
	closeEvents chan<- SessionClosedEvent

	// readyEvents, if non-nil, receives this session's id exactly once, at
	// the moment the datachannel-timeout deadline fires and finds the
	// client transport already open. It is the "success" half of the
	// adaptive poll-interval policy; the "failure" half is folded into
	// SessionClosedEvent since a failure always closes the session.
	readyEvents chan<- string

	// clientNAT is the NAT classification the broker reported for the
	// matched client, used only to decide whether a datachannel-timeout
	// failure should count toward this proxy's own NAT inference.
	clientNAT string

	mu    sync.Mutex
	state SessionState

	pc              transport.PeerConnection
	clientTransport transport.Transport
	relayTransport  transport.Transport

	relayURL string
	clientIP string

	clientToRelayQueue  [][]byte
	clientToRelayBytes  int
	relayToClientQueue  [][]byte
	relayToClientBytes  int
	clientFlushPending  bool
	relayFlushPending   bool

	dataChannelTimer  *time.Timer
	staleTimer        *time.Timer
	closeReason       string
	reachedForwarding bool

	closeOnce sync.Once
	doneCh    chan struct{}
}

// newSession constructs a Session in its Initialised state. Call begin to
// start it.
func newSession(
	id string,
	cfg *Config,
	rateLimiter RateLimiter,
	pcFactory transport.PeerConnectionFactory,
	relayDialer transport.RelayDialer,
	logger *logrus.Entry,
	metricsReg *metrics.Registry,
	closeEvents chan<- SessionClosedEvent,
	readyEvents chan<- string,
	clientNAT string) *Session {

	return &Session{
		id:          id,
		cfg:         cfg,
		rateLimiter: rateLimiter,
		pcFactory:   pcFactory,
		relayDialer: relayDialer,
		logger:      logger,
		metricsReg:  metricsReg,
		closeEvents: closeEvents,
		readyEvents: readyEvents,
		clientNAT:   clientNAT,
		relayURL:    cfg.DefaultRelayURL,
		state:       StateInitialised,
		doneCh:      make(chan struct{}),
	}
}

// ID returns the session's broker-facing identifier.
func (s *Session) ID() string { return s.id }

// State returns the session's current lifecycle stage.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// begin creates the client-side peer connection and moves the session into
// AwaitingOffer, arming the datachannel readiness deadline. The deadline
// timer is not cancelled by an early client-open; it always runs to
// completion so the scheduler's adaptive poll-interval policy is applied
// consistently, whether the data channel opened in time or not.
func (s *Session) begin() error {
	s.mu.Lock()
	if s.state != StateInitialised {
		s.mu.Unlock()
		return errors.TraceNew("session already begun")
	}
	pc, err := s.pcFactory.NewPeerConnection()
	if err != nil {
		s.mu.Unlock()
		return errors.Trace(err)
	}
	s.pc = pc
	s.state = StateAwaitingOffer
	s.dataChannelTimer = time.AfterFunc(s.cfg.DataChannelTimeout, s.onDataChannelTimeout)
	s.mu.Unlock()

	go s.awaitDataChannel(pc)
	return nil
}

// onDataChannelTimeout is the datachannel-timeout deadline firing. If the
// client transport is already open, this is the "success" half of the
// adaptive poll-interval policy and the session keeps running. Otherwise
// it's a failure: the session closes and the scheduler folds the policy's
// failure half into that close.
func (s *Session) onDataChannelTimeout() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	ready := s.clientTransport != nil
	s.mu.Unlock()

	if ready {
		if s.readyEvents != nil {
			s.readyEvents <- s.id
		}
		return
	}
	s.close("datachannel-timeout")
}

func (s *Session) awaitDataChannel(pc transport.PeerConnection) {
	select {
	case t, ok := <-pc.DataChannelOpened():
		if ok {
			s.onClientOpen(t)
		}
	case <-s.doneCh:
	}
}

// receiveOffer applies offerSDP, generates a local answer, and races ICE
// gathering completion against AnswerTimeout, invoking sendAnswer exactly
// once with whatever local description is available when the race resolves.
// It returns false, closing the session, if offerType is not "offer" or
// offerSDP could not be applied.
func (s *Session) receiveOffer(offerType, offerSDP string, sendAnswer func(answerSDP string)) bool {
	if offerType != "offer" {
		s.logger.WithField("type", offerType).Warn("rejecting offer with unexpected type")
		s.close("invalid-offer-type")
		return false
	}

	s.mu.Lock()
	if s.state != StateAwaitingOffer {
		s.mu.Unlock()
		return false
	}
	s.clientIP = extractClientIP(offerSDP)
	pc := s.pc
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(offerSDP); err != nil {
		s.logger.WithError(err).Warn("rejecting offer")
		s.close("invalid-offer")
		return false
	}

	s.mu.Lock()
	if s.state != StateAwaitingOffer {
		s.mu.Unlock()
		return false
	}
	s.state = StateAwaitingIceComplete
	s.mu.Unlock()

	answerSDP, err := pc.CreateAnswer()
	if err != nil {
		s.logger.WithError(err).Warn("failed to create answer")
		s.close("answer-failed")
		return false
	}

	go s.raceAnswer(pc, answerSDP, sendAnswer)
	return true
}

func (s *Session) raceAnswer(pc transport.PeerConnection, fallbackSDP string, sendAnswer func(string)) {
	var once sync.Once
	send := func() {
		once.Do(func() {
			sdp := fallbackSDP
			if local, ok := pc.LocalDescription(); ok {
				sdp = local
			}
			sendAnswer(sdp)
			s.mu.Lock()
			if s.state == StateAwaitingIceComplete {
				s.state = StateAwaitingClientOpen
			}
			s.mu.Unlock()
		})
	}
	select {
	case <-pc.ICEGatheringComplete():
		send()
	case <-time.After(s.cfg.AnswerTimeout):
		send()
	case <-s.doneCh:
	}
}

// setRelayURL overrides the relay this session will connect to, subject to
// AllowedRelayPattern. It must be called before the client transport opens.
func (s *Session) setRelayURL(rawURL string) error {
	host, err := relayHost(rawURL)
	if err != nil {
		return errors.Trace(err)
	}
	if !matchesRelayPattern(s.cfg.AllowedRelayPattern, host) {
		return errors.Tracef("relay host %q does not match allowed pattern %q", host, s.cfg.AllowedRelayPattern)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitialised && s.state != StateAwaitingOffer &&
		s.state != StateAwaitingIceComplete && s.state != StateAwaitingClientOpen {
		return errors.TraceNew("relay url can only be set before the client transport opens")
	}
	s.relayURL = rawURL
	return nil
}

func (s *Session) onClientOpen(t transport.Transport) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		t.Close()
		return
	}
	s.clientTransport = t
	s.state = StateAwaitingRelayOpen
	s.staleTimer = time.AfterFunc(s.cfg.MessageTimeout, func() { s.close("stale") })
	relayURL := s.relayURL
	clientIP := s.clientIP
	s.mu.Unlock()

	go s.pumpClientEvents(t)
	go s.dialRelay(withClientIP(relayURL, clientIP))
}

// withClientIP appends clientIP as a client_ip query parameter on rawURL, so
// the relay can log or rate-limit by the client's real address instead of
// this proxy's. If clientIP is empty, or rawURL doesn't parse, rawURL is
// returned unchanged.
func withClientIP(rawURL, clientIP string) string {
	if clientIP == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("client_ip", clientIP)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Session) dialRelay(relayURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), relayConnectTimeout)
	defer cancel()

	rt, err := s.relayDialer.Dial(ctx, relayURL)
	if err != nil {
		s.logger.WithError(err).Warn("relay dial failed")
		s.close("relay-connect-failed")
		return
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		rt.Close()
		return
	}
	s.relayTransport = rt
	s.state = StateForwarding
	s.reachedForwarding = true
	s.mu.Unlock()

	go s.pumpRelayEvents(rt)
	s.flushToRelay()
	s.flushToClient()
}

func (s *Session) pumpClientEvents(t transport.Transport) {
	for {
		select {
		case ev, ok := <-t.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case transport.EventMessage:
				s.onClientMessage(ev.Data)
			case transport.EventClosed:
				s.close("client-closed")
				return
			case transport.EventError:
				s.logger.WithError(ev.Err).Warn("client transport error")
				s.close("client-error")
				return
			}
		case <-s.doneCh:
			return
		}
	}
}

func (s *Session) pumpRelayEvents(t transport.Transport) {
	for {
		select {
		case ev, ok := <-t.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case transport.EventMessage:
				s.onRelayMessage(ev.Data)
			case transport.EventClosed:
				s.close("relay-closed")
				return
			case transport.EventError:
				s.logger.WithError(ev.Err).Warn("relay transport error")
				s.close("relay-error")
				return
			}
		case <-s.doneCh:
			return
		}
	}
}

func (s *Session) onClientMessage(data []byte) {
	s.mu.Lock()
	if s.staleTimer != nil {
		s.staleTimer.Reset(s.cfg.MessageTimeout)
	}
	overflow := s.clientToRelayBytes+len(data) > maxQueuedBytes
	s.mu.Unlock()
	if overflow {
		s.close("queue-overflow")
		return
	}
	s.enqueue(&s.clientToRelayQueue, &s.clientToRelayBytes, data)
	s.flushToRelay()
}

func (s *Session) onRelayMessage(data []byte) {
	s.mu.Lock()
	overflow := s.relayToClientBytes+len(data) > maxQueuedBytes
	s.mu.Unlock()
	if overflow {
		s.close("queue-overflow")
		return
	}
	s.enqueue(&s.relayToClientQueue, &s.relayToClientBytes, data)
	s.flushToClient()
}

func (s *Session) enqueue(queue *[][]byte, size *int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*queue = append(*queue, data)
	*size += len(data)
}

// flushToRelay drains queued client->relay bytes into the relay transport,
// subject to the shared rate limiter and the relay transport's own
// backpressure. It reschedules itself if either gates further sends.
func (s *Session) flushToRelay() {
	s.flush(&s.clientToRelayQueue, &s.clientToRelayBytes, s.relayTransportSnapshot, &s.clientFlushPending, s.flushToRelay, "client-to-relay")
}

// flushToClient is flushToRelay's mirror for relay->client bytes.
func (s *Session) flushToClient() {
	s.flush(&s.relayToClientQueue, &s.relayToClientBytes, s.clientTransportSnapshot, &s.relayFlushPending, s.flushToClient, "relay-to-client")
}

func (s *Session) relayTransportSnapshot() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relayTransport
}

func (s *Session) clientTransportSnapshot() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientTransport
}

func (s *Session) flush(
	queue *[][]byte,
	size *int,
	dest func() transport.Transport,
	pending *bool,
	self func(),
	direction string) {

	t := dest()
	if t == nil {
		return
	}

	// retry runs flush again after a delay. It clears pending first, so a
	// retry that finds the gate still closed arms the next one.
	retry := func() {
		s.mu.Lock()
		*pending = false
		closed := s.state == StateClosed
		s.mu.Unlock()
		if !closed {
			self()
		}
	}

	for {
		s.mu.Lock()
		if len(*queue) == 0 {
			*pending = false
			s.mu.Unlock()
			return
		}
		if t.BufferedAmount() >= maxBufferedBytes {
			already := *pending
			*pending = true
			s.mu.Unlock()
			if !already {
				time.AfterFunc(bufferedAmountPollInterval, retry)
			}
			return
		}
		if s.rateLimiter.IsLimited() {
			wait := s.rateLimiter.When()
			already := *pending
			*pending = true
			s.mu.Unlock()
			if !already {
				time.AfterFunc(wait, retry)
			}
			return
		}
		chunk := (*queue)[0]
		*queue = (*queue)[1:]
		*size -= len(chunk)
		s.mu.Unlock()

		if err := t.Send(chunk); err != nil {
			s.logger.WithError(err).Warn("send failed")
			s.close("send-error")
			return
		}
		s.rateLimiter.Update(len(chunk))
		if s.metricsReg != nil {
			s.metricsReg.BytesRelayed.WithLabelValues(direction).Add(float64(len(chunk)))
		}
	}
}

// close tears the session down exactly once, releasing both transports and
// notifying closeEvents. reason is logged, counted in metrics, and carried
// on the SessionClosedEvent, where the Scheduler uses it to pick the
// adaptive poll-interval policy's failure branch.
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.closeReason = reason
		ct := s.clientTransport
		rt := s.relayTransport
		pc := s.pc
		reachedForwarding := s.reachedForwarding
		if s.dataChannelTimer != nil {
			s.dataChannelTimer.Stop()
		}
		if s.staleTimer != nil {
			s.staleTimer.Stop()
		}
		s.mu.Unlock()

		close(s.doneCh)

		if ct != nil {
			ct.Close()
		}
		if rt != nil {
			rt.Close()
		}
		if pc != nil {
			pc.Close()
		}

		if s.metricsReg != nil {
			s.metricsReg.SessionsClosed.WithLabelValues(reason).Inc()
		}
		if s.logger != nil {
			s.logger.WithField("reason", reason).Debug("session closed")
		}
		if s.closeEvents != nil {
			s.closeEvents <- SessionClosedEvent{
				ID:                  s.id,
				Reason:              reason,
				ReachedForwarding:   reachedForwarding,
				ClientNATRestricted: s.clientNAT == "restricted",
			}
		}
	})
}

// SessionClosedEvent reports a session's terminal reason to whatever
// created it, without requiring the session to hold a reference back.
type SessionClosedEvent struct {
	ID                  string
	Reason              string
	ReachedForwarding   bool
	ClientNATRestricted bool
}
