package proxy

import (
	"net/url"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torfreehaven/snowproxy/internal/metrics"
	"github.com/torfreehaven/snowproxy/proxy/transport"
	"github.com/torfreehaven/snowproxy/proxy/transport/transporttest"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func newTestSession(cfg *Config, pcFactory transport.PeerConnectionFactory, dialer transport.RelayDialer) (*Session, chan SessionClosedEvent) {
	s, closeEvents, _ := newTestSessionWithNAT(cfg, pcFactory, dialer, "unknown")
	return s, closeEvents
}

func newTestSessionWithNAT(cfg *Config, pcFactory transport.PeerConnectionFactory, dialer transport.RelayDialer, clientNAT string) (*Session, chan SessionClosedEvent, chan string) {
	closeEvents := make(chan SessionClosedEvent, 1)
	readyEvents := make(chan string, 1)
	s := newSession("test-session", cfg, newRateLimiter(cfg), pcFactory, dialer, testLogger(), metrics.New(), closeEvents, readyEvents, clientNAT)
	return s, closeEvents, readyEvents
}

func TestSessionSuccessfulSignalling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AnswerTimeout = time.Second

	pc := transporttest.NewPeerConnection()
	pc.AnswerSDP = "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\n"
	pcFactory := transporttest.NewPeerConnectionFactory(pc)

	relayFake := transporttest.NewFake()
	dialer := transporttest.NewRelayDialer(relayFake)

	s, _ := newTestSession(cfg, pcFactory, dialer)
	require.NoError(t, s.begin())
	assert.Equal(t, StateAwaitingOffer, s.State())

	answered := make(chan string, 1)
	ok := s.receiveOffer("offer", "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\n", func(sdp string) {
		answered <- sdp
	})
	require.True(t, ok)

	select {
	case sdp := <-answered:
		assert.NotEmpty(t, sdp)
	case <-time.After(time.Second):
		t.Fatal("sendAnswer was never called")
	}

	clientFake := transporttest.NewFake()
	pc.OpenDataChannel(clientFake)

	require.Eventually(t, func() bool {
		return s.State() == StateForwarding
	}, time.Second, time.Millisecond)

	clientFake.Deliver(transport.Event{Kind: transport.EventMessage, Data: []byte("hello relay")})
	require.Eventually(t, func() bool {
		return len(relayFake.Sent()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "hello relay", string(relayFake.Sent()[0]))

	relayFake.Deliver(transport.Event{Kind: transport.EventMessage, Data: []byte("hello client")})
	require.Eventually(t, func() bool {
		return len(clientFake.Sent()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "hello client", string(clientFake.Sent()[0]))
}

func TestSessionFlushRetriesAfterBackpressureDrains(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AnswerTimeout = time.Second

	pc := transporttest.NewPeerConnection()
	pc.AnswerSDP = "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\n"
	pcFactory := transporttest.NewPeerConnectionFactory(pc)

	relayFake := transporttest.NewFake()
	dialer := transporttest.NewRelayDialer(relayFake)

	s, _ := newTestSession(cfg, pcFactory, dialer)
	require.NoError(t, s.begin())

	answered := make(chan string, 1)
	require.True(t, s.receiveOffer("offer", "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\n", func(sdp string) {
		answered <- sdp
	}))
	<-answered

	clientFake := transporttest.NewFake()
	pc.OpenDataChannel(clientFake)
	require.Eventually(t, func() bool {
		return s.State() == StateForwarding
	}, time.Second, time.Millisecond)

	relayFake.SetBuffered(maxBufferedBytes)
	clientFake.Deliver(transport.Event{Kind: transport.EventMessage, Data: []byte("hello relay")})

	require.Never(t, func() bool {
		return len(relayFake.Sent()) == 1
	}, 200*time.Millisecond, 20*time.Millisecond)

	relayFake.SetBuffered(0)
	require.Eventually(t, func() bool {
		return len(relayFake.Sent()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "hello relay", string(relayFake.Sent()[0]))
}

func TestSessionInvalidOfferCloses(t *testing.T) {
	cfg := DefaultConfig()

	pc := transporttest.NewPeerConnection()
	pc.SetRemoteErr = assertErr
	pcFactory := transporttest.NewPeerConnectionFactory(pc)
	dialer := transporttest.NewRelayDialer()

	s, closeEvents := newTestSession(cfg, pcFactory, dialer)
	require.NoError(t, s.begin())

	ok := s.receiveOffer("offer", "garbage", func(string) {})
	assert.False(t, ok)

	select {
	case ev := <-closeEvents:
		assert.Equal(t, s.ID(), ev.ID)
		assert.False(t, ev.ReachedForwarding)
	case <-time.After(time.Second):
		t.Fatal("session did not report closure")
	}
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionRejectsNonOfferType(t *testing.T) {
	cfg := DefaultConfig()

	pc := transporttest.NewPeerConnection()
	pcFactory := transporttest.NewPeerConnectionFactory(pc)
	dialer := transporttest.NewRelayDialer()

	s, closeEvents := newTestSession(cfg, pcFactory, dialer)
	require.NoError(t, s.begin())

	ok := s.receiveOffer("answer", "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\n", func(string) {})
	assert.False(t, ok)

	select {
	case ev := <-closeEvents:
		assert.Equal(t, s.ID(), ev.ID)
		assert.Equal(t, "invalid-offer-type", ev.Reason)
		assert.False(t, ev.ReachedForwarding)
	case <-time.After(time.Second):
		t.Fatal("session did not report closure")
	}
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionDialRelayAppendsClientIP(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AnswerTimeout = time.Second

	pc := transporttest.NewPeerConnection()
	pc.AnswerSDP = "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\n"
	pcFactory := transporttest.NewPeerConnectionFactory(pc)

	relayFake := transporttest.NewFake()
	dialer := transporttest.NewRelayDialer(relayFake)

	s, _ := newTestSession(cfg, pcFactory, dialer)
	require.NoError(t, s.begin())

	offerSDP := "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n" +
		"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\nc=IN IP4 0.0.0.0\r\n" +
		"a=candidate:1 1 UDP 2122260223 203.0.113.5 54321 typ host\r\n"

	answered := make(chan string, 1)
	ok := s.receiveOffer("offer", offerSDP, func(sdp string) { answered <- sdp })
	require.True(t, ok)

	select {
	case <-answered:
	case <-time.After(time.Second):
		t.Fatal("sendAnswer was never called")
	}

	clientFake := transporttest.NewFake()
	pc.OpenDataChannel(clientFake)

	require.Eventually(t, func() bool {
		return s.State() == StateForwarding
	}, time.Second, time.Millisecond)

	u, err := url.Parse(dialer.LastURL)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", u.Query().Get("client_ip"))
}

func TestWithClientIP(t *testing.T) {
	assert.Equal(t, "wss://relay.example/", withClientIP("wss://relay.example/", ""))
	assert.Equal(t, "wss://relay.example/?client_ip=203.0.113.5", withClientIP("wss://relay.example/", "203.0.113.5"))
	assert.Equal(t, "wss://relay.example/?a=1&client_ip=203.0.113.5", withClientIP("wss://relay.example/?a=1", "203.0.113.5"))
}

func TestSessionRelayURLPolicy(t *testing.T) {
	cfg := DefaultConfig()
	s, _ := newTestSession(cfg, transporttest.NewPeerConnectionFactory(), transporttest.NewRelayDialer())

	require.NoError(t, s.setRelayURL("wss://snowflake.torproject.net/"))
	err := s.setRelayURL("wss://evil.example.com/")
	assert.Error(t, err)

	err = s.setRelayURL("ws://snowflake.torproject.net/")
	assert.Error(t, err, "non-wss scheme must be rejected")
}

func TestSessionDataChannelTimeoutFailureReportsClientNAT(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataChannelTimeout = 20 * time.Millisecond

	pcFactory := transporttest.NewPeerConnectionFactory()
	dialer := transporttest.NewRelayDialer()

	s, closeEvents, _ := newTestSessionWithNAT(cfg, pcFactory, dialer, "restricted")
	require.NoError(t, s.begin())

	select {
	case ev := <-closeEvents:
		assert.Equal(t, "datachannel-timeout", ev.Reason)
		assert.True(t, ev.ClientNATRestricted)
	case <-time.After(time.Second):
		t.Fatal("session did not time out")
	}
}

func TestSessionDataChannelReadyReportsSuccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataChannelTimeout = 20 * time.Millisecond
	cfg.AnswerTimeout = time.Second

	pc := transporttest.NewPeerConnection()
	pc.AnswerSDP = "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\n"
	pcFactory := transporttest.NewPeerConnectionFactory(pc)

	relayFake := transporttest.NewFake()
	dialer := transporttest.NewRelayDialer(relayFake)

	s, _, readyEvents := newTestSessionWithNAT(cfg, pcFactory, dialer, "unknown")
	require.NoError(t, s.begin())

	ok := s.receiveOffer("offer", "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\n", func(string) {})
	require.True(t, ok)

	clientFake := transporttest.NewFake()
	pc.OpenDataChannel(clientFake)

	select {
	case id := <-readyEvents:
		assert.Equal(t, s.ID(), id)
	case <-time.After(time.Second):
		t.Fatal("session never reported readiness")
	}
	assert.NotEqual(t, StateClosed, s.State())
}

// assertErr is a sentinel error used only to force SetRemoteDescription to
// fail in TestSessionInvalidOfferCloses.
var assertErr = &sentinelError{"invalid offer"}

type sentinelError struct{ msg string }

func (e *sentinelError) Error() string { return e.msg }
