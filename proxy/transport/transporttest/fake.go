/*

Package transporttest provides in-memory transport.Transport,
transport.PeerConnection, and transport.RelayDialer fakes for exercising
proxy.Session and proxy.Scheduler without a real WebRTC or WebSocket
connection.

*/
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/torfreehaven/snowproxy/proxy/transport"
)

var errFakeTransportClosed = errors.New("transporttest: send on closed transport")

// Fake is an in-memory transport.Transport. Test code feeds inbound events
// with Deliver and reads outbound sends from Sent.
type Fake struct {
	mu       sync.Mutex
	events   chan transport.Event
	sent     [][]byte
	buffered int
	closed   bool

	// SendErr, if set, is returned by every call to Send.
	SendErr error
}

// NewFake returns a Fake with a buffered event channel large enough for
// typical test scenarios.
func NewFake() *Fake {
	return &Fake{events: make(chan transport.Event, 64)}
}

func (f *Fake) Events() <-chan transport.Event { return f.events }

func (f *Fake) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	if f.closed {
		return errFakeTransportClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *Fake) BufferedAmount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

// SetBuffered lets a test simulate backpressure from the underlying
// transport.
func (f *Fake) SetBuffered(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffered = n
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.events)
	return nil
}

// Deliver injects an inbound event. It is a no-op once the Fake is closed.
func (f *Fake) Deliver(e transport.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events <- e
}

// Sent returns a snapshot of everything passed to Send so far.
func (f *Fake) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// PeerConnection is an in-memory transport.PeerConnection.
type PeerConnection struct {
	mu                    sync.Mutex
	remoteDescriptionSet  bool
	localSDP              string
	iceGatheringComplete  chan struct{}
	dataChannelOpened     chan transport.Transport
	closed                bool

	// AnswerSDP is returned by CreateAnswer. AnswerErr, if set, is
	// returned instead.
	AnswerSDP string
	AnswerErr error

	// SetRemoteErr, if set, is returned by SetRemoteDescription.
	SetRemoteErr error

	// AutoCompleteICE, if true (the default), closes the ICE-gathering
	// channel synchronously inside CreateAnswer, simulating a peer
	// connection with no candidates left to gather.
	AutoCompleteICE bool
}

// NewPeerConnection returns a PeerConnection that completes ICE gathering
// immediately once CreateAnswer is called, unless AutoCompleteICE is set to
// false by the caller first.
func NewPeerConnection() *PeerConnection {
	return &PeerConnection{
		iceGatheringComplete: make(chan struct{}),
		dataChannelOpened:    make(chan transport.Transport, 1),
		AutoCompleteICE:      true,
	}
}

func (p *PeerConnection) SetRemoteDescription(offerSDP string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SetRemoteErr != nil {
		return p.SetRemoteErr
	}
	p.remoteDescriptionSet = true
	return nil
}

func (p *PeerConnection) CreateAnswer() (string, error) {
	p.mu.Lock()
	if p.AnswerErr != nil {
		p.mu.Unlock()
		return "", p.AnswerErr
	}
	p.localSDP = p.AnswerSDP
	auto := p.AutoCompleteICE
	p.mu.Unlock()
	if auto {
		p.CompleteICEGathering()
	}
	return p.localSDP, nil
}

func (p *PeerConnection) ICEGatheringComplete() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.iceGatheringComplete
}

func (p *PeerConnection) LocalDescription() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localSDP, p.localSDP != ""
}

func (p *PeerConnection) DataChannelOpened() <-chan transport.Transport {
	return p.dataChannelOpened
}

func (p *PeerConnection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// CompleteICEGathering fires the ICE-gathering-complete event exactly once.
func (p *PeerConnection) CompleteICEGathering() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.iceGatheringComplete:
	default:
		close(p.iceGatheringComplete)
	}
}

// OpenDataChannel delivers t as the negotiated data channel.
func (p *PeerConnection) OpenDataChannel(t transport.Transport) {
	p.dataChannelOpened <- t
}

// PeerConnectionFactory is an in-memory transport.PeerConnectionFactory
// that always returns the given PeerConnection instances, in order.
type PeerConnectionFactory struct {
	mu   sync.Mutex
	next []*PeerConnection
}

// NewPeerConnectionFactory returns a factory that hands out pcs in order,
// one per call to NewPeerConnection.
func NewPeerConnectionFactory(pcs ...*PeerConnection) *PeerConnectionFactory {
	return &PeerConnectionFactory{next: pcs}
}

func (f *PeerConnectionFactory) NewPeerConnection() (transport.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.next) == 0 {
		return NewPeerConnection(), nil
	}
	pc := f.next[0]
	f.next = f.next[1:]
	return pc, nil
}

// RelayDialer is an in-memory transport.RelayDialer.
type RelayDialer struct {
	mu   sync.Mutex
	next []*Fake

	// DialErr, if set, is returned by every call to Dial.
	DialErr error

	// LastURL records the most recently dialed URL.
	LastURL string
}

// NewRelayDialer returns a dialer that hands out fakes in order, one per
// call to Dial. If exhausted, it returns fresh Fakes.
func NewRelayDialer(fakes ...*Fake) *RelayDialer {
	return &RelayDialer{next: fakes}
}

func (d *RelayDialer) Dial(ctx context.Context, url string) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.LastURL = url
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if len(d.next) == 0 {
		return NewFake(), nil
	}
	f := d.next[0]
	d.next = d.next[1:]
	return f, nil
}
