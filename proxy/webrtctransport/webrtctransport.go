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

/*

Package webrtctransport implements transport.PeerConnectionFactory using
pion/webrtc. Data channels are detached immediately on open so the
transport.Transport wrapper can use plain Read/Write instead of pion's
OnMessage callback and internal read loop.

*/
package webrtctransport

import (
	"io"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/torfreehaven/snowproxy/internal/errors"
	"github.com/torfreehaven/snowproxy/proxy/transport"
)

const dataChannelReadBufferSize = 1 << 16 // pion's max data channel message size

// Factory constructs pion-backed peer connections offering the given ICE
// servers (e.g. "stun:stun.l.google.com:19302").
type Factory struct {
	iceServers []string
}

// NewFactory returns a Factory. iceServers may be empty, relying on
// server-reflexive candidates already present in the client's offer.
func NewFactory(iceServers []string) *Factory {
	return &Factory{iceServers: iceServers}
}

func (f *Factory) NewPeerConnection() (transport.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}

	// Detaching avoids pion's own DataChannel.readLoop goroutine, letting
	// the transport wrapper read directly off the SCTP stream instead.
	settingEngine.DetachDataChannels()

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	var iceServers []webrtc.ICEServer
	if len(f.iceServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: f.iceServers}}
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, errors.Trace(err)
	}

	w := &peerConnection{
		pc:                pc,
		iceComplete:       webrtc.GatheringCompletePromise(pc),
		dataChannelOpened: make(chan transport.Transport, 1),
	}
	pc.OnDataChannel(w.onDataChannel)
	return w, nil
}

type peerConnection struct {
	pc *webrtc.PeerConnection

	iceComplete <-chan struct{}

	dataChannelOpened chan transport.Transport
}

func (w *peerConnection) onDataChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			return
		}
		w.dataChannelOpened <- newDataChannelTransport(dc, raw)
	})
}

func (w *peerConnection) SetRemoteDescription(offerSDP string) error {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	return errors.Trace(w.pc.SetRemoteDescription(offer))
}

func (w *peerConnection) CreateAnswer() (string, error) {
	answer, err := w.pc.CreateAnswer(nil)
	if err != nil {
		return "", errors.Trace(err)
	}
	if err := w.pc.SetLocalDescription(answer); err != nil {
		return "", errors.Trace(err)
	}
	return answer.SDP, nil
}

func (w *peerConnection) ICEGatheringComplete() <-chan struct{} {
	return w.iceComplete
}

func (w *peerConnection) LocalDescription() (string, bool) {
	ld := w.pc.LocalDescription()
	if ld == nil {
		return "", false
	}
	return ld.SDP, true
}

func (w *peerConnection) DataChannelOpened() <-chan transport.Transport {
	return w.dataChannelOpened
}

func (w *peerConnection) Close() error {
	return errors.Trace(w.pc.Close())
}

// dataChannelTransport wraps a detached WebRTC data channel as a
// transport.Transport.
type dataChannelTransport struct {
	dc     *webrtc.DataChannel
	raw    io.ReadWriteCloser
	events chan transport.Event

	closeOnce sync.Once
}

func newDataChannelTransport(dc *webrtc.DataChannel, raw io.ReadWriteCloser) *dataChannelTransport {
	t := &dataChannelTransport{
		dc:     dc,
		raw:    raw,
		events: make(chan transport.Event, 64),
	}
	go t.readLoop()
	return t
}

func (t *dataChannelTransport) readLoop() {
	buf := make([]byte, dataChannelReadBufferSize)
	for {
		n, err := t.raw.Read(buf)
		if err != nil {
			t.events <- transport.Event{Kind: transport.EventClosed}
			close(t.events)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		t.events <- transport.Event{Kind: transport.EventMessage, Data: data}
	}
}

func (t *dataChannelTransport) Events() <-chan transport.Event { return t.events }

func (t *dataChannelTransport) Send(data []byte) error {
	_, err := t.raw.Write(data)
	return errors.Trace(err)
}

func (t *dataChannelTransport) BufferedAmount() int {
	return int(t.dc.BufferedAmount())
}

func (t *dataChannelTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.raw.Close()
	})
	return errors.Trace(err)
}
