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

Package wstransport implements transport.RelayDialer over gorilla/websocket.
gorilla's WriteMessage may not be called concurrently, so every connection
is driven by a single writer goroutine reading off a buffered send queue;
callers only ever enqueue.

*/
package wstransport

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/torfreehaven/snowproxy/internal/errors"
	"github.com/torfreehaven/snowproxy/proxy/transport"
)

const sendQueueSize = 256

// Dialer implements transport.RelayDialer by opening a wss:// connection.
type Dialer struct {
	websocket.Dialer
}

// NewDialer returns a Dialer with no handshake timeout of its own; callers
// bound the connect attempt via ctx.
func NewDialer() *Dialer {
	return &Dialer{Dialer: websocket.Dialer{}}
}

func (d *Dialer) Dial(ctx context.Context, relayURL string) (transport.Transport, error) {
	conn, _, err := d.Dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return newConn(conn), nil
}

// conn wraps a *websocket.Conn as a transport.Transport, isolating all
// writes to a single goroutine reading off send.
type conn struct {
	ws *websocket.Conn

	send   chan []byte
	events chan transport.Event

	mu       sync.Mutex
	buffered int

	closeOnce sync.Once
	doneCh    chan struct{}
}

func newConn(ws *websocket.Conn) *conn {
	c := &conn{
		ws:     ws,
		send:   make(chan []byte, sendQueueSize),
		events: make(chan transport.Event, 64),
		doneCh: make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c
}

func (c *conn) writePump() {
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			err := c.ws.WriteMessage(websocket.BinaryMessage, data)
			c.mu.Lock()
			c.buffered -= len(data)
			c.mu.Unlock()
			if err != nil {
				c.closeWithEvent(transport.Event{Kind: transport.EventError, Err: err})
				return
			}
		case <-c.doneCh:
			return
		}
	}
}

func (c *conn) readPump() {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.closeWithEvent(transport.Event{Kind: transport.EventClosed})
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		select {
		case c.events <- transport.Event{Kind: transport.EventMessage, Data: data}:
		case <-c.doneCh:
			return
		}
	}
}

func (c *conn) Events() <-chan transport.Event { return c.events }

func (c *conn) Send(data []byte) error {
	c.mu.Lock()
	c.buffered += len(data)
	c.mu.Unlock()
	select {
	case c.send <- data:
		return nil
	case <-c.doneCh:
		return errors.TraceNew("send on closed relay transport")
	}
}

func (c *conn) BufferedAmount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *conn) closeWithEvent(ev transport.Event) {
	c.closeOnce.Do(func() {
		close(c.doneCh)
		c.ws.Close()
		c.events <- ev
		close(c.events)
	})
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.doneCh)
		c.ws.Close()
		close(c.events)
	})
	return nil
}
