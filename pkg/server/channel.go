// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second // Time allowed to write a single frame

const (
	closeNormal    = websocket.CloseNormalClosure
	closeGoingAway = websocket.CloseGoingAway
	closeTooBig    = websocket.CloseMessageTooBig
)

var (
	errChannelClosed = errors.New("Channel is closed")
	errSendQueueFull = errors.New("Send queue is full")
)

// connState is the lifecycle state of a channel.
// States only move forward: Connecting, Open, Closing, Closed.
type connState int32

const (
	stateConnecting connState = iota
	stateOpen
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// wsChannel is a relay.Channel backed by a WebSocket connection.
// Only the write loop writes to the connection; Send only queues.
type wsChannel struct {
	id         string
	remoteAddr string
	conn       *websocket.Conn
	srv        *Server
	log        *logrus.Entry

	state     atomic.Int32
	send      chan []byte
	done      chan struct{} // Closed when the channel starts closing
	closeOnce sync.Once
	closeCode int
	reason    string // Set before done is closed

	finishOnce sync.Once
	lastSeen   atomic.Int64
}

func newChannel(srv *Server, conn *websocket.Conn, id, remoteAddr string) *wsChannel {
	c := &wsChannel{
		id:         id,
		remoteAddr: remoteAddr,
		conn:       conn,
		srv:        srv,
		send:       make(chan []byte, srv.SendQueueSize),
		done:       make(chan struct{}),
		log: srv.Log.WithFields(logrus.Fields{
			"channel_id":  id,
			"remote_addr": remoteAddr,
		}),
	}
	c.touch()
	return c
}

func (c *wsChannel) ID() string {
	return c.id
}

func (c *wsChannel) String() string {
	return "channel " + c.id + " (" + c.remoteAddr + ")"
}

func (c *wsChannel) getState() connState {
	return connState(c.state.Load())
}

// transition moves the channel to a later state.
// It returns false if the channel is already in that state or past it.
func (c *wsChannel) transition(to connState) bool {
	for {
		from := c.getState()
		if from == stateClosed || to <= from {
			return false
		}
		if c.state.CompareAndSwap(int32(from), int32(to)) {
			c.log.WithFields(logrus.Fields{
				"from": from.String(),
				"to":   to.String(),
			}).Debug("Channel state changed")
			return true
		}
	}
}

func (c *wsChannel) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when the client last sent a message or pong.
func (c *wsChannel) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Send queues msg to be written to the client.
// It never blocks: if the client can't keep up, an error is returned.
func (c *wsChannel) Send(msg []byte) error {
	if c.getState() != stateOpen {
		return errChannelClosed
	}
	select {
	case <-c.done:
		return errChannelClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errSendQueueFull
	}
}

// Close starts closing the channel.
// Messages already queued are flushed before the close frame is sent.
func (c *wsChannel) Close(reason string) error {
	c.closeWithCode(closeNormal, reason)
	return nil
}

func (c *wsChannel) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		c.transition(stateClosing)
		c.closeCode = code
		c.reason = reason
		close(c.done)
	})
}

// idleDeadline returns the read deadline after the client was heard from, or the zero time.
func (c *wsChannel) idleDeadline() time.Time {
	if timeout := c.srv.idleTimeout(); timeout > 0 {
		return time.Now().Add(timeout)
	}
	return time.Time{}
}

// readLoop reads messages from the client, and hands them to the relay,
// until the connection fails or is closed.
// When it returns, the channel is deregistered and closed.
func (c *wsChannel) readLoop() {
	defer c.finish()

	c.conn.SetReadLimit(c.srv.MaxMessageSize)
	c.conn.SetReadDeadline(c.idleDeadline())
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(c.idleDeadline())
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.touch()
		c.conn.SetReadDeadline(c.idleDeadline())
		c.srv.Relay.OnInboundMessage(c, payload)
	}
}

func (c *wsChannel) handleReadError(err error) {
	var netErr net.Error
	switch {
	case c.getState() != stateOpen:
		// We closed the connection ourselves.
		c.log.WithField("error", err).Debug("Read stopped")
		c.closeWithCode(closeNormal, "Closed")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.log.Debug("Client closed the connection")
		c.closeWithCode(closeNormal, "Client disconnected")
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.WithField("max_message_size", c.srv.MaxMessageSize).Warn("Message too big")
		c.closeWithCode(closeTooBig, "Message too big")
	case errors.As(err, &netErr) && netErr.Timeout():
		c.log.WithField("last_seen", c.LastSeen()).Info("Client timed out")
		c.closeWithCode(closeGoingAway, "Ping timeout")
	case websocket.IsUnexpectedCloseError(err):
		c.log.WithField("error", err).Warn("Unexpected close")
		c.closeWithCode(closeNormal, "Connection lost")
	default:
		c.log.WithField("error", err).Info("Connection lost")
		c.closeWithCode(closeNormal, "Connection lost")
	}
}

// writeLoop writes queued messages and pings to the client.
// Once the channel is closing, pending messages are flushed, a close frame is sent,
// and the connection is closed, which stops readLoop.
func (c *wsChannel) writeLoop() {
	defer c.conn.Close()

	var pings <-chan time.Time
	if c.srv.TimeBetweenPings > 0 {
		ticker := time.NewTicker(c.srv.TimeBetweenPings)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.log.WithField("error", err).Info("Write failed")
				c.closeWithCode(closeNormal, "Write error")
				return
			}
		case <-pings:
			deadline := time.Now().Add(writeWait)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.WithField("error", err).Info("Ping failed")
				c.closeWithCode(closeNormal, "Write error")
				return
			}
		case <-c.done:
			c.flush()
			msg := websocket.FormatCloseMessage(c.closeCode, c.reason)
			if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
				c.log.WithField("error", err).Debug("Cannot send close frame")
			}
			return
		}
	}
}

// flush writes whatever is still queued, giving up on the first error.
func (c *wsChannel) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsChannel) write(msg []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// finish deregisters the channel, and marks it closed.
func (c *wsChannel) finish() {
	c.finishOnce.Do(func() {
		c.closeWithCode(closeNormal, "Closed")
		if c.srv.Registry.Deregister(c) {
			c.log.Debug("Channel deregistered")
		}
		c.transition(stateClosed)
		c.log.WithField("reason", c.reason).Info("Client disconnected")
	})
}
