// Copyright 2026 The pushgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
)

// OutboundFrame one frame waiting to be written to a client
type OutboundFrame struct {
	// Sequence is the event's store sequence, zero for frames not from the bus
	Sequence uint64
	// Data is the encoded frame
	Data []byte
}

// Connection one live client socket
//
// Topic membership is owned by the registry. The outbound queue is never closed;
// writers stop on Done instead.
type Connection struct {
	id           string
	userID       string
	clk          clock.Clock
	outbound     chan OutboundFrame
	lastActivity atomic.Int64
	state        atomic.Int32
	closeOnce    sync.Once
	closed       chan struct{}
	reason       CloseReason
}

func newConnection(id, userID string, queueSize int, clk clock.Clock) *Connection {
	c := &Connection{
		id:       id,
		userID:   userID,
		clk:      clk,
		outbound: make(chan OutboundFrame, queueSize),
		closed:   make(chan struct{}),
	}
	c.Touch()
	c.state.Store(int32(StateSubscribing))
	return c
}

// ID the connection id
func (c *Connection) ID() string {
	return c.id
}

// UserID the id of the user owning the connection
func (c *Connection) UserID() string {
	return c.userID
}

// Outbound frames waiting to be written
func (c *Connection) Outbound() <-chan OutboundFrame {
	return c.outbound
}

// Enqueue hand a frame to the connection without blocking
func (c *Connection) Enqueue(frame OutboundFrame) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.outbound <- frame:
		return nil
	default:
		return ErrQueueSaturated
	}
}

// Touch record client activity now
func (c *Connection) Touch() {
	c.lastActivity.Store(c.clk.Now().UnixNano())
}

// LastActivity when the client was last heard from
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// State the connection's lifecycle state
func (c *Connection) State() State {
	return State(c.state.Load())
}

// SetState move the connection to a lifecycle state
func (c *Connection) SetState(s State) {
	c.state.Store(int32(s))
}

// Close signal the connection to close. Only the first call has effect; it
// reports whether this call was the one that closed the connection.
func (c *Connection) Close(code int, text string) bool {
	first := false
	c.closeOnce.Do(func() {
		c.reason = CloseReason{Code: code, Text: text}
		if c.State() < StateClosing {
			c.SetState(StateClosing)
		}
		close(c.closed)
		first = true
	})
	return first
}

// Done closed once the connection is signaled to close
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// CloseReason the code and text the connection was closed with. Only valid
// after Done is closed.
func (c *Connection) CloseReason() CloseReason {
	<-c.closed
	return c.reason
}
