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

import "errors"

// WebSocket close codes used by the broker
const (
	CloseNormal           = 1000
	CloseServerShutdown   = 1001
	ClosePolicyViolation  = 1008
	CloseInternalError    = 1011
	CloseSendSaturated    = 1013
	CloseHeartbeatTimeout = 4000
)

// CloseReason why a connection was closed
type CloseReason struct {
	Code int
	Text string
}

// State lifecycle state of a connection
type State int32

// Connection lifecycle states
const (
	StateConnecting State = iota
	StateAuthenticating
	StateSubscribing
	StateReplaying
	StateActive
	StateClosing
	StateClosed
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateReplaying:
		return "replaying"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrQueueSaturated the connection's outbound queue is full
	ErrQueueSaturated = errors.New("outbound queue saturated")
	// ErrConnectionClosed the connection is closing or closed
	ErrConnectionClosed = errors.New("connection closed")
	// ErrDuplicateConnection a connection with the same id is already admitted
	ErrDuplicateConnection = errors.New("duplicate connection id")
	// ErrInvalidAdmission connection or user id missing
	ErrInvalidAdmission = errors.New("invalid admission")
	// ErrBrokerStopping the broker is shutting down and accepts no new handlers
	ErrBrokerStopping = errors.New("broker stopping")
)
