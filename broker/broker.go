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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/pushgate/core"
	"github.com/alwitt/pushgate/metrics"
	"github.com/apex/log"
	"github.com/juju/clock"
)

// Params notification broker parameters
type Params struct {
	// Instance names this broker in logs
	Instance string
	// QueueSize is the outbound queue capacity of each connection
	QueueSize int
	// HeartbeatInterval is the time between idle sweeps
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long a connection may stay silent
	HeartbeatTimeout time.Duration
	// Bridge are the bus bridge parameters
	Bridge BridgeParams
	// Clock is the time source. Defaults to the wall clock.
	Clock clock.Clock
}

// Broker the notification broker: registry, fan-out, bus bridge and heartbeat
// supervision, with one lifecycle
type Broker struct {
	goutils.Component
	registry    ConnectionRegistry
	broadcaster Broadcaster
	bridge      BusBridge
	heartbeat   HeartbeatSupervisor
	clk         clock.Clock
	startTime   time.Time
	handlers    sync.WaitGroup
	lock        sync.Mutex
	stopping    bool
}

// GetBroker define a Broker on a NATS client
func GetBroker(
	ctxt context.Context, client *core.NatsClient, params Params, wg *sync.WaitGroup,
) (*Broker, error) {
	if params.Clock == nil {
		params.Clock = clock.WallClock
	}
	logTags := log.Fields{
		"module": "broker", "component": "broker", "instance": params.Instance,
	}
	registry, err := GetConnectionRegistry(params.Instance, params.QueueSize, params.Clock)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return nil, err
	}
	broadcaster, err := GetBroadcaster(params.Instance, registry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcaster")
		return nil, err
	}
	bridge, err := GetBusBridge(ctxt, params.Instance, client, broadcaster, params.Bridge)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define bus bridge")
		return nil, err
	}
	heartbeat, err := GetHeartbeatSupervisor(
		ctxt, params.Instance, registry,
		params.HeartbeatInterval, params.HeartbeatTimeout, params.Clock, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define heartbeat supervisor")
		return nil, err
	}
	return &Broker{
		Component:   goutils.Component{LogTags: logTags},
		registry:    registry,
		broadcaster: broadcaster,
		bridge:      bridge,
		heartbeat:   heartbeat,
		clk:         params.Clock,
		startTime:   params.Clock.Now(),
	}, nil
}

// Registry the broker's connection registry
func (b *Broker) Registry() ConnectionRegistry {
	return b.registry
}

// Broadcaster the broker's fan-out
func (b *Broker) Broadcaster() Broadcaster {
	return b.broadcaster
}

// Clock the broker's time source
func (b *Broker) Clock() clock.Clock {
	return b.clk
}

// StartTime when the broker was defined
func (b *Broker) StartTime() time.Time {
	return b.startTime
}

// Start begin bus delivery and heartbeat supervision
func (b *Broker) Start() error {
	if err := b.bridge.Start(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to start bus bridge")
		return fmt.Errorf("start bus bridge: %w", err)
	}
	if err := b.heartbeat.Start(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to start heartbeat supervisor")
		return err
	}
	log.WithFields(b.LogTags).Info("Broker started")
	return nil
}

// TrackHandler register a running connection handler. Stop waits for every
// tracked handler to call the returned function. Once Stop has begun no new
// handler is accepted and ErrBrokerStopping is returned.
func (b *Broker) TrackHandler() (func(), error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.stopping {
		return nil, ErrBrokerStopping
	}
	b.handlers.Add(1)
	var once sync.Once
	return func() {
		once.Do(b.handlers.Done)
	}, nil
}

// Stop shut the broker down: deliver what the bridge already received, stop
// heartbeat sweeps, then close every connection as a server shutdown and wait
// for their handlers
func (b *Broker) Stop(ctxt context.Context) error {
	log.WithFields(b.LogTags).Info("Stopping broker")
	b.lock.Lock()
	b.stopping = true
	b.lock.Unlock()
	if err := b.bridge.Stop(ctxt); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Bus bridge stop failed")
	}
	if err := b.heartbeat.Stop(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Heartbeat supervisor stop failed")
	}

	for _, conn := range b.registry.All() {
		if conn.Close(CloseServerShutdown, "server shutdown") {
			metrics.EvictionsTotal.WithLabelValues(metrics.ReasonShutdown).Inc()
		}
	}

	done := make(chan struct{})
	go func() {
		b.handlers.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctxt.Done():
		err = ctxt.Err()
		log.WithError(err).WithFields(b.LogTags).Error("Connection handlers did not stop in time")
	}
	for _, conn := range b.registry.All() {
		b.registry.Remove(conn.ID())
	}
	log.WithFields(b.LogTags).Info("Broker stopped")
	return err
}
