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
	"errors"

	"github.com/alwitt/goutils"
	"github.com/alwitt/pushgate/events"
	"github.com/alwitt/pushgate/metrics"
	"github.com/apex/log"
)

// Broadcaster fans events out to the subscribers of their topic
type Broadcaster interface {
	// Publish hand an event to every subscriber of its topic without blocking.
	// Returns the number of connections the event was handed to.
	Publish(env events.Envelope) int
}

// broadcasterImpl implements Broadcaster
type broadcasterImpl struct {
	goutils.Component
	registry ConnectionRegistry
}

// GetBroadcaster define a Broadcaster over a registry
func GetBroadcaster(instance string, registry ConnectionRegistry) (Broadcaster, error) {
	logTags := log.Fields{
		"module": "broker", "component": "broadcaster", "instance": instance,
	}
	return &broadcasterImpl{
		Component: goutils.Component{LogTags: logTags}, registry: registry,
	}, nil
}

// Publish hand an event to every subscriber of its topic
//
// A subscriber whose queue is full is closed and removed after the fan-out, so
// it never delays delivery to the others.
func (b *broadcasterImpl) Publish(env events.Envelope) int {
	data, err := env.Frame()
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to encode '%s' for %s", env.Kind(), env.Topic(),
		)
		return 0
	}
	frame := OutboundFrame{Sequence: env.Sequence(), Data: data}

	delivered := 0
	saturated := []*Connection{}
	for _, conn := range b.registry.SubscribersOf(env.Topic()) {
		err := conn.Enqueue(frame)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrQueueSaturated):
			saturated = append(saturated, conn)
		}
	}

	for _, conn := range saturated {
		log.WithFields(b.LogTags).Warnf(
			"Evicting connection %s of user %s: send buffer saturated", conn.ID(), conn.UserID(),
		)
		if conn.Close(CloseSendSaturated, "send buffer saturated") {
			metrics.EvictionsTotal.WithLabelValues(metrics.ReasonSaturated).Inc()
		}
		b.registry.Remove(conn.ID())
	}

	className := env.Topic().Class().Name
	metrics.FramesDeliveredTotal.WithLabelValues(className).Add(float64(delivered))
	log.WithFields(b.LogTags).Debugf(
		"Delivered '%s' [%d] to %d connections of %s", env.Kind(), env.Sequence(), delivered, env.Topic(),
	)
	return delivered
}
