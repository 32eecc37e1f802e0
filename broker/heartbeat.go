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
	"github.com/alwitt/pushgate/common"
	"github.com/alwitt/pushgate/metrics"
	"github.com/apex/log"
	"github.com/juju/clock"
)

// HeartbeatSupervisor closes connections that have gone silent
type HeartbeatSupervisor interface {
	// Start begin sweeping on the configured interval
	Start() error
	// Stop stop sweeping
	Stop() error
	// Sweep close every connection idle longer than the timeout. Returns the
	// number of connections closed.
	Sweep() int
}

// heartbeatSupervisorImpl implements HeartbeatSupervisor
type heartbeatSupervisorImpl struct {
	goutils.Component
	registry ConnectionRegistry
	clk      clock.Clock
	interval time.Duration
	timeout  time.Duration
	timer    common.IntervalTimer
}

// GetHeartbeatSupervisor define a HeartbeatSupervisor
func GetHeartbeatSupervisor(
	ctxt context.Context,
	instance string,
	registry ConnectionRegistry,
	interval, timeout time.Duration,
	clk clock.Clock,
	wg *sync.WaitGroup,
) (HeartbeatSupervisor, error) {
	if interval <= 0 || timeout <= 0 {
		return nil, fmt.Errorf("invalid heartbeat interval %s / timeout %s", interval, timeout)
	}
	if clk == nil {
		clk = clock.WallClock
	}
	logTags := log.Fields{
		"module": "broker", "component": "heartbeat-supervisor", "instance": instance,
	}
	timer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("%s-heartbeat", instance), ctxt, clk, wg,
	)
	if err != nil {
		return nil, err
	}
	return &heartbeatSupervisorImpl{
		Component: goutils.Component{LogTags: logTags},
		registry:  registry,
		clk:       clk,
		interval:  interval,
		timeout:   timeout,
		timer:     timer,
	}, nil
}

// Start begin sweeping on the configured interval
func (h *heartbeatSupervisorImpl) Start() error {
	return h.timer.Start(h.interval, func() error {
		h.Sweep()
		return nil
	}, false)
}

// Stop stop sweeping
func (h *heartbeatSupervisorImpl) Stop() error {
	return h.timer.Stop()
}

// Sweep close every connection idle longer than the timeout
func (h *heartbeatSupervisorImpl) Sweep() int {
	now := h.clk.Now()
	evicted := 0
	for _, conn := range h.registry.All() {
		idle := now.Sub(conn.LastActivity())
		if idle <= h.timeout {
			continue
		}
		log.WithFields(h.LogTags).Infof(
			"Closing connection %s of user %s: idle for %s", conn.ID(), conn.UserID(), idle,
		)
		if conn.Close(CloseHeartbeatTimeout, "heartbeat timeout") {
			metrics.EvictionsTotal.WithLabelValues(metrics.ReasonHeartbeatTimeout).Inc()
		}
		if h.registry.Remove(conn.ID()) {
			evicted++
		}
	}
	if evicted > 0 {
		log.WithFields(h.LogTags).Debugf("Sweep evicted %d connections", evicted)
	}
	return evicted
}
