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
	"sync"
	"testing"
	"time"

	"github.com/alwitt/pushgate/events"
	"github.com/apex/log"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestHeartbeatSweep(t *testing.T) {
	defer goleak.VerifyNone(t)
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	clk := testclock.NewClock(time.Now())
	registry, err := GetConnectionRegistry("ut-heartbeat", 4, clk)
	assert.Nil(err)

	_, err = GetHeartbeatSupervisor(utCtxt, "ut-heartbeat", registry, 0, time.Minute, clk, &wg)
	assert.NotNil(err)

	uut, err := GetHeartbeatSupervisor(
		utCtxt, "ut-heartbeat", registry, time.Second*5, time.Second*60, clk, &wg,
	)
	assert.Nil(err)

	topic := testTopic(t, events.FileClass, "F1")
	silent, err := registry.Admit("conn-silent", "user-1")
	assert.Nil(err)
	chatty, err := registry.Admit("conn-chatty", "user-1")
	assert.Nil(err)
	assert.True(registry.Subscribe(silent.ID(), topic))
	assert.True(registry.Subscribe(chatty.ID(), topic))

	// Case 0: nothing idle yet
	{
		clk.Advance(time.Second * 30)
		chatty.Touch()
		assert.Equal(0, uut.Sweep())
	}

	// Case 1: exactly at the timeout is still alive
	{
		clk.Advance(time.Second * 30)
		assert.Equal(0, uut.Sweep())
	}

	// Case 2: past the timeout
	{
		clk.Advance(time.Second)
		assert.Equal(1, uut.Sweep())
		<-silent.Done()
		assert.Equal(CloseHeartbeatTimeout, silent.CloseReason().Code)
		assert.Equal([]string{"conn-chatty"}, connIDs(registry.SubscribersOf(topic)))
		assert.Empty(registry.TopicsOf(silent.ID()))
		assert.Equal(0, uut.Sweep())
	}
}

func TestHeartbeatEvictionWithinBound(t *testing.T) {
	defer goleak.VerifyNone(t)
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	interval := time.Second * 5
	timeout := time.Second * 60
	clk := testclock.NewClock(time.Now())
	registry, err := GetConnectionRegistry("ut-heartbeat", 4, clk)
	assert.Nil(err)
	uut, err := GetHeartbeatSupervisor(utCtxt, "ut-heartbeat", registry, interval, timeout, clk, &wg)
	assert.Nil(err)

	conn, err := registry.Admit("conn-1", "user-1")
	assert.Nil(err)
	assert.Nil(uut.Start())

	// Drive the timer until the connection is gone; it must not take longer than
	// timeout + interval of clock time
	elapsed := time.Duration(0)
	for registry.Stats().TotalConnections > 0 && elapsed <= timeout+interval {
		assert.Nil(clk.WaitAdvance(interval, time.Second, 1))
		elapsed += interval
		assert.Eventually(func() bool {
			return registry.Stats().TotalConnections == 0 || elapsed <= timeout
		}, time.Second, time.Millisecond*5)
	}
	assert.LessOrEqual(elapsed, timeout+interval)
	assert.Eventually(func() bool {
		return registry.Stats().TotalConnections == 0
	}, time.Second, time.Millisecond*5)
	<-conn.Done()
	assert.Equal(CloseHeartbeatTimeout, conn.CloseReason().Code)

	assert.Nil(uut.Stop())
}
