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
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/pushgate/events"
	"github.com/apex/log"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func testTopic(t *testing.T, class events.ResourceClass, id string) events.Topic {
	topic, err := class.Topic(id)
	assert.Nil(t, err)
	return topic
}

func connIDs(conns []*Connection) []string {
	result := []string{}
	for _, conn := range conns {
		result = append(result, conn.ID())
	}
	return result
}

func TestRegistryBasicOperations(t *testing.T) {
	defer goleak.VerifyNone(t)
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	_, err := GetConnectionRegistry("ut-registry", 0, nil)
	assert.NotNil(err)

	uut, err := GetConnectionRegistry("ut-registry", 4, testclock.NewClock(time.Now()))
	assert.Nil(err)

	fileTopic := testTopic(t, events.FileClass, "F1")
	queryTopic := testTopic(t, events.QueryClass, "Q1")

	// Case 0: invalid admissions
	{
		_, err := uut.Admit("", "user-1")
		assert.ErrorIs(err, ErrInvalidAdmission)
		_, err = uut.Admit("conn-1", "")
		assert.ErrorIs(err, ErrInvalidAdmission)
	}

	// Case 1: admit
	{
		conn, err := uut.Admit("conn-1", "user-1")
		assert.Nil(err)
		assert.Equal("conn-1", conn.ID())
		assert.Equal("user-1", conn.UserID())
		_, err = uut.Admit("conn-1", "user-2")
		assert.ErrorIs(err, ErrDuplicateConnection)
		_, err = uut.Admit("conn-2", "user-1")
		assert.Nil(err)
		_, err = uut.Admit("conn-3", "user-2")
		assert.Nil(err)
		assert.ElementsMatch([]string{"conn-1", "conn-2"}, connIDs(uut.ConnectionsOf("user-1")))
		assert.Len(uut.All(), 3)
	}

	// Case 2: subscribe, idempotent
	{
		assert.True(uut.Subscribe("conn-1", fileTopic))
		assert.True(uut.Subscribe("conn-1", fileTopic))
		assert.True(uut.Subscribe("conn-1", queryTopic))
		assert.True(uut.Subscribe("conn-2", fileTopic))
		assert.True(uut.Subscribe("conn-3", queryTopic))
		assert.False(uut.Subscribe("conn-unknown", fileTopic))
		assert.ElementsMatch([]string{"conn-1", "conn-2"}, connIDs(uut.SubscribersOf(fileTopic)))
		assert.Equal([]events.Topic{fileTopic, queryTopic}, uut.TopicsOf("conn-1"))
		assert.Equal(RegistryStats{
			TotalConnections: 3, UniqueUsers: 2, Topics: 2, Subscriptions: 4,
			FileConnections: 2, QueryConnections: 2,
		}, uut.Stats())
	}

	// Case 3: unsubscribe
	{
		assert.True(uut.Unsubscribe("conn-1", queryTopic))
		assert.False(uut.Unsubscribe("conn-1", queryTopic))
		assert.False(uut.Unsubscribe("conn-unknown", queryTopic))
		assert.ElementsMatch([]string{"conn-3"}, connIDs(uut.SubscribersOf(queryTopic)))
		assert.True(uut.Unsubscribe("conn-3", queryTopic))
		assert.Empty(uut.SubscribersOf(queryTopic))
		assert.Equal(1, uut.Stats().Topics)
	}

	// Case 4: remove, twice
	{
		assert.True(uut.Remove("conn-1"))
		assert.False(uut.Remove("conn-1"))
		assert.Empty(uut.TopicsOf("conn-1"))
		assert.ElementsMatch([]string{"conn-2"}, connIDs(uut.SubscribersOf(fileTopic)))
		assert.ElementsMatch([]string{"conn-2"}, connIDs(uut.ConnectionsOf("user-1")))
		assert.False(uut.Subscribe("conn-1", fileTopic))
	}

	// Case 5: remove the rest
	{
		assert.True(uut.Remove("conn-2"))
		assert.True(uut.Remove("conn-3"))
		assert.Equal(RegistryStats{}, uut.Stats())
		assert.Empty(uut.ConnectionsOf("user-1"))
		assert.Empty(uut.SubscribersOf(fileTopic))
	}
}

// TestRegistryConcurrentConsistency interleaves subscribe, unsubscribe and remove
// across many connections and topics, then checks both directions agree
func TestRegistryConcurrentConsistency(t *testing.T) {
	defer goleak.VerifyNone(t)
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	uut, err := GetConnectionRegistry("ut-registry", 4, nil)
	assert.Nil(err)

	const numConns = 40
	const numTopics = 8
	const opsPerWorker = 400

	topics := make([]events.Topic, numTopics)
	for idx := range topics {
		class := events.FileClass
		if idx%2 == 1 {
			class = events.QueryClass
		}
		topics[idx] = testTopic(t, class, fmt.Sprintf("R%d", idx))
	}
	conns := make([]string, numConns)
	for idx := range conns {
		conns[idx] = fmt.Sprintf("conn-%d", idx)
		_, err := uut.Admit(conns[idx], fmt.Sprintf("user-%d", idx%5))
		assert.Nil(err)
	}

	wg := sync.WaitGroup{}
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for itr := 0; itr < opsPerWorker; itr++ {
				conn := conns[rng.Intn(numConns)]
				topic := topics[rng.Intn(numTopics)]
				switch rng.Intn(10) {
				case 0:
					uut.Remove(conn)
				case 1, 2, 3:
					uut.Unsubscribe(conn, topic)
				default:
					uut.Subscribe(conn, topic)
				}
				_ = uut.SubscribersOf(topic)
				_ = uut.Stats()
			}
		}(int64(worker))
	}
	wg.Wait()

	// Every subscriber of a topic lists the topic, and every listed topic has the
	// connection as a subscriber
	admitted := map[string]bool{}
	for _, conn := range uut.All() {
		admitted[conn.ID()] = true
	}
	subscriptions := 0
	for _, topic := range topics {
		subscribers := uut.SubscribersOf(topic)
		for _, conn := range subscribers {
			assert.True(admitted[conn.ID()])
			assert.Contains(uut.TopicsOf(conn.ID()), topic)
		}
		subscriptions += len(subscribers)
	}
	for _, connID := range conns {
		listed := uut.TopicsOf(connID)
		if !admitted[connID] {
			assert.Empty(listed)
			continue
		}
		for _, topic := range listed {
			assert.Contains(connIDs(uut.SubscribersOf(topic)), connID)
		}
	}
	stats := uut.Stats()
	assert.Equal(subscriptions, stats.Subscriptions)
	assert.Equal(len(admitted), stats.TotalConnections)
	activeTopics := 0
	for _, topic := range topics {
		if len(uut.SubscribersOf(topic)) > 0 {
			activeTopics++
		}
	}
	assert.Equal(activeTopics, stats.Topics)
}

// TestRegistryConcurrentRemove removes the same connection from many goroutines
func TestRegistryConcurrentRemove(t *testing.T) {
	defer goleak.VerifyNone(t)
	assert := assert.New(t)

	uut, err := GetConnectionRegistry("ut-registry", 4, nil)
	assert.Nil(err)

	topic := testTopic(t, events.FileClass, "F1")
	_, err = uut.Admit("conn-1", "user-1")
	assert.Nil(err)
	assert.True(uut.Subscribe("conn-1", topic))

	var lock sync.Mutex
	removed := 0
	wg := sync.WaitGroup{}
	start := make(chan struct{})
	for itr := 0; itr < 16; itr++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if uut.Remove("conn-1") {
				lock.Lock()
				removed++
				lock.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(1, removed)
	assert.Equal(RegistryStats{}, uut.Stats())
	assert.Empty(uut.SubscribersOf(topic))
	assert.Empty(uut.ConnectionsOf("user-1"))
	assert.Empty(uut.TopicsOf("conn-1"))
}
