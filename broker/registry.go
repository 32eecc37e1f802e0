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
	"sort"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/pushgate/events"
	"github.com/alwitt/pushgate/metrics"
	"github.com/apex/log"
	"github.com/juju/clock"
)

// RegistryStats counts describing the registry's content
type RegistryStats struct {
	// TotalConnections is the number of admitted connections
	TotalConnections int `json:"total_connections"`
	// UniqueUsers is the number of distinct users with a connection
	UniqueUsers int `json:"unique_users"`
	// Topics is the number of topics with at least one subscriber
	Topics int `json:"topics"`
	// Subscriptions is the number of (connection, topic) pairs
	Subscriptions int `json:"subscriptions"`
	// FileConnections is the number of connections subscribed to a file topic
	FileConnections int `json:"file_connections"`
	// QueryConnections is the number of connections subscribed to a query topic
	QueryConnections int `json:"query_connections"`
}

// ConnectionRegistry the in-memory table of connections and their subscriptions
type ConnectionRegistry interface {
	// Admit register a new connection for a user
	Admit(connID, userID string) (*Connection, error)
	// Subscribe subscribe a connection to a topic. Subscribing twice is a no-op.
	// Returns false if the connection is unknown.
	Subscribe(connID string, topic events.Topic) bool
	// Unsubscribe remove one subscription. Returns whether it existed.
	Unsubscribe(connID string, topic events.Topic) bool
	// Remove remove a connection and all of its subscriptions. Returns whether
	// the connection was present; removing twice is a no-op.
	Remove(connID string) bool
	// SubscribersOf the connections subscribed to a topic
	SubscribersOf(topic events.Topic) []*Connection
	// ConnectionsOf the connections of a user
	ConnectionsOf(userID string) []*Connection
	// TopicsOf the topics a connection subscribes to, sorted
	TopicsOf(connID string) []events.Topic
	// All every admitted connection
	All() []*Connection
	// Stats current counts
	Stats() RegistryStats
}

// connectionRegistryImpl implements ConnectionRegistry
//
// One lock guards all four indexes and every mutation updates them together.
type connectionRegistryImpl struct {
	goutils.Component
	lock        sync.RWMutex
	connections map[string]*Connection
	byUser      map[string]map[string]*Connection
	byTopic     map[events.Topic]map[string]*Connection
	topicsOf    map[string]map[events.Topic]struct{}
	queueSize   int
	clk         clock.Clock
}

// GetConnectionRegistry define a ConnectionRegistry. Admitted connections get an
// outbound queue of queueSize frames.
func GetConnectionRegistry(
	instance string, queueSize int, clk clock.Clock,
) (ConnectionRegistry, error) {
	if queueSize < 1 {
		return nil, fmt.Errorf("outbound queue size must be positive, got %d", queueSize)
	}
	if clk == nil {
		clk = clock.WallClock
	}
	logTags := log.Fields{
		"module": "broker", "component": "connection-registry", "instance": instance,
	}
	return &connectionRegistryImpl{
		Component:   goutils.Component{LogTags: logTags},
		connections: map[string]*Connection{},
		byUser:      map[string]map[string]*Connection{},
		byTopic:     map[events.Topic]map[string]*Connection{},
		topicsOf:    map[string]map[events.Topic]struct{}{},
		queueSize:   queueSize,
		clk:         clk,
	}, nil
}

// Admit register a new connection for a user
func (r *connectionRegistryImpl) Admit(connID, userID string) (*Connection, error) {
	if connID == "" || userID == "" {
		return nil, ErrInvalidAdmission
	}
	conn := newConnection(connID, userID, r.queueSize, r.clk)

	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.connections[connID]; ok {
		log.WithFields(r.LogTags).Errorf("Connection %s already admitted", connID)
		return nil, ErrDuplicateConnection
	}
	r.connections[connID] = conn
	userConns, ok := r.byUser[userID]
	if !ok {
		userConns = map[string]*Connection{}
		r.byUser[userID] = userConns
	}
	userConns[connID] = conn
	r.topicsOf[connID] = map[events.Topic]struct{}{}
	metrics.ActiveConnections.Inc()
	log.WithFields(r.LogTags).Debugf("Admitted connection %s for user %s", connID, userID)
	return conn, nil
}

// Subscribe subscribe a connection to a topic
func (r *connectionRegistryImpl) Subscribe(connID string, topic events.Topic) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	conn, ok := r.connections[connID]
	if !ok {
		log.WithFields(r.LogTags).Errorf("Subscribe %s: unknown connection %s", topic, connID)
		return false
	}
	subscribers, ok := r.byTopic[topic]
	if !ok {
		subscribers = map[string]*Connection{}
		r.byTopic[topic] = subscribers
	}
	subscribers[connID] = conn
	r.topicsOf[connID][topic] = struct{}{}
	return true
}

// Unsubscribe remove one subscription
func (r *connectionRegistryImpl) Unsubscribe(connID string, topic events.Topic) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	topics, ok := r.topicsOf[connID]
	if !ok {
		log.WithFields(r.LogTags).Errorf("Unsubscribe %s: unknown connection %s", topic, connID)
		return false
	}
	if _, ok := topics[topic]; !ok {
		return false
	}
	delete(topics, topic)
	r.dropSubscriber(topic, connID)
	return true
}

// dropSubscriber remove a connection from a topic's subscriber set. Lock must be held.
func (r *connectionRegistryImpl) dropSubscriber(topic events.Topic, connID string) {
	subscribers, ok := r.byTopic[topic]
	if !ok {
		return
	}
	delete(subscribers, connID)
	if len(subscribers) == 0 {
		delete(r.byTopic, topic)
	}
}

// Remove remove a connection and all of its subscriptions
func (r *connectionRegistryImpl) Remove(connID string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	conn, ok := r.connections[connID]
	if !ok {
		return false
	}
	for topic := range r.topicsOf[connID] {
		r.dropSubscriber(topic, connID)
	}
	delete(r.topicsOf, connID)
	if userConns, ok := r.byUser[conn.userID]; ok {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(r.byUser, conn.userID)
		}
	}
	delete(r.connections, connID)
	metrics.ActiveConnections.Dec()
	log.WithFields(r.LogTags).Debugf("Removed connection %s", connID)
	return true
}

func collect(entries map[string]*Connection) []*Connection {
	result := make([]*Connection, 0, len(entries))
	for _, conn := range entries {
		result = append(result, conn)
	}
	return result
}

// SubscribersOf the connections subscribed to a topic
func (r *connectionRegistryImpl) SubscribersOf(topic events.Topic) []*Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return collect(r.byTopic[topic])
}

// ConnectionsOf the connections of a user
func (r *connectionRegistryImpl) ConnectionsOf(userID string) []*Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return collect(r.byUser[userID])
}

// TopicsOf the topics a connection subscribes to
func (r *connectionRegistryImpl) TopicsOf(connID string) []events.Topic {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]events.Topic, 0, len(r.topicsOf[connID]))
	for topic := range r.topicsOf[connID] {
		result = append(result, topic)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// All every admitted connection
func (r *connectionRegistryImpl) All() []*Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return collect(r.connections)
}

// Stats current counts
func (r *connectionRegistryImpl) Stats() RegistryStats {
	r.lock.RLock()
	defer r.lock.RUnlock()
	stats := RegistryStats{
		TotalConnections: len(r.connections),
		UniqueUsers:      len(r.byUser),
		Topics:           len(r.byTopic),
	}
	for _, topics := range r.topicsOf {
		stats.Subscriptions += len(topics)
		hasFile, hasQuery := false, false
		for topic := range topics {
			switch topic.Class().Name {
			case events.FileClass.Name:
				hasFile = true
			case events.QueryClass.Name:
				hasQuery = true
			}
		}
		if hasFile {
			stats.FileConnections++
		}
		if hasQuery {
			stats.QueryConnections++
		}
	}
	return stats
}
