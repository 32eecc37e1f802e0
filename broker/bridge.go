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
	"github.com/alwitt/pushgate/events"
	"github.com/alwitt/pushgate/metrics"
	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
)

// BridgeParams bus bridge parameters
type BridgeParams struct {
	// Stream is the JetStream stream capturing the bus subjects
	Stream string
	// InitialBackoff is the first wait before resubscribing after a read failure
	InitialBackoff time.Duration
	// MaxBackoff caps the resubscribe wait
	MaxBackoff time.Duration
	// DrainTimeout bounds the wait for each pending message on shutdown
	DrainTimeout time.Duration
}

// BusBridge delivers events published on the bus to local subscribers
type BusBridge interface {
	// Start subscribe to every resource class's bus channels. Fails if any
	// subscription can not be established.
	Start() error
	// Stop deliver already received messages, then close the subscriptions
	Stop(ctxt context.Context) error
}

// busBridgeImpl implements BusBridge with one ordered JetStream push consumer
// and one read loop per resource class
type busBridgeImpl struct {
	goutils.Component
	client      *core.NatsClient
	broadcaster Broadcaster
	params      BridgeParams
	readCtxt    context.Context
	readCancel  context.CancelFunc
	loops       sync.WaitGroup
	lock        sync.Mutex
	started     bool
	// live current subscription of each class, by class name
	live map[string]*nats.Subscription
}

// GetBusBridge define a BusBridge
func GetBusBridge(
	ctxt context.Context,
	instance string,
	client *core.NatsClient,
	broadcaster Broadcaster,
	params BridgeParams,
) (BusBridge, error) {
	if params.Stream == "" {
		return nil, fmt.Errorf("bus bridge requires a stream name")
	}
	if params.InitialBackoff <= 0 || params.MaxBackoff < params.InitialBackoff {
		return nil, fmt.Errorf(
			"invalid bridge backoff %s -> %s", params.InitialBackoff, params.MaxBackoff,
		)
	}
	if params.DrainTimeout <= 0 {
		params.DrainTimeout = time.Second
	}
	logTags := log.Fields{
		"module": "broker", "component": "bus-bridge", "instance": instance,
	}
	readCtxt, cancel := context.WithCancel(ctxt)
	return &busBridgeImpl{
		Component:   goutils.Component{LogTags: logTags},
		client:      client,
		broadcaster: broadcaster,
		params:      params,
		readCtxt:    readCtxt,
		readCancel:  cancel,
		live:        map[string]*nats.Subscription{},
	}, nil
}

// subscribe define the class's consumer. With afterSeq set, delivery resumes
// right after it; otherwise only newly published messages are delivered.
func (b *busBridgeImpl) subscribe(
	class events.ResourceClass, afterSeq uint64,
) (*nats.Subscription, error) {
	opts := []nats.SubOpt{nats.OrderedConsumer(), nats.BindStream(b.params.Stream)}
	if afterSeq > 0 {
		opts = append(opts, nats.StartSequence(afterSeq+1))
	} else {
		opts = append(opts, nats.DeliverNew())
	}
	return b.client.JetStream().SubscribeSync(class.SubjectPattern(), opts...)
}

// Start subscribe to every resource class's bus channels
func (b *busBridgeImpl) Start() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.started {
		return fmt.Errorf("bus bridge already started")
	}
	subs := make([]*nats.Subscription, 0, len(events.Classes))
	for _, class := range events.Classes {
		sub, err := b.subscribe(class, 0)
		if err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Unable to subscribe to %s", class.SubjectPattern(),
			)
			for _, started := range subs {
				_ = started.Unsubscribe()
			}
			return err
		}
		subs = append(subs, sub)
	}
	for idx, class := range events.Classes {
		b.live[class.Name] = subs[idx]
		b.loops.Add(1)
		go b.readLoop(class, subs[idx])
	}
	b.started = true
	return nil
}

// readLoop deliver the class's bus messages until the bridge stops
func (b *busBridgeImpl) readLoop(class events.ResourceClass, sub *nats.Subscription) {
	defer b.loops.Done()
	logTags := log.Fields{}
	for k, v := range b.LogTags {
		logTags[k] = v
	}
	logTags["subject"] = class.SubjectPattern()
	log.WithFields(logTags).Info("Starting bus read loop")
	defer log.WithFields(logTags).Info("Stopping bus read loop")

	var lastSeq uint64
	for {
		msg, err := sub.NextMsgWithContext(b.readCtxt)
		if err == nil {
			if seq := b.process(class, msg); seq > 0 {
				lastSeq = seq
			}
			continue
		}
		if b.readCtxt.Err() != nil {
			b.drain(class, sub, logTags)
			return
		}
		log.WithError(err).WithFields(logTags).Errorf(
			"Bus read failed after [%d], resubscribing", lastSeq,
		)
		_ = sub.Unsubscribe()
		sub = b.resubscribe(class, lastSeq, logTags)
		if sub == nil {
			return
		}
		b.setLive(class, sub)
	}
}

func (b *busBridgeImpl) setLive(class events.ResourceClass, sub *nats.Subscription) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.live[class.Name] = sub
}

// liveSubscription the class's current bus subscription
func (b *busBridgeImpl) liveSubscription(class events.ResourceClass) *nats.Subscription {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.live[class.Name]
}

// resubscribe re-establish the class's subscription with backoff. Returns nil
// when the bridge stops first.
func (b *busBridgeImpl) resubscribe(
	class events.ResourceClass, lastSeq uint64, logTags log.Fields,
) *nats.Subscription {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.params.InitialBackoff
	policy.MaxInterval = b.params.MaxBackoff
	policy.MaxElapsedTime = 0
	sub, err := backoff.RetryNotifyWithData(
		func() (*nats.Subscription, error) {
			return b.subscribe(class, lastSeq)
		},
		backoff.WithContext(policy, b.readCtxt),
		func(err error, wait time.Duration) {
			log.WithError(err).WithFields(logTags).Warnf("Resubscribe failed, retrying in %s", wait)
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Giving up resubscribe")
		return nil
	}
	metrics.BridgeResubscribesTotal.WithLabelValues(class.Name).Inc()
	log.WithFields(logTags).Warnf("Resubscribed, resuming after [%d]", lastSeq)
	return sub
}

// drain deliver messages already received, then unsubscribe
func (b *busBridgeImpl) drain(
	class events.ResourceClass, sub *nats.Subscription, logTags log.Fields,
) {
	pending, _, err := sub.Pending()
	if err != nil {
		log.WithError(err).WithFields(logTags).Debug("Unable to read pending count")
		pending = 0
	}
	for itr := 0; itr < pending; itr++ {
		msg, err := sub.NextMsg(b.params.DrainTimeout)
		if err != nil {
			break
		}
		b.process(class, msg)
	}
	if err := sub.Unsubscribe(); err != nil {
		log.WithError(err).WithFields(logTags).Debug("Unsubscribe failed")
	}
	log.WithFields(logTags).Infof("Drained %d pending bus messages", pending)
}

// process parse one bus message and fan it out. Returns its stream sequence, or
// zero if the message could not be used.
func (b *busBridgeImpl) process(class events.ResourceClass, msg *nats.Msg) uint64 {
	meta, err := msg.Metadata()
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Bus message on %s without metadata", msg.Subject)
		metrics.BridgeMessagesTotal.WithLabelValues(class.Name, metrics.OutcomeInvalid).Inc()
		return 0
	}
	seq := meta.Sequence.Stream
	topic, err := events.TopicFromSubject(msg.Subject)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Dropping bus message [%d]", seq)
		metrics.BridgeMessagesTotal.WithLabelValues(class.Name, metrics.OutcomeInvalid).Inc()
		return seq
	}
	env, err := events.ParseEnvelope(topic, msg.Data, meta.Timestamp)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Dropping bus message [%d] on %s", seq, topic)
		metrics.BridgeMessagesTotal.WithLabelValues(class.Name, metrics.OutcomeInvalid).Inc()
		return seq
	}
	if _, err := env.Decode(); err != nil {
		// Clients may still understand it; deliver unchanged
		log.WithError(err).WithFields(b.LogTags).Warnf(
			"Bus message [%d] on %s has malformed '%s' fields", seq, topic, env.Kind(),
		)
		metrics.MalformedPayloadsTotal.WithLabelValues(class.Name, env.Kind()).Inc()
	}
	b.broadcaster.Publish(env.WithSequence(seq))
	metrics.BridgeMessagesTotal.WithLabelValues(class.Name, metrics.OutcomeDelivered).Inc()
	return seq
}

// Stop deliver already received messages, then close the subscriptions
func (b *busBridgeImpl) Stop(ctxt context.Context) error {
	b.readCancel()
	done := make(chan struct{})
	go func() {
		b.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctxt.Done():
		log.WithError(ctxt.Err()).WithFields(b.LogTags).Error("Bus read loops did not stop in time")
		return ctxt.Err()
	}
}
