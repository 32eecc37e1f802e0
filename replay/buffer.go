package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/pushgate/core"
	"github.com/alwitt/pushgate/events"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// Buffer the bounded per-topic window of recent events
type Buffer interface {
	// Append store an event. The returned envelope carries its store sequence.
	Append(ctxt context.Context, env events.Envelope) (events.Envelope, error)
	// Recent the retained events of a topic, oldest first
	Recent(ctxt context.Context, topic events.Topic) ([]events.Envelope, error)
}

// jetStreamBuffer implements Buffer on a JetStream stream. Every bus subject is
// one topic; the stream's per-subject limit trims the window on append.
type jetStreamBuffer struct {
	goutils.Component
	client         *core.NatsClient
	stream         string
	retentionCount int64
	fetchTimeout   time.Duration
}

// GetJetStreamBuffer define a replay Buffer reading and writing the given stream
func GetJetStreamBuffer(
	client *core.NatsClient, stream string, retentionCount int64, fetchTimeout time.Duration,
) (Buffer, error) {
	if retentionCount < 1 {
		return nil, fmt.Errorf("retention count must be positive, got %d", retentionCount)
	}
	if fetchTimeout <= 0 {
		return nil, fmt.Errorf("fetch timeout must be positive, got %s", fetchTimeout)
	}
	return &jetStreamBuffer{
		Component:      componentTags("buffer", stream),
		client:         client,
		stream:         stream,
		retentionCount: retentionCount,
		fetchTimeout:   fetchTimeout,
	}, nil
}

// Append store an event by publishing it on its topic's bus subject
func (b *jetStreamBuffer) Append(
	ctxt context.Context, env events.Envelope,
) (events.Envelope, error) {
	logTags := b.GetLogTagsForContext(ctxt)
	frame, err := env.Frame()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to encode event")
		return env, err
	}
	subject := env.Topic().Subject()
	ack, err := b.client.JetStream().PublishAsync(subject, frame)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to send event to %s", subject)
		return env, err
	}
	// Wait for success, failure, or timeout
	select {
	case goodSig, ok := <-ack.Ok():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture OK channel failure")
			log.WithError(err).WithFields(logTags).Errorf("Event send failure")
			return env, err
		}
		log.WithFields(logTags).Debugf(
			"Stored [%d] to %s/%s", goodSig.Sequence, goodSig.Stream, subject,
		)
		return env.WithSequence(goodSig.Sequence), nil
	case txErr, ok := <-ack.Err():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture error channel failure")
			log.WithError(err).WithFields(logTags).Errorf("Event send failure")
			return env, err
		}
		log.WithError(txErr).WithFields(logTags).Errorf("Event send failure")
		return env, txErr
	case <-ctxt.Done():
		err := ctxt.Err()
		log.WithError(err).WithFields(logTags).Errorf("Event send timed out")
		return env, err
	}
}

// Recent the retained events of a topic, oldest first
func (b *jetStreamBuffer) Recent(
	ctxt context.Context, topic events.Topic,
) ([]events.Envelope, error) {
	logTags := b.GetLogTagsForContext(ctxt)
	subject := topic.Subject()
	js := b.client.JetStream()

	// The last message bounds the read, so the consumer below never waits on
	// events published after this call.
	last, err := js.GetLastMsg(b.stream, subject, nats.Context(ctxt))
	if err != nil {
		if errors.Is(err, nats.ErrMsgNotFound) {
			return nil, nil
		}
		log.WithError(err).WithFields(logTags).Errorf("Unable to read last event of %s", subject)
		return nil, err
	}

	sub, err := js.SubscribeSync(
		subject, nats.OrderedConsumer(), nats.DeliverAll(), nats.BindStream(b.stream),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to read events of %s", subject)
		return nil, err
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(logTags).Debug("Unsubscribe failed")
		}
	}()

	readCtxt, cancel := context.WithTimeout(ctxt, b.fetchTimeout)
	defer cancel()
	result := []events.Envelope{}
	for {
		msg, err := sub.NextMsgWithContext(readCtxt)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Read of %s stopped after %d events", subject, len(result),
			)
			return nil, fmt.Errorf("read events of %s: %w", topic, err)
		}
		meta, err := msg.Metadata()
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Event without stream metadata")
			return nil, err
		}
		env, err := events.ParseEnvelope(topic, msg.Data, meta.Timestamp)
		if err != nil {
			// Foreign payloads on the subject are skipped, never replayed
			log.WithError(err).WithFields(logTags).Warnf(
				"Skipping stored message [%d]", meta.Sequence.Stream,
			)
		} else {
			result = append(result, env.WithSequence(meta.Sequence.Stream))
		}
		if meta.Sequence.Stream >= last.Sequence {
			break
		}
	}
	if int64(len(result)) > b.retentionCount {
		result = result[int64(len(result))-b.retentionCount:]
	}
	return result, nil
}
