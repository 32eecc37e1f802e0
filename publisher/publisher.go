// Package publisher the publish primitive used by worker processes to push
// job-progress events to connected clients
package publisher

import (
	"context"

	"github.com/alwitt/goutils"
	"github.com/alwitt/pushgate/events"
	"github.com/alwitt/pushgate/metrics"
	"github.com/alwitt/pushgate/replay"
	"github.com/apex/log"
	"github.com/juju/clock"
)

// Publisher publishes job-progress events onto the bus
type Publisher interface {
	// Publish publish an event for one resource
	Publish(
		ctxt context.Context,
		class events.ResourceClass,
		resourceID, kind string,
		fields map[string]interface{},
	) (events.Envelope, error)
	// PublishFileUpdate publish a file processing event
	PublishFileUpdate(
		ctxt context.Context, fileID, kind string, fields map[string]interface{},
	) (events.Envelope, error)
	// PublishQueryUpdate publish a chat query event
	PublishQueryUpdate(
		ctxt context.Context, queryID, kind string, fields map[string]interface{},
	) (events.Envelope, error)
}

// publisherImpl implements Publisher
type publisherImpl struct {
	goutils.Component
	store replay.Buffer
	clk   clock.Clock
}

// GetPublisher define a Publisher. Publishing an event stores it in the replay
// window and delivers it to every broker's bus bridge.
func GetPublisher(store replay.Buffer, clk clock.Clock, instance string) (Publisher, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	logTags := log.Fields{
		"module": "publisher", "component": "event-publisher", "instance": instance,
	}
	return &publisherImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		store: store,
		clk:   clk,
	}, nil
}

// Publish publish an event for one resource
func (p *publisherImpl) Publish(
	ctxt context.Context,
	class events.ResourceClass,
	resourceID, kind string,
	fields map[string]interface{},
) (events.Envelope, error) {
	logTags := p.GetLogTagsForContext(ctxt)
	topic, err := class.Topic(resourceID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to publish event")
		metrics.PublishesTotal.WithLabelValues(class.Name, metrics.OutcomeInvalid).Inc()
		return events.Envelope{}, err
	}
	env, err := events.NewEnvelope(topic, kind, p.clk.Now(), fields)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define event for %s", topic)
		metrics.PublishesTotal.WithLabelValues(class.Name, metrics.OutcomeInvalid).Inc()
		return events.Envelope{}, err
	}
	if !events.KnownKind(class, kind) {
		log.WithFields(logTags).Warnf("Publishing unrecognized event kind '%s' to %s", kind, topic)
	} else if missing := events.MissingFields(env); len(missing) > 0 {
		log.WithFields(logTags).Warnf("Event '%s' to %s is missing %v", kind, topic, missing)
	}
	stored, err := p.store.Append(ctxt, env)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to publish '%s' to %s", kind, topic)
		metrics.PublishesTotal.WithLabelValues(class.Name, metrics.OutcomeError).Inc()
		return events.Envelope{}, err
	}
	log.WithFields(logTags).Debugf("Published '%s' [%d] to %s", kind, stored.Sequence(), topic)
	metrics.PublishesTotal.WithLabelValues(class.Name, metrics.OutcomeDelivered).Inc()
	return stored, nil
}

// PublishFileUpdate publish a file processing event
func (p *publisherImpl) PublishFileUpdate(
	ctxt context.Context, fileID, kind string, fields map[string]interface{},
) (events.Envelope, error) {
	return p.Publish(ctxt, events.FileClass, fileID, kind, fields)
}

// PublishQueryUpdate publish a chat query event
func (p *publisherImpl) PublishQueryUpdate(
	ctxt context.Context, queryID, kind string, fields map[string]interface{},
) (events.Envelope, error) {
	return p.Publish(ctxt, events.QueryClass, queryID, kind, fields)
}
