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
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// StreamParams parameters of the JetStream stream holding the replay window
type StreamParams struct {
	// Name is the stream name
	Name string `validate:"required"`
	// RetentionCount is the max number of events kept per topic
	RetentionCount int64 `validate:"gte=1"`
	// MaxAge is how long an event is kept
	MaxAge time.Duration `validate:"gt=0"`
	// Storage is "file" or "memory"
	Storage string `validate:"required,oneof=file memory"`
	// Replicas is the stream replica count
	Replicas int `validate:"gte=1"`
}

// streamSubjects the bus subject patterns of every resource class
func streamSubjects() []string {
	subjects := make([]string, 0, len(events.Classes))
	for _, class := range events.Classes {
		subjects = append(subjects, class.SubjectPattern())
	}
	return subjects
}

func applyStreamLimits(params StreamParams, cfg *nats.StreamConfig) {
	cfg.Subjects = streamSubjects()
	cfg.MaxMsgsPerSubject = params.RetentionCount
	cfg.MaxAge = params.MaxAge
	cfg.Retention = nats.LimitsPolicy
	cfg.Discard = nats.DiscardOld
	cfg.Replicas = params.Replicas
}

// EnsureStream create the replay stream, or bring an existing one's subjects
// and limits in line with params. The storage type of an existing stream is kept.
func EnsureStream(ctxt context.Context, client *core.NatsClient, params StreamParams) error {
	logTags := log.Fields{
		"module": "replay", "component": "stream-manager", "instance": params.Name,
	}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid stream parameters")
		return err
	}
	js := client.JetStream()
	info, err := js.StreamInfo(params.Name, nats.Context(ctxt))
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		log.WithError(err).WithFields(logTags).Error("Unable to read stream info")
		return err
	}
	if info == nil {
		cfg := nats.StreamConfig{Name: params.Name, Storage: nats.FileStorage}
		if params.Storage == "memory" {
			cfg.Storage = nats.MemoryStorage
		}
		applyStreamLimits(params, &cfg)
		if _, err := js.AddStream(&cfg, nats.Context(ctxt)); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define stream")
			return err
		}
		log.WithFields(logTags).Infof(
			"Defined stream with %d events per topic for %s", params.RetentionCount, params.MaxAge,
		)
		return nil
	}
	cfg := info.Config
	applyStreamLimits(params, &cfg)
	if _, err := js.UpdateStream(&cfg, nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to update stream")
		return fmt.Errorf("update stream %s: %w", params.Name, err)
	}
	log.WithFields(logTags).Infof(
		"Updated stream to %d events per topic for %s", params.RetentionCount, params.MaxAge,
	)
	return nil
}

// componentTags log tags shared by the replay components
func componentTags(component, instance string) goutils.Component {
	return goutils.Component{
		LogTags: log.Fields{"module": "replay", "component": component, "instance": instance},
		LogTagModifiers: []goutils.LogMetadataModifier{
			goutils.ModifyLogMetadataByRestRequestParam,
		},
	}
}
