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

package cmd

import (
	"context"
	"fmt"

	"github.com/alwitt/pushgate/common"
	"github.com/alwitt/pushgate/core"
	"github.com/alwitt/pushgate/events"
	"github.com/alwitt/pushgate/publisher"
	"github.com/alwitt/pushgate/replay"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v2"
)

// PublishCLIArgs arguments
type PublishCLIArgs struct {
	Class      string `validate:"required,oneof=file query"`
	ResourceID string `validate:"required"`
	Event      string `validate:"required"`
	Data       string
}

// GetPublishCLIFlags retrieve the set of CMD flags for the publish command
func GetPublishCLIFlags(args *PublishCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "class",
			Usage:       "Resource class: [file query]",
			Aliases:     []string{"k"},
			Value:       events.FileClass.Name,
			DefaultText: events.FileClass.Name,
			Destination: &args.Class,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "resource-id",
			Usage:       "File or query UUID",
			Aliases:     []string{"r"},
			Destination: &args.ResourceID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "event",
			Usage:       "Event kind, e.g. processing_started",
			Aliases:     []string{"e"},
			Destination: &args.Event,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "data",
			Usage:       "Event fields as a JSON object",
			Aliases:     []string{"d"},
			Value:       "{}",
			DefaultText: "{}",
			Destination: &args.Data,
			Required:    false,
		},
	}
}

// RunPublish publish one event, as a worker process would
func RunPublish(
	runTimeContext context.Context,
	config *common.SystemConfig,
	params PublishCLIArgs,
	instance string,
	natsClient *core.NatsClient,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "publish",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}
	class, ok := events.ClassByName(params.Class)
	if !ok {
		return fmt.Errorf("unknown resource class '%s'", params.Class)
	}
	fields := map[string]interface{}{}
	if err := json.Unmarshal([]byte(params.Data), &fields); err != nil {
		log.WithError(err).WithFields(logTags).Error("Event data is not a JSON object")
		return err
	}

	if err := replay.EnsureStream(
		runTimeContext, natsClient, GetStreamParams(config.Replay),
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to provision replay stream")
		return err
	}
	buffer, err := replay.GetJetStreamBuffer(
		natsClient,
		config.Replay.StreamName,
		config.Replay.RetentionCount,
		config.Replay.FetchTimeoutDuration(),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define replay buffer")
		return err
	}
	pub, err := publisher.GetPublisher(buffer, nil, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define publisher")
		return err
	}

	env, err := pub.Publish(runTimeContext, class, params.ResourceID, params.Event, fields)
	if err != nil {
		return err
	}
	log.WithFields(logTags).Infof("Published '%s' to %s as [%d]", env.Kind(), env.Topic(), env.Sequence())
	return nil
}
