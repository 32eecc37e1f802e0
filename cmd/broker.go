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
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/pushgate/apis"
	"github.com/alwitt/pushgate/auth"
	"github.com/alwitt/pushgate/broker"
	"github.com/alwitt/pushgate/common"
	"github.com/alwitt/pushgate/core"
	"github.com/alwitt/pushgate/replay"
	"github.com/apex/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// GetStreamParams derive the replay stream parameters from system config
func GetStreamParams(config common.ReplayConfig) replay.StreamParams {
	return replay.StreamParams{
		Name:           config.StreamName,
		RetentionCount: config.RetentionCount,
		MaxAge:         config.MaxAgeDuration(),
		Storage:        config.Storage,
		Replicas:       config.Replicas,
	}
}

// GetBrokerParams derive the broker parameters from system config
func GetBrokerParams(config *common.SystemConfig, instance string) broker.Params {
	return broker.Params{
		Instance:          instance,
		QueueSize:         config.Broker.Connection.OutboundQueueSize,
		HeartbeatInterval: config.Broker.Heartbeat.IntervalDuration(),
		HeartbeatTimeout:  config.Broker.Heartbeat.TimeoutDuration(),
		Bridge: broker.BridgeParams{
			Stream:         config.Replay.StreamName,
			InitialBackoff: time.Millisecond * time.Duration(config.Broker.Bridge.InitialBackoff),
			MaxBackoff:     time.Second * time.Duration(config.Broker.Bridge.MaxBackoff),
			DrainTimeout:   time.Second * time.Duration(config.Broker.Bridge.DrainTimeout),
		},
	}
}

// defineDirectory define the user directory. The returned function releases
// its resources.
func defineDirectory(
	runTimeContext context.Context, config common.DirectoryConfig, logTags log.Fields,
) (auth.Directory, func(), error) {
	if !config.Enabled {
		log.WithFields(logTags).Warn("User directory disabled: every verified token is admitted")
		return auth.GetOpenDirectory(), func() {}, nil
	}
	pool, err := auth.ConnectPostgres(runTimeContext, config.DSN)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to connect user directory")
		return nil, nil, err
	}
	directory, err := auth.GetPostgresDirectory(pool, auth.DirectoryParams{
		QueryTimeout:    time.Millisecond * time.Duration(config.QueryTimeout),
		BreakerFailures: config.BreakerFailures,
		BreakerCooldown: time.Second * time.Duration(config.BreakerCooldown),
	})
	if err != nil {
		pool.Close()
		log.WithError(err).WithFields(logTags).Error("Unable to define user directory")
		return nil, nil, err
	}
	return directory, pool.Close, nil
}

// RunBrokerServer run the notification broker until the runtime context ends
func RunBrokerServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "broker",
		"instance":  instance,
	}

	// Startup must not continue without the stream capturing the bus
	if err := replay.EnsureStream(
		runTimeContext, natsClient, GetStreamParams(config.Replay),
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to provision replay stream")
		return err
	}

	// The broker outlives the runtime context so shutdown can run in order
	brokerCtxt, brokerCancel := context.WithCancel(context.Background())
	defer brokerCancel()

	notifier, err := broker.GetBroker(brokerCtxt, natsClient, GetBrokerParams(config, instance), wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker")
		return err
	}
	if err := notifier.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start broker")
		return err
	}

	replayBuffer, err := replay.GetJetStreamBuffer(
		natsClient,
		config.Replay.StreamName,
		config.Replay.RetentionCount,
		config.Replay.FetchTimeoutDuration(),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define replay buffer")
		return err
	}

	directory, closeDirectory, err := defineDirectory(runTimeContext, config.Auth.Directory, logTags)
	if err != nil {
		return err
	}
	defer closeDirectory()
	verifier, err := auth.NewTokenVerifier(config.Auth.JWTSecret, config.Auth.JWTAlgorithm, nil)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define token verifier")
		return err
	}
	gate, err := auth.GetGate(verifier, directory)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define auth gate")
		return err
	}

	wsHandler, err := apis.GetWebSocketHandler(
		brokerCtxt, notifier, gate, replayBuffer, &config.HTTP, apis.GetWebSocketParams(config),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define WebSocket handler")
		return err
	}
	restHandler, err := apis.GetAPIRestBrokerHandler(natsClient, notifier, &config.HTTP)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define REST handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := apis.BuildRouter(restHandler, wsHandler, config.HTTP.WebSocket.PathPrefix)

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTP.Server.ListenOn, config.HTTP.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:        serverListen,
		ReadTimeout: time.Second * time.Duration(config.HTTP.Server.ReadTimeout),
		IdleTimeout: time.Second * time.Duration(config.HTTP.Server.IdleTimeout),
		Handler:     h2c.NewHandler(router, &http2.Server{}),
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			serveErr <- err
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	var runErr error
	select {
	case <-runTimeContext.Done():
	case runErr = <-serveErr:
	}

	// Stop accepting connections, then shut the broker down
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}
	{
		drainTimeout := time.Second * time.Duration(config.Broker.Bridge.DrainTimeout)
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout+time.Second*10)
		defer cancel()
		if err := notifier.Stop(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during broker shutdown")
		}
	}

	return runErr
}
