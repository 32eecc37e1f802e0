package core

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS JetStream cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NatsClient NATS client used as the event bus and the replay store
type NatsClient struct {
	goutils.Component
	nc *nats.Conn
	js nats.JetStreamContext
}

// Close flush then close the NATS client
func (c *NatsClient) Close(ctxt context.Context) {
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// NATs fetch the NATS connection
func (c *NatsClient) NATs() *nats.Conn {
	return c.nc
}

// JetStream fetch the JetStream client
func (c *NatsClient) JetStream() nats.JetStreamContext {
	return c.js
}

// Connected whether the client is currently connected to a server
func (c *NatsClient) Connected() bool {
	return c.nc != nil && c.nc.Status() == nats.CONNECTED
}

// GetJetStream define a new NATS JetStream core
func GetJetStream(param NATSConnectParams) (*NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "jetstream-backend",
		"instance":  param.ServerURI,
	}
	opts := []nats.Option{
		nats.Timeout(param.ConnectTimeout),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
	}
	if param.OnDisconnectCallback != nil {
		opts = append(opts, nats.DisconnectErrHandler(param.OnDisconnectCallback))
	}
	if param.OnReconnectCallback != nil {
		opts = append(opts, nats.ReconnectHandler(param.OnReconnectCallback))
	}
	if param.OnCloseCallback != nil {
		opts = append(opts, nats.ClosedHandler(param.OnCloseCallback))
	}
	// Failing to reach the bus at startup must abort startup, so no
	// RetryOnFailedConnect here.
	nc, err := nats.Connect(param.ServerURI, opts...)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return nil, fmt.Errorf("connect to %s: %w", param.ServerURI, err)
	}

	// Define the JetStream client
	js, err := nc.JetStream()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error(
			"Failed to define JetStream client",
		)
		nc.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Created JetStream client")

	return &NatsClient{
		Component: goutils.Component{LogTags: logTags},
		nc:        nc,
		js:        js,
	}, nil
}
