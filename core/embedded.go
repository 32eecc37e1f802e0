package core

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServerParams parameters for an in-process NATS JetStream server
type EmbeddedServerParams struct {
	// Name is the server name
	Name string
	// Host is the listen interface
	Host string
	// Port is the listen port. -1 picks a random free port.
	Port int
	// StoreDir is the JetStream storage directory. Empty uses a temp dir.
	StoreDir string
	// ReadyTimeout bounds how long to wait for the server to accept clients
	ReadyTimeout time.Duration
}

// EmbeddedServer a NATS JetStream server running inside this process
type EmbeddedServer struct {
	server *server.Server
	tags   log.Fields
}

// StartEmbeddedServer start a NATS JetStream server inside this process
func StartEmbeddedServer(params EmbeddedServerParams) (*EmbeddedServer, error) {
	logTags := log.Fields{
		"module": "core", "component": "embedded-nats", "instance": params.Name,
	}
	if params.ReadyTimeout <= 0 {
		params.ReadyTimeout = time.Second * 30
	}
	opts := &server.Options{
		ServerName: params.Name,
		Host:       params.Host,
		Port:       params.Port,
		JetStream:  true,
		StoreDir:   params.StoreDir,
		NoLog:      true,
		NoSigs:     true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define embedded NATS server")
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(params.ReadyTimeout) {
		ns.Shutdown()
		err := fmt.Errorf("NATS server not ready within %s", params.ReadyTimeout)
		log.WithError(err).WithFields(logTags).Error("Embedded NATS server failed to start")
		return nil, err
	}
	log.WithFields(logTags).Infof("Embedded NATS server ready on %s", ns.ClientURL())
	return &EmbeddedServer{server: ns, tags: logTags}, nil
}

// ClientURL the URL clients should connect to
func (s *EmbeddedServer) ClientURL() string {
	return s.server.ClientURL()
}

// Shutdown stop the server, waiting for it to exit or for ctxt to expire
func (s *EmbeddedServer) Shutdown(ctxt context.Context) error {
	s.server.Shutdown()
	done := make(chan struct{})
	go func() {
		s.server.WaitForShutdown()
		close(done)
	}()
	select {
	case <-done:
		log.WithFields(s.tags).Info("Embedded NATS server stopped")
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	}
}
