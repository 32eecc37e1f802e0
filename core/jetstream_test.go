package core

import (
	"context"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedServerAndClient(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	srv, err := StartEmbeddedServer(EmbeddedServerParams{
		Name: "ut-core", Host: "127.0.0.1", Port: -1, StoreDir: t.TempDir(),
	})
	require.Nil(err)
	serverURL := srv.ClientURL()

	closed := make(chan struct{})
	client, err := GetJetStream(NATSConnectParams{
		ServerURI:           serverURL,
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
		OnCloseCallback: func(_ *nats.Conn) {
			close(closed)
		},
	})
	require.Nil(err)

	// Case 0: connected with JetStream available
	{
		assert.True(client.Connected())
		_, err := client.JetStream().AccountInfo()
		assert.Nil(err)
	}

	// Case 1: close the client
	{
		client.Close(utCtxt)
		assert.False(client.Connected())
		select {
		case <-closed:
		case <-time.After(time.Second):
			assert.Fail("close callback not called")
		}
	}

	// Case 2: shutdown the server
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second*5)
		defer cancel()
		assert.Nil(srv.Shutdown(ctxt))
	}

	// Case 3: nothing to connect to
	{
		_, err := GetJetStream(NATSConnectParams{
			ServerURI:           serverURL,
			ConnectTimeout:      time.Millisecond * 200,
			MaxReconnectAttempt: 0,
			ReconnectWait:       time.Millisecond * 100,
		})
		assert.NotNil(err)
	}
}
