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

package apis

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/pushgate/auth"
	"github.com/alwitt/pushgate/broker"
	"github.com/alwitt/pushgate/common"
	"github.com/alwitt/pushgate/core"
	"github.com/alwitt/pushgate/events"
	"github.com/alwitt/pushgate/publisher"
	"github.com/alwitt/pushgate/replay"
	"github.com/apex/log"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "unit-test-secret-unit-test-secret-0123"
	testStream = "ut-apis-updates"
)

type denyDirectory struct{}

func (denyDirectory) CheckUser(context.Context, string) error {
	return nil
}

func (denyDirectory) OwnsResource(context.Context, string, events.Topic) (bool, error) {
	return false, nil
}

type brokenDirectory struct{}

func (brokenDirectory) CheckUser(context.Context, string) error {
	return fmt.Errorf("%w: breaker open", auth.ErrDirectoryUnavailable)
}

func (brokenDirectory) OwnsResource(context.Context, string, events.Topic) (bool, error) {
	return false, auth.ErrDirectoryUnavailable
}

type testFixture struct {
	server    *httptest.Server
	client    *core.NatsClient
	broker    *broker.Broker
	publisher publisher.Publisher
	verifier  *auth.TokenVerifier
}

func setupFixture(t *testing.T, rejectMode string, directory auth.Directory) *testFixture {
	srv, err := core.StartEmbeddedServer(core.EmbeddedServerParams{
		Name: "ut-apis", Host: "127.0.0.1", Port: -1, StoreDir: t.TempDir(),
	})
	require.Nil(t, err)
	client, err := core.GetJetStream(core.NATSConnectParams{
		ServerURI:           srv.ClientURL(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
	})
	require.Nil(t, err)
	t.Cleanup(func() {
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		client.Close(ctxt)
		_ = srv.Shutdown(ctxt)
	})
	require.Nil(t, replay.EnsureStream(context.Background(), client, replay.StreamParams{
		Name: testStream, RetentionCount: 10, MaxAge: time.Hour, Storage: "memory", Replicas: 1,
	}))

	runCtxt, runCancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	notifier, err := broker.GetBroker(runCtxt, client, broker.Params{
		Instance:          "ut-apis",
		QueueSize:         32,
		HeartbeatInterval: time.Second * 5,
		HeartbeatTimeout:  time.Minute,
		Bridge: broker.BridgeParams{
			Stream: testStream, InitialBackoff: time.Millisecond * 50, MaxBackoff: time.Second,
		},
	}, wg)
	require.Nil(t, err)
	require.Nil(t, notifier.Start())

	buffer, err := replay.GetJetStreamBuffer(client, testStream, 10, time.Second*2)
	require.Nil(t, err)
	pub, err := publisher.GetPublisher(buffer, nil, "ut-apis")
	require.Nil(t, err)
	verifier, err := auth.NewTokenVerifier(testSecret, "HS256", nil)
	require.Nil(t, err)
	gate, err := auth.GetGate(verifier, directory)
	require.Nil(t, err)

	httpConfig := &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{
			RequestIDHeader: "Pushgate-Request-ID",
			DoNotLogHeaders: []string{"Authorization", "Cookie"},
		},
	}
	wsHandler, err := GetWebSocketHandler(runCtxt, notifier, gate, buffer, httpConfig, WebSocketParams{
		ReadBufferSize:       1024,
		WriteBufferSize:      4096,
		WriteTimeout:         time.Second * 5,
		MaxInboundFrameBytes: 4096,
		InboundFramesPerSec:  100,
		InboundFrameBurst:    100,
		RejectMode:           rejectMode,
	})
	require.Nil(t, err)
	restHandler, err := GetAPIRestBrokerHandler(client, notifier, httpConfig)
	require.Nil(t, err)

	server := httptest.NewServer(BuildRouter(restHandler, wsHandler, "/ws"))
	t.Cleanup(func() {
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		_ = notifier.Stop(ctxt)
		server.Close()
		runCancel()
		wg.Wait()
	})

	return &testFixture{
		server: server, client: client, broker: notifier, publisher: pub, verifier: verifier,
	}
}

func (f *testFixture) token(t *testing.T, user string) string {
	token, err := f.verifier.Sign(user, time.Now(), time.Hour)
	require.Nil(t, err)
	return token
}

func (f *testFixture) dial(path, token string) (*websocket.Conn, *http.Response, error) {
	target := "ws" + strings.TrimPrefix(f.server.URL, "http") + path
	if token != "" {
		target += "?token=" + url.QueryEscape(token)
	}
	return websocket.DefaultDialer.Dial(target, nil)
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	require.Nil(t, conn.SetReadDeadline(time.Now().Add(time.Second*5)))
	_, data, err := conn.ReadMessage()
	require.Nil(t, err)
	parsed := map[string]interface{}{}
	require.Nil(t, json.Unmarshal(data, &parsed))
	return parsed
}

func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	require.Nil(t, conn.SetReadDeadline(time.Now().Add(time.Second*5)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		if !ok {
			assert.Failf(t, "unexpected read error", "%s", err.Error())
			return 0
		}
		return closeErr.Code
	}
}

// ========================================================================================

func TestWebSocketHandshakeRejection(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	log.SetLevel(log.InfoLevel)

	fileID := uuid.NewString()
	user := uuid.NewString()

	checkRejection := func(f *testFixture, path, token string, status int, closeCode int) {
		conn, resp, err := f.dial(path, token)
		if conn != nil {
			_ = conn.Close()
		}
		require.Equal(websocket.ErrBadHandshake, err)
		require.NotNil(resp)
		assert.Equal(status, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		assert.Nil(err)
		frame := map[string]interface{}{}
		assert.Nil(json.Unmarshal(body, &frame))
		assert.Equal("error", frame["event"])
		assert.EqualValues(closeCode, frame["close_code"])
		assert.NotEmpty(frame["detail"])
	}

	// Case 0: HTTP rejection before the upgrade
	{
		f := setupFixture(t, RejectModeHTTP, auth.GetOpenDirectory())
		path := "/ws/processing/" + fileID
		checkRejection(f, path, "", http.StatusUnauthorized, broker.ClosePolicyViolation)
		checkRejection(f, path, "garbage", http.StatusUnauthorized, broker.ClosePolicyViolation)
		checkRejection(
			f, "/ws/processing/bad.id", f.token(t, user), http.StatusBadRequest, broker.ClosePolicyViolation,
		)
		checkRejection(
			f, "/ws/unknown/"+fileID, f.token(t, user), http.StatusNotFound, broker.ClosePolicyViolation,
		)
		assert.Equal(0, f.broker.Registry().Stats().TotalConnections)
	}

	// Case 1: resource owned by someone else
	{
		f := setupFixture(t, RejectModeHTTP, denyDirectory{})
		checkRejection(
			f, "/ws/chat/"+fileID, f.token(t, user), http.StatusForbidden, broker.ClosePolicyViolation,
		)
	}

	// Case 2: directory down
	{
		f := setupFixture(t, RejectModeHTTP, brokenDirectory{})
		checkRejection(
			f, "/ws/chat/"+fileID, f.token(t, user), http.StatusServiceUnavailable, broker.CloseInternalError,
		)
	}

	// Case 3: error frame and close after the upgrade
	{
		f := setupFixture(t, RejectModeCloseFrame, auth.GetOpenDirectory())
		conn, _, err := f.dial("/ws/processing/"+fileID, "")
		require.Nil(err)
		defer conn.Close()
		frame := readEvent(t, conn)
		assert.Equal("error", frame["event"])
		assert.EqualValues(broker.ClosePolicyViolation, frame["close_code"])
		assert.Equal(broker.ClosePolicyViolation, readCloseCode(t, conn))
		assert.Equal(0, f.broker.Registry().Stats().TotalConnections)
	}
}

func TestWebSocketEndToEnd(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	log.SetLevel(log.InfoLevel)

	f := setupFixture(t, RejectModeHTTP, auth.GetOpenDirectory())
	fileID := uuid.NewString()
	path := "/ws/processing/" + fileID
	fileTopic, err := events.FileClass.Topic(fileID)
	require.Nil(err)

	// Case 0: client A connects before anything is published
	clientA, _, err := f.dial(path, f.token(t, "user-a"))
	require.Nil(err)
	defer clientA.Close()
	{
		greeting := readEvent(t, clientA)
		assert.Equal("connection_established", greeting["event"])
		assert.Equal(fileID, greeting["file_uuid"])
		assert.NotEmpty(greeting["connection_id"])
		assert.NotEmpty(greeting["server_start_time"])
		assert.NotEmpty(greeting["timestamp"])
	}
	assert.Eventually(func() bool {
		return len(f.broker.Registry().SubscribersOf(fileTopic)) == 1
	}, time.Second*5, time.Millisecond*10)

	// Case 1: a worker publishes on the bus
	{
		_, err := f.client.JetStream().Publish(
			fileTopic.Subject(), []byte(`{"event":"processing_started","status":"processing"}`),
		)
		require.Nil(err)
		frame := readEvent(t, clientA)
		assert.Equal("processing_started", frame["event"])
		assert.Equal("processing", frame["status"])
		assert.Equal(fileID, frame["file_uuid"])
		assert.NotEmpty(frame["timestamp"])
		assert.Len(frame, 4)
	}

	// Case 2: client B connecting later gets the event through replay, then live
	clientB, _, err := f.dial(path, f.token(t, "user-b"))
	require.Nil(err)
	defer clientB.Close()
	{
		greeting := readEvent(t, clientB)
		assert.Equal("connection_established", greeting["event"])
		replayed := readEvent(t, clientB)
		assert.Equal("processing_started", replayed["event"])
		assert.Equal(fileID, replayed["file_uuid"])

		_, err := f.publisher.PublishFileUpdate(
			context.Background(), fileID, events.KindProcessingCompleted,
			map[string]interface{}{"status": "completed"},
		)
		require.Nil(err)
		for _, client := range []*websocket.Conn{clientA, clientB} {
			frame := readEvent(t, client)
			assert.Equal(events.KindProcessingCompleted, frame["event"])
			assert.Equal("completed", frame["status"])
		}
	}

	// Case 3: keepalive
	{
		require.Nil(clientA.WriteJSON(map[string]string{"type": "ping", "timestamp": "client-now"}))
		pong := readEvent(t, clientA)
		assert.Equal("pong", pong["event"])
		assert.Equal("client-now", pong["client_time"])
		assert.NotEmpty(pong["server_time"])
		// Unknown frames are ignored
		require.Nil(clientA.WriteMessage(websocket.TextMessage, []byte("hello")))
		require.Nil(clientA.WriteJSON(map[string]string{"type": "ping"}))
		pong = readEvent(t, clientA)
		assert.Equal("pong", pong["event"])
		// Numeric client clocks are echoed unchanged
		require.Nil(clientA.WriteMessage(
			websocket.TextMessage, []byte(`{"type":"ping","time":1712345678.5}`),
		))
		pong = readEvent(t, clientA)
		assert.Equal("pong", pong["event"])
		assert.Equal(1712345678.5, pong["client_time"])
		require.Nil(clientA.WriteMessage(
			websocket.TextMessage, []byte(`{"type":"ping","timestamp":1712345679}`),
		))
		pong = readEvent(t, clientA)
		assert.Equal("pong", pong["event"])
		assert.Equal(float64(1712345679), pong["client_time"])
	}

	// Case 4: statistics
	{
		resp, err := http.Get(f.server.URL + "/v1/stats")
		require.Nil(err)
		defer resp.Body.Close()
		assert.Equal(http.StatusOK, resp.StatusCode)
		stats := APIRestRespBrokerStats{}
		assert.Nil(json.NewDecoder(resp.Body).Decode(&stats))
		assert.True(stats.Success)
		assert.Equal(2, stats.Connections.TotalConnections)
		assert.Equal(2, stats.Connections.UniqueUsers)
		assert.Equal(1, stats.Connections.Topics)
		assert.Equal(2, stats.Connections.FileConnections)
	}

	// Case 5: client A leaves
	{
		require.Nil(clientA.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		))
		assert.Eventually(func() bool {
			return f.broker.Registry().Stats().TotalConnections == 1
		}, time.Second*5, time.Millisecond*10)
	}

	// Case 6: shutdown closes the rest as going away
	{
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		assert.Nil(f.broker.Stop(ctxt))
		assert.Equal(broker.CloseServerShutdown, readCloseCode(t, clientB))
		assert.Equal(0, f.broker.Registry().Stats().TotalConnections)
	}

	// Case 7: a handshake completing after shutdown began is closed as going away
	{
		late, _, err := f.dial(path, f.token(t, "user-c"))
		require.Nil(err)
		defer late.Close()
		assert.Equal(broker.CloseServerShutdown, readCloseCode(t, late))
		assert.Equal(0, f.broker.Registry().Stats().TotalConnections)
	}
}

func TestWebSocketReplayBeforeLive(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	log.SetLevel(log.InfoLevel)

	f := setupFixture(t, RejectModeHTTP, auth.GetOpenDirectory())

	for round := 0; round < 5; round++ {
		fileID := uuid.NewString()
		publish := func(step int) {
			_, err := f.publisher.PublishFileUpdate(
				context.Background(), fileID, events.KindPDFExtractionProgress,
				map[string]interface{}{
					"progress": step * 25, "current": step, "total": 4, "status": "processing",
				},
			)
			assert.Nil(err)
		}
		for step := 1; step <= 3; step++ {
			publish(step)
		}

		// The fourth event races the new subscriber's admission
		published := make(chan struct{})
		go func() {
			defer close(published)
			publish(4)
		}()
		conn, _, err := f.dial("/ws/processing/"+fileID, f.token(t, "user"))
		require.Nil(err)

		greeting := readEvent(t, conn)
		assert.Equal("connection_established", greeting["event"])
		steps := []float64{}
		for len(steps) < 4 {
			frame := readEvent(t, conn)
			assert.Equal(events.KindPDFExtractionProgress, frame["event"])
			steps = append(steps, frame["current"].(float64))
		}
		assert.Equal([]float64{1, 2, 3, 4}, steps)
		<-published

		// Nothing is delivered twice
		require.Nil(conn.SetReadDeadline(time.Now().Add(time.Millisecond * 300)))
		_, _, err = conn.ReadMessage()
		assert.NotNil(err)
		_ = conn.Close()
	}
}

func TestRestEndpoints(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	log.SetLevel(log.InfoLevel)

	f := setupFixture(t, RejectModeHTTP, auth.GetOpenDirectory())

	for _, path := range []string{"/alive", "/ready"} {
		resp, err := http.Get(f.server.URL + path)
		require.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode, path)
		_ = resp.Body.Close()
	}

	resp, err := http.Get(f.server.URL + "/metrics")
	require.Nil(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	assert.Nil(err)
	assert.Contains(string(body), "pushgate_active_connections")
}
