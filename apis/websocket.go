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
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/pushgate/auth"
	"github.com/alwitt/pushgate/broker"
	"github.com/alwitt/pushgate/common"
	"github.com/alwitt/pushgate/events"
	"github.com/alwitt/pushgate/metrics"
	"github.com/alwitt/pushgate/replay"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Handshake rejection modes
const (
	RejectModeHTTP       = "http"
	RejectModeCloseFrame = "close_frame"
)

const establishedMessage = "WebSocket connection established"

// WebSocketParams WebSocket endpoint parameters
type WebSocketParams struct {
	// AllowedOrigins are the accepted Origin header values. Empty accepts
	// same-host requests only; "*" accepts any origin.
	AllowedOrigins []string
	// ReadBufferSize is the connection read buffer size
	ReadBufferSize int
	// WriteBufferSize is the connection write buffer size
	WriteBufferSize int
	// WriteTimeout bounds each frame write
	WriteTimeout time.Duration
	// MaxInboundFrameBytes is the largest frame a client may send
	MaxInboundFrameBytes int64
	// InboundFramesPerSec is the sustained inbound frame rate
	InboundFramesPerSec float64
	// InboundFrameBurst is the inbound frame burst allowance
	InboundFrameBurst int
	// RejectMode is how admission failures are reported: before the upgrade
	// as an HTTP error, or after it as an error frame and close
	RejectMode string
}

// GetWebSocketParams derive the endpoint parameters from system config
func GetWebSocketParams(config *common.SystemConfig) WebSocketParams {
	return WebSocketParams{
		AllowedOrigins:       config.HTTP.WebSocket.AllowedOrigins,
		ReadBufferSize:       config.HTTP.WebSocket.ReadBufferSize,
		WriteBufferSize:      config.HTTP.WebSocket.WriteBufferSize,
		WriteTimeout:         config.Broker.Connection.WriteTimeoutDuration(),
		MaxInboundFrameBytes: config.Broker.Connection.MaxInboundFrameBytes,
		InboundFramesPerSec:  config.Broker.Connection.InboundFramesPerSec,
		InboundFrameBurst:    config.Broker.Connection.InboundFrameBurst,
		RejectMode:           config.Auth.RejectMode,
	}
}

// WebSocketHandler serves the job-progress notification WebSocket endpoint
type WebSocketHandler struct {
	goutils.RestAPIHandler
	baseContext context.Context
	broker      *broker.Broker
	gate        auth.Gate
	replay      replay.Buffer
	upgrader    websocket.Upgrader
	params      WebSocketParams
}

// GetWebSocketHandler define WebSocketHandler
func GetWebSocketHandler(
	baseContext context.Context,
	notifier *broker.Broker,
	gate auth.Gate,
	replayBuffer replay.Buffer,
	httpConfig *common.HTTPConfig,
	params WebSocketParams,
) (*WebSocketHandler, error) {
	if params.RejectMode != RejectModeHTTP && params.RejectMode != RejectModeCloseFrame {
		return nil, fmt.Errorf("unknown reject mode '%s'", params.RejectMode)
	}
	if params.WriteTimeout <= 0 || params.MaxInboundFrameBytes <= 0 {
		return nil, fmt.Errorf("write timeout and inbound frame limit must be positive")
	}
	if params.InboundFramesPerSec <= 0 || params.InboundFrameBurst < 1 {
		return nil, fmt.Errorf("invalid inbound frame rate limit")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "websocket",
	}
	return &WebSocketHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		baseContext:    baseContext,
		broker:         notifier,
		gate:           gate,
		replay:         replayBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  params.ReadBufferSize,
			WriteBufferSize: params.WriteBufferSize,
			CheckOrigin:     originChecker(params.AllowedOrigins),
		},
		params: params,
	}, nil
}

// originChecker accept the listed origins, or same-host origins when none are
func originChecker(allowed []string) func(r *http.Request) bool {
	accept := map[string]bool{}
	for _, origin := range allowed {
		accept[strings.ToLower(strings.TrimRight(origin, "/"))] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || accept["*"] {
			return true
		}
		if len(accept) == 0 {
			parsed, err := url.Parse(origin)
			return err == nil && strings.EqualFold(parsed.Host, r.Host)
		}
		return accept[strings.ToLower(origin)]
	}
}

// admissionFailure why a connection attempt was refused
type admissionFailure struct {
	httpStatus int
	closeCode  int
	outcome    string
	detail     string
}

// authenticate run the auth gate for a connection attempt
func (h *WebSocketHandler) authenticate(
	ctxt context.Context, r *http.Request, topic events.Topic,
) (string, *admissionFailure) {
	userID, err := h.gate.Authenticate(ctxt, auth.ExtractToken(r))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDirectoryUnavailable):
			return "", &admissionFailure{
				http.StatusServiceUnavailable, broker.CloseInternalError,
				metrics.OutcomeError, "authentication unavailable",
			}
		case errors.Is(err, auth.ErrInactiveUser):
			return "", &admissionFailure{
				http.StatusForbidden, broker.ClosePolicyViolation,
				metrics.OutcomeForbidden, "user is inactive",
			}
		default:
			return "", &admissionFailure{
				http.StatusUnauthorized, broker.ClosePolicyViolation,
				metrics.OutcomeUnauthorized, "authentication failed",
			}
		}
	}
	allowed, err := h.gate.Authorize(ctxt, userID, topic)
	if err != nil {
		return "", &admissionFailure{
			http.StatusServiceUnavailable, broker.CloseInternalError,
			metrics.OutcomeError, "authorization unavailable",
		}
	}
	if !allowed {
		return "", &admissionFailure{
			http.StatusForbidden, broker.ClosePolicyViolation,
			metrics.OutcomeForbidden, "not authorized for this resource",
		}
	}
	return userID, nil
}

// reject report an admission failure to the client
func (h *WebSocketHandler) reject(
	w http.ResponseWriter, r *http.Request, failure *admissionFailure, logTags log.Fields,
) {
	errFrame := events.NewErrorFrame(failure.detail, failure.closeCode, h.broker.Clock().Now())
	if h.params.RejectMode == RejectModeHTTP {
		if err := h.WriteRESTResponse(w, failure.httpStatus, errFrame, nil); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
		return
	}
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Upgrade failed")
		return
	}
	defer wsConn.Close()
	deadline := time.Now().Add(h.params.WriteTimeout)
	if payload, err := errFrame.Frame(); err == nil {
		_ = wsConn.SetWriteDeadline(deadline)
		_ = wsConn.WriteMessage(websocket.TextMessage, payload)
	}
	_ = wsConn.WriteControl(
		websocket.CloseMessage, websocket.FormatCloseMessage(failure.closeCode, failure.detail), deadline,
	)
}

// ServeWebSocket godoc
// @Summary Subscribe to job-progress events
// @Description Upgrade to a WebSocket streaming the events of one file processing job or
// chat query. Recent events are replayed first, then live events follow.
// @tags Notification
// @Param route path string true "processing or chat"
// @Param resourceID path string true "File or query UUID"
// @Param token query string false "Access token"
// @Success 101 {string} string "switching protocols"
// @Failure 400 {object} events.ErrorFrame "error"
// @Failure 401 {object} events.ErrorFrame "error"
// @Failure 403 {object} events.ErrorFrame "error"
// @Router /ws/{route}/{resourceID} [get]
func (h *WebSocketHandler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	connID := uuid.NewString()
	logTags := h.GetLogTagsForContext(r.Context())
	logTags["connection_id"] = connID
	logTags["remote"] = r.RemoteAddr

	// Connecting
	vars := mux.Vars(r)
	class, ok := events.ClassByRoute(vars["route"])
	if !ok {
		h.reject(w, r, &admissionFailure{
			http.StatusNotFound, broker.ClosePolicyViolation, metrics.OutcomeInvalid, "unknown route",
		}, logTags)
		return
	}
	topic, err := class.Topic(vars["resourceID"])
	if err != nil {
		log.WithError(err).WithFields(logTags).Info("Invalid resource id")
		metrics.AdmissionsTotal.WithLabelValues(class.Name, metrics.OutcomeInvalid).Inc()
		h.reject(w, r, &admissionFailure{
			http.StatusBadRequest, broker.ClosePolicyViolation, metrics.OutcomeInvalid, "invalid resource id",
		}, logTags)
		return
	}
	logTags["topic"] = topic.String()

	// Authenticating
	userID, failure := h.authenticate(r.Context(), r, topic)
	if failure != nil {
		log.WithFields(logTags).Infof("Connection refused: %s", failure.detail)
		metrics.AdmissionsTotal.WithLabelValues(class.Name, failure.outcome).Inc()
		h.reject(w, r, failure, logTags)
		return
	}
	logTags["user"] = userID

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Upgrade failed")
		metrics.AdmissionsTotal.WithLabelValues(class.Name, metrics.OutcomeInvalid).Inc()
		return
	}
	defer wsConn.Close()

	// Subscribing
	registry := h.broker.Registry()
	conn, err := registry.Admit(connID, userID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Admission failed")
		metrics.AdmissionsTotal.WithLabelValues(class.Name, metrics.OutcomeError).Inc()
		h.writeClose(wsConn, broker.CloseReason{Code: broker.CloseInternalError, Text: "admission failed"})
		return
	}
	handlerDone, err := h.broker.TrackHandler()
	if err != nil {
		// Admitted after shutdown began; Stop will not see this connection
		log.WithFields(logTags).Info("Connection refused: server shutting down")
		conn.Close(broker.CloseServerShutdown, "server shutdown")
		registry.Remove(connID)
		conn.SetState(broker.StateClosed)
		metrics.AdmissionsTotal.WithLabelValues(class.Name, metrics.OutcomeRejected).Inc()
		h.writeClose(wsConn, conn.CloseReason())
		return
	}
	defer handlerDone()
	defer func() {
		registry.Remove(connID)
		conn.SetState(broker.StateClosed)
		log.WithFields(logTags).Info("Connection closed")
	}()
	registry.Subscribe(connID, topic)
	metrics.AdmissionsTotal.WithLabelValues(class.Name, metrics.OutcomeAccepted).Inc()
	log.WithFields(logTags).Info("Connection admitted")

	h.serveConnection(wsConn, conn, topic, logTags)
}

// ServeWebSocketHandler Wrapper around ServeWebSocket
func (h *WebSocketHandler) ServeWebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ServeWebSocket(w, r)
	}
}

// writeFrame write one text frame within the write timeout
func (h *WebSocketHandler) writeFrame(wsConn *websocket.Conn, payload []byte) error {
	if err := wsConn.SetWriteDeadline(time.Now().Add(h.params.WriteTimeout)); err != nil {
		return err
	}
	return wsConn.WriteMessage(websocket.TextMessage, payload)
}

// writeClose send the close frame. Errors are ignored; the peer may be gone.
func (h *WebSocketHandler) writeClose(wsConn *websocket.Conn, reason broker.CloseReason) {
	_ = wsConn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(reason.Code, reason.Text),
		time.Now().Add(h.params.WriteTimeout),
	)
}

// serveConnection run an admitted connection from the greeting until close
func (h *WebSocketHandler) serveConnection(
	wsConn *websocket.Conn, conn *broker.Connection, topic events.Topic, logTags log.Fields,
) {
	clk := h.broker.Clock()
	className := topic.Class().Name

	greeting, err := events.ConnectionEstablished{
		ConnectionID:    conn.ID(),
		ServerStartTime: h.broker.StartTime(),
		Message:         establishedMessage,
		Timestamp:       clk.Now(),
	}.Frame(topic)
	if err == nil {
		err = h.writeFrame(wsConn, greeting)
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to send greeting")
		conn.Close(broker.CloseInternalError, "greeting failed")
		h.writeClose(wsConn, conn.CloseReason())
		return
	}

	// Replaying
	conn.SetState(broker.StateReplaying)
	watermark, err := h.replayRecent(wsConn, topic, logTags)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Replay write failed")
		conn.Close(broker.CloseInternalError, "replay failed")
		metrics.EvictionsTotal.WithLabelValues(metrics.ReasonTransportError).Inc()
		h.writeClose(wsConn, conn.CloseReason())
		return
	}

	// Active
	conn.SetState(broker.StateActive)
	conn.Touch()
	control := make(chan []byte, 4)
	readerDone := make(chan struct{})
	go h.readLoop(wsConn, conn, control, readerDone, logTags)

	active := true
	for active {
		select {
		case frame := <-conn.Outbound():
			if frame.Sequence != 0 && frame.Sequence <= watermark {
				// Already sent during replay
				continue
			}
			if err := h.writeFrame(wsConn, frame.Data); err != nil {
				log.WithError(err).WithFields(logTags).Info("Write failed")
				if conn.Close(broker.CloseInternalError, "write failed") {
					metrics.EvictionsTotal.WithLabelValues(metrics.ReasonTransportError).Inc()
				}
				active = false
				continue
			}
			if frame.Sequence > watermark {
				watermark = frame.Sequence
			}
			metrics.FramesDeliveredTotal.WithLabelValues(className).Inc()
		case pong := <-control:
			if err := h.writeFrame(wsConn, pong); err != nil {
				log.WithError(err).WithFields(logTags).Info("Pong write failed")
				if conn.Close(broker.CloseInternalError, "write failed") {
					metrics.EvictionsTotal.WithLabelValues(metrics.ReasonTransportError).Inc()
				}
				active = false
			}
		case <-conn.Done():
			active = false
		case <-h.baseContext.Done():
			if conn.Close(broker.CloseServerShutdown, "server shutdown") {
				metrics.EvictionsTotal.WithLabelValues(metrics.ReasonShutdown).Inc()
			}
			active = false
		}
	}

	// Closing
	reason := conn.CloseReason()
	log.WithFields(logTags).Infof("Closing connection [%d] %s", reason.Code, reason.Text)
	h.writeClose(wsConn, reason)
	_ = wsConn.Close()
	<-readerDone
}

// replayRecent write the topic's retained events. Returns the highest
// sequence written.
func (h *WebSocketHandler) replayRecent(
	wsConn *websocket.Conn, topic events.Topic, logTags log.Fields,
) (uint64, error) {
	var watermark uint64
	entries, err := h.replay.Recent(h.baseContext, topic)
	if err != nil {
		// Live delivery still works without the backlog
		log.WithError(err).WithFields(logTags).Error("Unable to read replay window")
		return 0, nil
	}
	for _, entry := range entries {
		payload, err := entry.Frame()
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Skipping replay entry [%d]", entry.Sequence())
			continue
		}
		if err := h.writeFrame(wsConn, payload); err != nil {
			return watermark, err
		}
		if entry.Sequence() > watermark {
			watermark = entry.Sequence()
		}
		metrics.FramesReplayedTotal.WithLabelValues(topic.Class().Name).Inc()
	}
	log.WithFields(logTags).Debugf("Replayed %d events up to [%d]", len(entries), watermark)
	return watermark, nil
}

// readLoop process client frames until the socket fails or closes
func (h *WebSocketHandler) readLoop(
	wsConn *websocket.Conn,
	conn *broker.Connection,
	control chan<- []byte,
	done chan<- struct{},
	logTags log.Fields,
) {
	defer close(done)
	wsConn.SetReadLimit(h.params.MaxInboundFrameBytes)
	limiter := rate.NewLimiter(rate.Limit(h.params.InboundFramesPerSec), h.params.InboundFrameBurst)
	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				conn.Close(broker.ClosePolicyViolation, "frame too large")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				conn.Close(broker.CloseNormal, "client closed")
			default:
				if conn.Close(broker.CloseNormal, "connection lost") {
					log.WithError(err).WithFields(logTags).Debug("Read failed")
				}
			}
			return
		}
		conn.Touch()
		if !limiter.Allow() {
			log.WithFields(logTags).Debug("Inbound frame rate exceeded, dropping frame")
			continue
		}
		ctrl, err := events.ParseControlFrame(data)
		if err != nil || ctrl.Type != events.ControlPing {
			continue
		}
		pong, err := events.PongFrame(ctrl, h.broker.Clock().Now())
		if err != nil {
			continue
		}
		select {
		case control <- pong:
		default:
		}
	}
}
