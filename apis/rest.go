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
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/pushgate/broker"
	"github.com/alwitt/pushgate/common"
	"github.com/alwitt/pushgate/core"
	"github.com/alwitt/pushgate/events"
	"github.com/apex/log"
)

// APIRestBrokerHandler REST handler for broker health and statistics
type APIRestBrokerHandler struct {
	goutils.RestAPIHandler
	natsClient *core.NatsClient
	broker     *broker.Broker
}

// GetAPIRestBrokerHandler define APIRestBrokerHandler
func GetAPIRestBrokerHandler(
	client *core.NatsClient, notifier *broker.Broker, httpConfig *common.HTTPConfig,
) (APIRestBrokerHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "broker-rest",
	}
	return APIRestBrokerHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		natsClient:     client,
		broker:         notifier,
	}, nil
}

// =======================================================================
// Statistics

// APIRestRespBrokerStats response for broker statistics
type APIRestRespBrokerStats struct {
	goutils.RestAPIBaseResponse
	// ServerStartTime when the broker started
	ServerStartTime string `json:"server_start_time"`
	// Connections registry counts
	Connections broker.RegistryStats `json:"connections"`
}

// Stats godoc
// @Summary Connection statistics
// @Description Report the number of connections, users, topics and subscriptions
// @tags Management
// @Produce json
// @Param Pushgate-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespBrokerStats "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Pushgate-Request-ID "Request ID to match against logs"
// @Router /v1/stats [get]
func (h APIRestBrokerHandler) Stats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespBrokerStats{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		ServerStartTime:     events.FormatTimestamp(h.broker.StartTime()),
		Connections:         h.broker.Registry().Stats(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// StatsHandler Wrapper around Stats
func (h APIRestBrokerHandler) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Stats(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For broker liveness check
// @Description Will return success to indicate the broker is live
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestBrokerHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestBrokerHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For broker readiness check
// @Description Will return success if the broker is connected to the event bus
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestBrokerHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.natsClient.Connected() {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestBrokerHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
