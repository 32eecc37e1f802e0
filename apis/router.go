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

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BuildRouter assemble the broker's HTTP routes: the WebSocket endpoint under
// wsPathPrefix, then health checks, statistics and metrics
func BuildRouter(
	restHandler APIRestBrokerHandler, wsHandler *WebSocketHandler, wsPathPrefix string,
) *mux.Router {
	router := mux.NewRouter()

	// The WebSocket route stays outside the logging middleware, which does not
	// support connection hijacking
	_ = RegisterPathPrefix(
		router, wsPathPrefix+"/{route}/{resourceID}", MethodHandlers{
			"get": wsHandler.ServeWebSocketHandler(),
		},
	)

	restRouter := router.NewRoute().Subrouter()
	restRouter.Use(func(next http.Handler) http.Handler {
		return restHandler.LoggingMiddleware(next.ServeHTTP)
	})

	// Health check
	_ = RegisterPathPrefix(restRouter, "/alive", MethodHandlers{
		"get": restHandler.AliveHandler(),
	})
	_ = RegisterPathPrefix(restRouter, "/ready", MethodHandlers{
		"get": restHandler.ReadyHandler(),
	})

	// Statistics
	_ = RegisterPathPrefix(restRouter, "/v1/stats", MethodHandlers{
		"get": restHandler.StatsHandler(),
	})
	_ = RegisterPathPrefix(restRouter, "/metrics", MethodHandlers{
		"get": promhttp.Handler().ServeHTTP,
	})

	return router
}
