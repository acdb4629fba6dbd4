// Copyright 2025 Arbor Works
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api provides the HTTP API for arbord.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/arborworks/arbor/internal/daemon"
	"github.com/arborworks/arbor/internal/daemon/httputil"
	"github.com/arborworks/arbor/internal/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds build identification served by the version endpoint.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
}

// Router wraps an http.ServeMux with request logging.
type Router struct {
	mux    *http.ServeMux
	config RouterConfig
	logger *slog.Logger
}

// NewRouter creates the router with every API endpoint registered.
func NewRouter(cfg RouterConfig, service *daemon.Service, logger *slog.Logger) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		config: cfg,
		logger: log.WithComponent(logger, "api"),
	}

	r.mux.HandleFunc("GET /healthz", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	r.mux.Handle("GET /metrics", promhttp.Handler())
	r.mux.HandleFunc("GET /", r.handleRoot)

	NewTreesHandler(service).RegisterRoutes(r.mux)
	NewRunsHandler(service).RegisterRoutes(r.mux)
	NewStreamsHandler(service, logger).RegisterRoutes(r.mux)

	return r
}

// ServeHTTP implements http.Handler with request logging around the mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	defer func() {
		r.logger.Info("request completed",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}()
	r.mux.ServeHTTP(w, req)
}

func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    "arbord",
		"version": r.config.Version,
	})
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version":    r.config.Version,
		"commit":     r.config.Commit,
		"build_date": r.config.BuildDate,
	})
}
