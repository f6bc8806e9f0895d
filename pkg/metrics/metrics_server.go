/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/numaproj/numapool/pkg/shared/logging"
)

// metricsServer runs an HTTP server to:
// 1. Expose metrics;
// 2. Serve endpoints to execute health checks;
// 3. Serve the extra handlers registered by the component, e.g. the autoscaler status.
type metricsServer struct {
	port int
	// Functions that health check executes
	healthCheckExecutors []func() error
	handlers             map[string]http.Handler
}

type Option func(*metricsServer)

// WithHealthCheckExecutor appends a health check executor
func WithHealthCheckExecutor(f func() error) Option {
	return func(m *metricsServer) {
		m.healthCheckExecutors = append(m.healthCheckExecutors, f)
	}
}

// WithHandler registers an extra handler on the server.
func WithHandler(pattern string, h http.Handler) Option {
	return func(m *metricsServer) {
		m.handlers[pattern] = h
	}
}

// NewMetricsOptions returns a metrics option list, with one executor per health checker.
func NewMetricsOptions(ctx context.Context, healthCheckers []HealthChecker) []Option {
	var metricsOpts []Option
	for _, hc := range healthCheckers {
		hc := hc
		metricsOpts = append(metricsOpts, WithHealthCheckExecutor(func() error {
			cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			return hc.IsHealthy(cctx)
		}))
	}
	return metricsOpts
}

// NewMetricsServer returns a Prometheus metrics server instance listening on the given port.
func NewMetricsServer(port int, opts ...Option) *metricsServer {
	m := &metricsServer{
		port:     port,
		handlers: make(map[string]http.Handler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Handler builds the mux served by the metrics server.
func (ms *metricsServer) Handler(ctx context.Context) http.Handler {
	log := logging.FromContext(ctx)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		for _, ex := range ms.healthCheckExecutors {
			if err := ex(); err != nil {
				log.Errorw("Failed to execute health check", zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	for pattern, h := range ms.handlers {
		mux.Handle(pattern, h)
	}
	if os.Getenv(logging.EnvDebug) == "true" {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// Start function starts the HTTP service to expose metrics, it returns a shutdown function and an error if any
func (ms *metricsServer) Start(ctx context.Context) (func(ctx context.Context) error, error) {
	log := logging.FromContext(ctx)
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", ms.port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on metrics port %d: %w", ms.port, err)
	}
	httpServer := &http.Server{
		Handler:           ms.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("Starting metrics HTTP server", zap.Int("port", ms.port))
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorw("Metrics server stopped unexpectedly", zap.Error(err))
		}
		log.Info("Metrics server shutdown")
	}()
	return httpServer.Shutdown, nil
}
