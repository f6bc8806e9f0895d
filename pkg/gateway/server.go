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

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/numaproj/numapool"
	"github.com/numaproj/numapool/pkg/blobstore"
	"github.com/numaproj/numapool/pkg/metrics"
	"github.com/numaproj/numapool/pkg/shared/logging"
	sharedtls "github.com/numaproj/numapool/pkg/shared/tls"
	"github.com/numaproj/numapool/pkg/shared/util"
)

const (
	// formField is the multipart field holding the uploaded file.
	formField = "myfile"
	banner    = "Image classification gateway is running."
)

type ServerOptions struct {
	Port int
	// MaxPayloadBytes limits the size of an upload.
	MaxPayloadBytes int64
	// CorsAllowedOrigins is a comma separated list of origins, CORS is disabled when empty.
	CorsAllowedOrigins string
	// TLSEnabled serves HTTPS with a self-signed certificate.
	TLSEnabled bool
}

type Server struct {
	gateway *Gateway
	options ServerOptions
}

func NewServer(gw *Gateway, opts ServerOptions) *Server {
	return &Server{gateway: gw, options: opts}
}

// Handler returns the gin router serving the gateway routes.
func (s *Server) Handler(ctx context.Context) http.Handler {
	log := logging.FromContext(ctx)
	router := gin.New()
	router.Use(gin.LoggerWithConfig(gin.LoggerConfig{SkipPaths: []string{"/livez", "/readyz", "/metrics"}}), gin.Recovery())
	router.MaxMultipartMemory = s.options.MaxPayloadBytes
	allowedOrigins := util.SplitNonEmpty(s.options.CorsAllowedOrigins, ",")
	for i, o := range allowedOrigins {
		allowedOrigins[i] = strings.TrimRight(o, "/")
	}
	if len(allowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: allowedOrigins,
			AllowMethods: []string{"GET", "POST", "HEAD"},
			AllowHeaders: []string{"Origin", "Content-Length", "Content-Type"},
		}))
	}
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, banner)
	})
	router.GET("/livez", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	router.GET("/readyz", func(c *gin.Context) {
		if err := s.gateway.Validate(c.Request.Context()); err != nil {
			log.Warnw("Gateway is not ready", zap.Error(err))
			c.String(http.StatusServiceUnavailable, err.Error())
			return
		}
		c.Status(http.StatusNoContent)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/predict", s.predict)
	router.GET("/results/*taskId", s.result)
	return router
}

func (s *Server) predict(c *gin.Context) {
	start := time.Now()
	reply := func(outcome string, code int, body gin.H) {
		metrics.Submissions.WithLabelValues(outcome).Inc()
		metrics.SubmitLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		c.JSON(code, body)
	}
	noFile := gin.H{"error": "No file uploaded"}
	tooLarge := gin.H{"error": "File too large"}
	if c.Request.ContentLength > s.options.MaxPayloadBytes+(1<<20) {
		reply(metrics.OutcomeRejected, http.StatusRequestEntityTooLarge, tooLarge)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.options.MaxPayloadBytes+(1<<20))
	header, err := c.FormFile(formField)
	if err != nil || header.Filename == "" {
		reply(metrics.OutcomeRejected, http.StatusBadRequest, noFile)
		return
	}
	if header.Size > s.options.MaxPayloadBytes {
		reply(metrics.OutcomeRejected, http.StatusRequestEntityTooLarge, tooLarge)
		return
	}
	f, err := header.Open()
	if err != nil {
		reply(metrics.OutcomeRejected, http.StatusBadRequest, noFile)
		return
	}
	defer func() { _ = f.Close() }()
	payload, err := io.ReadAll(f)
	if err != nil {
		reply(metrics.OutcomeRejected, http.StatusBadRequest, noFile)
		return
	}

	result, err := s.gateway.Submit(c.Request.Context(), header.Filename, payload)
	var timeout *TimeoutError
	switch {
	case err == nil:
		reply(metrics.OutcomeSuccess, http.StatusOK, gin.H{"result": result.Content, "taskId": result.TaskID})
	case errors.Is(err, ErrMalformedSubmission):
		reply(metrics.OutcomeRejected, http.StatusBadRequest, noFile)
	case errors.As(err, &timeout):
		reply(metrics.OutcomeTimeout, http.StatusGatewayTimeout, gin.H{"error": "Timed out waiting for result", "taskId": timeout.TaskID})
	default:
		logging.FromContext(c.Request.Context()).Errorw("Failed to serve a submission", zap.Error(err))
		reply(metrics.OutcomeError, http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) result(c *gin.Context) {
	taskID := strings.TrimPrefix(c.Param("taskId"), "/")
	result, err := s.gateway.Lookup(c.Request.Context(), taskID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"result": result.Content, "taskId": result.TaskID})
	case errors.Is(err, blobstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Result not ready", "taskId": taskID})
	case errors.Is(err, ErrMalformedSubmission):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid task ID"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// Start serves the gateway until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	log := logging.FromContext(ctx)
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.options.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d, %w", s.options.Port, err)
	}
	server := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	if s.options.TLSEnabled {
		if server.TLSConfig, err = sharedtls.ServerConfig(); err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to generate the gateway certificate, %w", err)
		}
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infow("Starting gateway on "+ln.Addr().String(), "version", numapool.GetVersion(), "tls", s.options.TLSEnabled)
		serve := server.Serve
		if s.options.TLSEnabled {
			serve = func(l net.Listener) error { return server.ServeTLS(l, "", "") }
		}
		if err := serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("gateway server stopped, %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("Shutting down gateway")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down the gateway server, %w", err)
	}
	return nil
}
