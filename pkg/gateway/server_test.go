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
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	blobinmem "github.com/numaproj/numapool/pkg/blobstore/inmem"
	queueinmem "github.com/numaproj/numapool/pkg/taskqueue/inmem"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newTestServer(t *testing.T, withWorker bool, opts ...Option) (*httpexpect.Expect, *blobinmem.Store) {
	t.Helper()
	q := queueinmem.NewQueue("requests")
	s := blobinmem.NewStore("bucket")
	if withWorker {
		startWorker(t, q, s)
	}
	gw, err := NewGateway(q, s, append(fastOptions(), opts...)...)
	require.NoError(t, err)
	srv := NewServer(gw, ServerOptions{Port: 5000, MaxPayloadBytes: 1024, CorsAllowedOrigins: "http://localhost:3000/, "})
	server := httptest.NewServer(srv.Handler(context.Background()))
	t.Cleanup(server.Close)
	return httpexpect.Default(t, server.URL), s
}

func TestServer_Health(t *testing.T) {
	e, _ := newTestServer(t, false)
	e.GET("/").Expect().Status(http.StatusOK).Text().IsEqual(banner)
	e.GET("/livez").Expect().Status(http.StatusNoContent)
	e.GET("/readyz").Expect().Status(http.StatusNoContent)
	e.GET("/metrics").Expect().Status(http.StatusOK).Body().Contains("go_goroutines")
}

func TestServer_Predict(t *testing.T) {
	e, _ := newTestServer(t, true)
	obj := e.POST("/predict").
		WithMultipart().
		WithFile(formField, "cat.jpg", bytes.NewReader([]byte("jpeg bytes"))).
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	obj.Value("result").String().IsEqual("cat.jpg,tabby")
	taskID := obj.Value("taskId").String().HasSuffix("/cat.jpg").Raw()

	e.GET("/results/"+taskID).Expect().
		Status(http.StatusOK).
		JSON().Object().Value("result").String().IsEqual("cat.jpg,tabby")
	e.GET("/metrics").Expect().Status(http.StatusOK).Body().Contains(`numapool_gateway_submissions_total{outcome="success"}`)
}

func TestServer_PredictRejected(t *testing.T) {
	e, _ := newTestServer(t, false)
	e.POST("/predict").Expect().
		Status(http.StatusBadRequest).
		JSON().Object().Value("error").String().IsEqual("No file uploaded")
	e.POST("/predict").WithMultipart().WithFormField("other", "x").Expect().
		Status(http.StatusBadRequest)
	e.POST("/predict").WithMultipart().WithFile(formField, "empty.jpg", bytes.NewReader(nil)).Expect().
		Status(http.StatusBadRequest)
	e.POST("/predict").WithMultipart().WithFile(formField, "big.jpg", bytes.NewReader(make([]byte, 4096))).Expect().
		Status(http.StatusRequestEntityTooLarge)
}

func TestServer_PredictTimeout(t *testing.T) {
	e, _ := newTestServer(t, false, WithWebTimeout(100*time.Millisecond))
	obj := e.POST("/predict").
		WithMultipart().
		WithFile(formField, "dog.png", bytes.NewReader([]byte("png bytes"))).
		Expect().
		Status(http.StatusGatewayTimeout).
		JSON().Object()
	obj.Value("error").String().IsEqual("Timed out waiting for result")
	taskID := obj.Value("taskId").String().Raw()

	e.GET("/results/"+taskID).Expect().
		Status(http.StatusNotFound).
		JSON().Object().Value("error").String().IsEqual("Result not ready")
}

func TestServer_Cors(t *testing.T) {
	e, _ := newTestServer(t, false)
	e.GET("/").WithHeader("Origin", "http://localhost:3000").Expect().
		Status(http.StatusOK).
		Header("Access-Control-Allow-Origin").IsEqual("http://localhost:3000")
	e.GET("/").WithHeader("Origin", "http://evil.example").Expect().
		Status(http.StatusForbidden)
}

func TestServer_StartAndShutdown(t *testing.T) {
	gw, err := NewGateway(queueinmem.NewQueue("requests"), blobinmem.NewStore("bucket"))
	require.NoError(t, err)
	srv := NewServer(gw, ServerOptions{Port: 0, MaxPayloadBytes: 1024})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- srv.Start(ctx)
	}()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}
}

func TestServer_StartWithTLS(t *testing.T) {
	gw, err := NewGateway(queueinmem.NewQueue("requests"), blobinmem.NewStore("bucket"))
	require.NoError(t, err)
	srv := NewServer(gw, ServerOptions{Port: 0, MaxPayloadBytes: 1024, TLSEnabled: true})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- srv.Start(ctx)
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}
}
