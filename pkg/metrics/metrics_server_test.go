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
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gavv/httpexpect/v2"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_MetricsServer_Handler(t *testing.T) {
	healthy := true
	ms := NewMetricsServer(0,
		WithHealthCheckExecutor(func() error {
			if healthy {
				return nil
			}
			return errors.New("queue unreachable")
		}),
		WithHandler("/status", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"desired":3}`))
		})),
	)
	server := httptest.NewServer(ms.Handler(context.Background()))
	defer server.Close()

	e := httpexpect.Default(t, server.URL)
	e.GET("/livez").Expect().Status(http.StatusNoContent)
	e.GET("/readyz").Expect().Status(http.StatusNoContent)
	e.GET("/metrics").Expect().Status(http.StatusOK).Body().Contains("go_goroutines")
	e.GET("/status").Expect().Status(http.StatusOK).JSON().Object().HasValue("desired", 3)

	healthy = false
	e.GET("/readyz").Expect().Status(http.StatusServiceUnavailable).Body().IsEqual("queue unreachable")
}

func Test_MetricsServer_Start(t *testing.T) {
	ms := NewMetricsServer(0)
	shutdown, err := ms.Start(context.Background())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func Test_MetricsServer_WithHealthCheckExecutor(t *testing.T) {
	executed := false
	executor := func() error {
		executed = true
		return nil
	}
	ms := NewMetricsServer(9090, WithHealthCheckExecutor(executor))
	assert.Equal(t, 1, len(ms.healthCheckExecutors))
	err := ms.healthCheckExecutors[0]()
	assert.NoError(t, err)
	assert.True(t, executed)
}

func Test_MetricsServer_NewMetricsOptions(t *testing.T) {
	calls := 0
	hc := HealthCheckerFunc(func(ctx context.Context) error {
		calls++
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return nil
	})
	opts := NewMetricsOptions(context.Background(), []HealthChecker{hc, hc})
	assert.Equal(t, 2, len(opts))
	m := NewMetricsServer(9090, opts...)
	for _, ex := range m.healthCheckExecutors {
		assert.NoError(t, ex())
	}
	assert.Equal(t, 2, calls)
}

func Test_Collectors(t *testing.T) {
	Submissions.WithLabelValues(OutcomeTimeout).Inc()
	m := &dto.Metric{}
	require.NoError(t, Submissions.WithLabelValues(OutcomeTimeout).Write(m))
	assert.GreaterOrEqual(t, m.GetCounter().GetValue(), float64(1))

	DesiredWorkers.Set(7)
	m = &dto.Metric{}
	require.NoError(t, DesiredWorkers.Write(m))
	assert.Equal(t, float64(7), m.GetGauge().GetValue())
}
