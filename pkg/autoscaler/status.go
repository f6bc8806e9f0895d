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

package autoscaler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/numaproj/numapool/pkg/config"
)

// Status is the outcome of the last reconciliation.
type Status struct {
	FleetState `json:",inline"`
	// SmoothedQueueDepth is the moving average of the total depth over recent ticks.
	SmoothedQueueDepth float64              `json:"smoothedQueueDepth"`
	DesiredWorkers     int                  `json:"desiredWorkers"`
	Policy             config.ScalingConfig `json:"policy"`
	LastError          string               `json:"lastError,omitempty"`
	LastReconciledAt   time.Time            `json:"lastReconciledAt"`
}

// Status returns a snapshot of the last reconciliation.
func (s *Scaler) Status() Status {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.status
}

// StatusHandler serves the status as JSON.
func (s *Scaler) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Status())
	})
}
