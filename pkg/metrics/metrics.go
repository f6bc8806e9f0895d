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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "numapool"

	LabelVersion   = "version"
	LabelPlatform  = "platform"
	LabelComponent = "component"
	LabelWorker    = "worker"
	LabelOutcome   = "outcome"
	LabelState     = "state"
	LabelReason    = "reason"
)

const (
	OutcomeSuccess  = "success"
	OutcomeTimeout  = "timeout"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "A metric with a constant value '1', labeled by numapool binary version, platform, and component",
	}, []string{LabelComponent, LabelVersion, LabelPlatform})
)

// Autoscaler metrics
var (
	// QueueDepth is the last observed depth of the request queue, by state (visible or in_flight)
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "autoscaler",
		Name:      "queue_depth",
		Help:      "Last observed number of tasks in the request queue",
	}, []string{LabelState})

	SmoothedQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "autoscaler",
		Name:      "smoothed_queue_depth",
		Help:      "Moving average of the request queue depth over recent reconciliations",
	})

	AliveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "autoscaler",
		Name:      "alive_workers",
		Help:      "Last observed number of pending or running workers",
	})

	DesiredWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "autoscaler",
		Name:      "desired_workers",
		Help:      "Number of workers computed by the last reconciliation",
	})

	WorkersLaunched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "autoscaler",
		Name:      "workers_launched_total",
		Help:      "Total number of worker launches",
	})

	WorkersTerminated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "autoscaler",
		Name:      "workers_terminated_total",
		Help:      "Total number of worker terminations",
	})

	// ScalingErrors counts the failed reconciliations, by the step that failed
	ScalingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "autoscaler",
		Name:      "errors_total",
		Help:      "Total number of failed reconciliations",
	}, []string{LabelReason})
)

// Gateway metrics
var (
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "submissions_total",
		Help:      "Total number of submissions, by outcome",
	}, []string{LabelOutcome})

	// SubmitLatency is a histogram of the time from upload to result (10 milliseconds to 10 minutes)
	SubmitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "submit_latency_seconds",
		Help:      "Time spent serving a submission",
		Buckets:   prometheus.ExponentialBucketsRange(0.01, 600, 12),
	}, []string{LabelOutcome})
)

// Worker metrics
var (
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Total number of tasks classified and acknowledged",
	}, []string{LabelWorker})

	TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "tasks_failed_total",
		Help:      "Total number of failed worker iterations",
	}, []string{LabelWorker, LabelReason})

	ClassifyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "classify_duration_seconds",
		Help:      "Time spent in the classifier (1 millisecond to 5 minutes)",
		Buckets:   prometheus.ExponentialBucketsRange(0.001, 300, 12),
	}, []string{LabelWorker})
)
