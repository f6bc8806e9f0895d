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

package config

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
)

const (
	BackendInMem      = "inmem"
	BackendRedis      = "redis"
	BackendJetStream  = "jetstream"
	BackendKubernetes = "kubernetes"
	BackendLocal      = "local"
)

// Config is the full configuration of a numapool deployment. All the processes
// of a deployment are expected to share it.
type Config struct {
	Region    string          `mapstructure:"region"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JetStream JetStreamConfig `mapstructure:"jetstream"`
	Queue     QueueConfig     `mapstructure:"queue"`
	BlobStore BlobStoreConfig `mapstructure:"blobStore"`
	Fleet     FleetConfig     `mapstructure:"fleet"`
	Scaling   ScalingConfig   `mapstructure:"scaling"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type RedisConfig struct {
	Addrs            []string `mapstructure:"addrs"`
	Username         string   `mapstructure:"username"`
	Password         string   `mapstructure:"password"`
	MasterName       string   `mapstructure:"masterName"`
	SentinelPassword string   `mapstructure:"sentinelPassword"`
	DB               int      `mapstructure:"db"`
}

type JetStreamConfig struct {
	URL        string `mapstructure:"url"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	TLSEnabled bool   `mapstructure:"tlsEnabled"`
}

type QueueConfig struct {
	Backend                  string `mapstructure:"backend"`
	RequestQueue             string `mapstructure:"requestQueue"`
	ResponseQueue            string `mapstructure:"responseQueue"`
	VisibilityTimeoutSeconds int    `mapstructure:"visibilityTimeoutSeconds"`
	DedupWindowSeconds       int    `mapstructure:"dedupWindowSeconds"`
}

func (q QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(q.VisibilityTimeoutSeconds) * time.Second
}

func (q QueueConfig) DedupWindow() time.Duration {
	return time.Duration(q.DedupWindowSeconds) * time.Second
}

type BlobStoreConfig struct {
	Backend      string `mapstructure:"backend"`
	Bucket       string `mapstructure:"bucket"`
	InputPrefix  string `mapstructure:"inputPrefix"`
	OutputPrefix string `mapstructure:"outputPrefix"`
}

type FleetConfig struct {
	Backend            string `mapstructure:"backend"`
	RoleTag            string `mapstructure:"roleTag"`
	Namespace          string `mapstructure:"namespace"`
	Kubeconfig         string `mapstructure:"kubeconfig"`
	Image              string `mapstructure:"image"`
	ImagePullPolicy    string `mapstructure:"imagePullPolicy"`
	ServiceAccountName string `mapstructure:"serviceAccountName"`
	// Env holds NAME=VALUE pairs added to the worker container.
	Env []string `mapstructure:"env"`
	// ConfigMapName is mounted into the worker pods as /etc/numapool when set.
	ConfigMapName string `mapstructure:"configMapName"`
}

// ScalingConfig is the scaling policy of the autoscaler.
type ScalingConfig struct {
	MinWorkers            int `mapstructure:"minWorkers" json:"minWorkers"`
	MaxWorkers            int `mapstructure:"maxWorkers" json:"maxWorkers"`
	TasksPerWorker        int `mapstructure:"tasksPerWorker" json:"tasksPerWorker"`
	ScaleIntervalSeconds  int `mapstructure:"scaleIntervalSeconds" json:"scaleIntervalSeconds"`
	SurgeThreshold        int `mapstructure:"surgeThreshold" json:"surgeThreshold"`
	SurgeFloor            int `mapstructure:"surgeFloor" json:"surgeFloor"`
	LaunchIntervalSeconds int `mapstructure:"launchIntervalSeconds" json:"launchIntervalSeconds"`
}

func (s ScalingConfig) ScaleInterval() time.Duration {
	return time.Duration(s.ScaleIntervalSeconds) * time.Second
}

func (s ScalingConfig) LaunchInterval() time.Duration {
	return time.Duration(s.LaunchIntervalSeconds) * time.Second
}

// Validate checks the policy invariants, min <= max in particular.
func (s ScalingConfig) Validate() error {
	var errs error
	if s.MinWorkers < 0 {
		errs = multierr.Append(errs, fmt.Errorf("scaling.minWorkers must not be negative, got %d", s.MinWorkers))
	}
	if s.MaxWorkers < 1 {
		errs = multierr.Append(errs, fmt.Errorf("scaling.maxWorkers must be at least 1, got %d", s.MaxWorkers))
	}
	if s.MaxWorkers < s.MinWorkers {
		errs = multierr.Append(errs, fmt.Errorf("scaling.maxWorkers (%d) is less than scaling.minWorkers (%d)", s.MaxWorkers, s.MinWorkers))
	}
	if s.TasksPerWorker < 1 {
		errs = multierr.Append(errs, fmt.Errorf("scaling.tasksPerWorker must be at least 1, got %d", s.TasksPerWorker))
	}
	if s.ScaleIntervalSeconds < 1 {
		errs = multierr.Append(errs, fmt.Errorf("scaling.scaleIntervalSeconds must be at least 1, got %d", s.ScaleIntervalSeconds))
	}
	if s.SurgeThreshold < 1 {
		errs = multierr.Append(errs, fmt.Errorf("scaling.surgeThreshold must be at least 1, got %d", s.SurgeThreshold))
	}
	if s.SurgeFloor < 0 {
		errs = multierr.Append(errs, fmt.Errorf("scaling.surgeFloor must not be negative, got %d", s.SurgeFloor))
	}
	if s.LaunchIntervalSeconds < 0 {
		errs = multierr.Append(errs, fmt.Errorf("scaling.launchIntervalSeconds must not be negative, got %d", s.LaunchIntervalSeconds))
	}
	return errs
}

type GatewayConfig struct {
	Port               int    `mapstructure:"port"`
	WebTimeoutSeconds  int    `mapstructure:"webTimeoutSeconds"`
	PollIntervalMillis int    `mapstructure:"pollIntervalMillis"`
	MaxPayloadBytes    int64  `mapstructure:"maxPayloadBytes"`
	ResultCacheSize    int    `mapstructure:"resultCacheSize"`
	// CorsAllowedOrigins is a comma separated list of origins allowed to call the gateway.
	CorsAllowedOrigins string `mapstructure:"corsAllowedOrigins"`
	TLSEnabled         bool   `mapstructure:"tlsEnabled"`
}

func (g GatewayConfig) WebTimeout() time.Duration {
	return time.Duration(g.WebTimeoutSeconds) * time.Second
}

func (g GatewayConfig) PollInterval() time.Duration {
	return time.Duration(g.PollIntervalMillis) * time.Millisecond
}

type WorkerConfig struct {
	ReceiveWaitSeconds  int      `mapstructure:"receiveWaitSeconds"`
	IdleSleepSeconds    int      `mapstructure:"idleSleepSeconds"`
	ErrorBackoffSeconds int      `mapstructure:"errorBackoffSeconds"`
	ClassifierCommand   []string `mapstructure:"classifierCommand"`
}

func (w WorkerConfig) ReceiveWait() time.Duration {
	return time.Duration(w.ReceiveWaitSeconds) * time.Second
}

func (w WorkerConfig) IdleSleep() time.Duration {
	return time.Duration(w.IdleSleepSeconds) * time.Second
}

func (w WorkerConfig) ErrorBackoff() time.Duration {
	return time.Duration(w.ErrorBackoffSeconds) * time.Second
}

type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

// Validate returns all the problems found in the configuration, combined.
func (c Config) Validate() error {
	var errs error
	switch c.Queue.Backend {
	case BackendInMem, BackendRedis, BackendJetStream:
	default:
		errs = multierr.Append(errs, fmt.Errorf("unsupported queue.backend %q", c.Queue.Backend))
	}
	switch c.BlobStore.Backend {
	case BackendInMem, BackendRedis, BackendJetStream:
	default:
		errs = multierr.Append(errs, fmt.Errorf("unsupported blobStore.backend %q", c.BlobStore.Backend))
	}
	switch c.Fleet.Backend {
	case BackendKubernetes, BackendLocal:
	default:
		errs = multierr.Append(errs, fmt.Errorf("unsupported fleet.backend %q", c.Fleet.Backend))
	}
	if (c.Queue.Backend == BackendRedis || c.BlobStore.Backend == BackendRedis) && len(c.Redis.Addrs) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("redis.addrs is required by the redis backend"))
	}
	if (c.Queue.Backend == BackendJetStream || c.BlobStore.Backend == BackendJetStream) && c.JetStream.URL == "" {
		errs = multierr.Append(errs, fmt.Errorf("jetstream.url is required by the jetstream backend"))
	}
	if c.Queue.RequestQueue == "" || c.Queue.ResponseQueue == "" {
		errs = multierr.Append(errs, fmt.Errorf("queue.requestQueue and queue.responseQueue are required"))
	} else if c.Queue.RequestQueue == c.Queue.ResponseQueue {
		errs = multierr.Append(errs, fmt.Errorf("queue.requestQueue and queue.responseQueue must differ"))
	}
	if c.Queue.VisibilityTimeoutSeconds < 1 {
		errs = multierr.Append(errs, fmt.Errorf("queue.visibilityTimeoutSeconds must be at least 1, got %d", c.Queue.VisibilityTimeoutSeconds))
	}
	if c.Queue.DedupWindowSeconds < 0 {
		errs = multierr.Append(errs, fmt.Errorf("queue.dedupWindowSeconds must not be negative, got %d", c.Queue.DedupWindowSeconds))
	}
	if c.BlobStore.Bucket == "" {
		errs = multierr.Append(errs, fmt.Errorf("blobStore.bucket is required"))
	}
	if c.BlobStore.InputPrefix == "" || c.BlobStore.OutputPrefix == "" {
		errs = multierr.Append(errs, fmt.Errorf("blobStore.inputPrefix and blobStore.outputPrefix are required"))
	} else if c.BlobStore.InputPrefix == c.BlobStore.OutputPrefix {
		errs = multierr.Append(errs, fmt.Errorf("blobStore.inputPrefix and blobStore.outputPrefix must differ"))
	}
	if c.Fleet.RoleTag == "" {
		errs = multierr.Append(errs, fmt.Errorf("fleet.roleTag is required"))
	}
	if c.Fleet.Backend == BackendKubernetes && c.Fleet.Image == "" {
		errs = multierr.Append(errs, fmt.Errorf("fleet.image is required by the kubernetes fleet"))
	}
	errs = multierr.Append(errs, c.Scaling.Validate())
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("invalid gateway.port %d", c.Gateway.Port))
	}
	if c.Gateway.WebTimeoutSeconds < 1 {
		errs = multierr.Append(errs, fmt.Errorf("gateway.webTimeoutSeconds must be at least 1, got %d", c.Gateway.WebTimeoutSeconds))
	}
	if c.Gateway.PollIntervalMillis < 1 {
		errs = multierr.Append(errs, fmt.Errorf("gateway.pollIntervalMillis must be at least 1, got %d", c.Gateway.PollIntervalMillis))
	}
	if c.Gateway.MaxPayloadBytes < 1 {
		errs = multierr.Append(errs, fmt.Errorf("gateway.maxPayloadBytes must be at least 1, got %d", c.Gateway.MaxPayloadBytes))
	}
	if c.Gateway.ResultCacheSize < 1 {
		errs = multierr.Append(errs, fmt.Errorf("gateway.resultCacheSize must be at least 1, got %d", c.Gateway.ResultCacheSize))
	}
	if c.Worker.ReceiveWaitSeconds < 1 {
		errs = multierr.Append(errs, fmt.Errorf("worker.receiveWaitSeconds must be at least 1, got %d", c.Worker.ReceiveWaitSeconds))
	}
	if c.Worker.IdleSleepSeconds < 0 || c.Worker.ErrorBackoffSeconds < 0 {
		errs = multierr.Append(errs, fmt.Errorf("worker.idleSleepSeconds and worker.errorBackoffSeconds must not be negative"))
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("invalid metrics.port %d", c.Metrics.Port))
	} else if c.Metrics.Port == c.Gateway.Port {
		errs = multierr.Append(errs, fmt.Errorf("metrics.port and gateway.port must differ"))
	}
	return errs
}
