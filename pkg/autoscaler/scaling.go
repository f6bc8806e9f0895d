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
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/numaproj/numapool/pkg/config"
	"github.com/numaproj/numapool/pkg/fleet"
	"github.com/numaproj/numapool/pkg/metrics"
	"github.com/numaproj/numapool/pkg/shared/ewma"
	"github.com/numaproj/numapool/pkg/shared/logging"
	"github.com/numaproj/numapool/pkg/taskqueue"
)

const (
	reasonDepth     = "depth"
	reasonList      = "list"
	reasonLaunch    = "launch"
	reasonTerminate = "terminate"
)

// PolicyGetter returns the current scaling policy. *config.GlobalConfig implements it.
type PolicyGetter interface {
	GetScaling() config.ScalingConfig
}

// StaticPolicy is a PolicyGetter returning a fixed policy.
type StaticPolicy config.ScalingConfig

func (p StaticPolicy) GetScaling() config.ScalingConfig {
	return config.ScalingConfig(p)
}

// FleetState is what a tick observes. It is never reused by the next tick.
type FleetState struct {
	QueueDepth   int64 `json:"queueDepth"`
	AliveWorkers int   `json:"aliveWorkers"`
}

type Scaler struct {
	queue  taskqueue.TaskQueue
	fleet  fleet.Manager
	policy PolicyGetter
	lock   *sync.RWMutex
	status Status
	// smoothed depth is reported only, scaling decisions use the depth observed by the tick.
	smoothed *ewma.Average
}

// NewScaler returns a Scaler sizing fleet after the depth of queue.
func NewScaler(queue taskqueue.TaskQueue, fleet fleet.Manager, policy PolicyGetter) *Scaler {
	return &Scaler{
		queue:    queue,
		fleet:    fleet,
		policy:   policy,
		lock:     new(sync.RWMutex),
		smoothed: ewma.NewAverage(ewma.DefaultSpan),
	}
}

// DesiredWorkers returns the number of workers for a backlog of depth tasks:
//
//	desired = clamp(ceil(depth / tasksPerWorker) + 1, minWorkers, maxWorkers)
//
// When depth reaches surgeThreshold, desired is raised to at least surgeFloor, still capped by maxWorkers.
func DesiredWorkers(depth int64, policy config.ScalingConfig) int {
	if depth < 0 {
		depth = 0
	}
	perWorker := int64(policy.TasksPerWorker)
	if perWorker < 1 {
		perWorker = 1
	}
	desired := int((depth+perWorker-1)/perWorker) + 1
	if desired < policy.MinWorkers {
		desired = policy.MinWorkers
	}
	if depth >= int64(policy.SurgeThreshold) && desired < policy.SurgeFloor {
		desired = policy.SurgeFloor
	}
	if desired > policy.MaxWorkers {
		desired = policy.MaxWorkers
	}
	return desired
}

// Reconcile runs a single scaling pass.
func (s *Scaler) Reconcile(ctx context.Context) error {
	err := s.reconcile(ctx)
	s.lock.Lock()
	s.status.LastReconciledAt = time.Now()
	if err != nil {
		s.status.LastError = err.Error()
	} else {
		s.status.LastError = ""
	}
	s.lock.Unlock()
	return err
}

func (s *Scaler) reconcile(ctx context.Context) error {
	log := logging.FromContext(ctx)
	policy := s.policy.GetScaling()

	depth, err := s.queue.Depth(ctx)
	if err != nil {
		metrics.ScalingErrors.WithLabelValues(reasonDepth).Inc()
		return fmt.Errorf("failed to get the depth of queue %q, %w", s.queue.GetName(), err)
	}
	metrics.QueueDepth.WithLabelValues("visible").Set(float64(depth.Visible))
	metrics.QueueDepth.WithLabelValues("in_flight").Set(float64(depth.InFlight))
	smoothed := s.smoothed.Observe(float64(depth.Total()))
	metrics.SmoothedQueueDepth.Set(smoothed)

	instances, err := s.fleet.ListAlive(ctx)
	if err != nil {
		metrics.ScalingErrors.WithLabelValues(reasonList).Inc()
		return fmt.Errorf("failed to list alive workers, %w", err)
	}
	fleet.SortOldestFirst(instances)
	state := FleetState{QueueDepth: depth.Total(), AliveWorkers: len(instances)}
	desired := DesiredWorkers(state.QueueDepth, policy)
	metrics.AliveWorkers.Set(float64(state.AliveWorkers))
	metrics.DesiredWorkers.Set(float64(desired))

	s.lock.Lock()
	s.status.FleetState = state
	s.status.DesiredWorkers = desired
	s.status.SmoothedQueueDepth = smoothed
	s.status.Policy = policy
	s.lock.Unlock()

	alive := state.AliveWorkers
	switch {
	case alive < desired:
		n := desired - alive
		if room := policy.MaxWorkers - alive; room < n {
			n = room
		}
		log.Infow("Scaling up", zap.Int64("depth", state.QueueDepth), zap.Int("alive", alive), zap.Int("desired", desired), zap.Int("launching", n))
		for i := 0; i < n; i++ {
			if i > 0 {
				if err := sleep(ctx, policy.LaunchInterval()); err != nil {
					return err
				}
			}
			id, err := s.fleet.Launch(ctx)
			if err != nil {
				metrics.ScalingErrors.WithLabelValues(reasonLaunch).Inc()
				return fmt.Errorf("failed to launch worker %d of %d, %w", i+1, n, err)
			}
			metrics.WorkersLaunched.Inc()
			log.Infow("Launched worker", zap.String("id", id))
		}
	case alive > desired:
		victims := instances[:alive-desired]
		log.Infow("Scaling down", zap.Int64("depth", state.QueueDepth), zap.Int("alive", alive), zap.Int("desired", desired), zap.Int("terminating", len(victims)))
		var errs error
		for _, inst := range victims {
			if err := s.fleet.Terminate(ctx, inst.ID); err != nil {
				metrics.ScalingErrors.WithLabelValues(reasonTerminate).Inc()
				errs = multierr.Append(errs, fmt.Errorf("failed to terminate worker %q, %w", inst.ID, err))
				continue
			}
			metrics.WorkersTerminated.Inc()
			log.Infow("Terminated worker", zap.String("id", inst.ID), zap.Time("launchedAt", inst.LaunchedAt))
		}
		return errs
	default:
		log.Debugw("Fleet is at the desired size", zap.Int64("depth", state.QueueDepth), zap.Int("alive", alive))
	}
	return nil
}

// Start reconciles every scale interval until the context is cancelled. Errors are logged and retried on the next tick.
func (s *Scaler) Start(ctx context.Context) error {
	log := logging.FromContext(ctx).Named("autoscaler")
	ctx = logging.WithLogger(ctx, log)
	log.Infow("Starting autoscaler", zap.String("queue", s.queue.GetName()))
	for {
		if err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
			log.Errorw("Failed to reconcile the worker fleet", zap.Error(err))
		}
		if err := sleep(ctx, s.policy.GetScaling().ScaleInterval()); err != nil {
			log.Info("Shutting down autoscaler")
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
