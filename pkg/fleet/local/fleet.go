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

// Package local runs the workers as goroutines of the current process, it backs the standalone mode.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/numaproj/numapool/pkg/fleet"
	"github.com/numaproj/numapool/pkg/shared/logging"
)

// WorkerFunc runs a worker until the context is cancelled.
type WorkerFunc func(ctx context.Context, id string)

type instance struct {
	id         string
	launchedAt time.Time
	state      *atomic.String
	cancel     context.CancelFunc
}

// Fleet implements fleet.Manager with goroutines.
type Fleet struct {
	// ctx is the parent of all the worker contexts, it outlives the Launch calls
	ctx       context.Context
	run       WorkerFunc
	seq       *atomic.Int64
	lock      sync.Mutex
	instances map[string]*instance
	wg        sync.WaitGroup
	log       *zap.SugaredLogger
}

var _ fleet.Manager = (*Fleet)(nil)

// NewLocalFleet returns a fleet whose workers live as long as ctx, or until terminated.
func NewLocalFleet(ctx context.Context, run WorkerFunc) *Fleet {
	return &Fleet{
		ctx:       ctx,
		run:       run,
		seq:       atomic.NewInt64(0),
		instances: make(map[string]*instance),
		log:       logging.FromContext(ctx),
	}
}

func (f *Fleet) ListAlive(_ context.Context) ([]fleet.Instance, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	var result []fleet.Instance
	for _, i := range f.instances {
		state := fleet.State(i.state.Load())
		if state.Alive() {
			result = append(result, fleet.Instance{ID: i.id, State: state, LaunchedAt: i.launchedAt})
		}
	}
	fleet.SortOldestFirst(result)
	return result, nil
}

func (f *Fleet) Launch(_ context.Context) (string, error) {
	if err := f.ctx.Err(); err != nil {
		return "", fmt.Errorf("local fleet is stopped, %w", err)
	}
	id := fmt.Sprintf("local-worker-%d", f.seq.Inc())
	ctx, cancel := context.WithCancel(f.ctx)
	i := &instance{
		id:         id,
		launchedAt: time.Now(),
		state:      atomic.NewString(string(fleet.StatePending)),
		cancel:     cancel,
	}
	f.lock.Lock()
	f.instances[id] = i
	f.lock.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer func() {
			i.state.Store(string(fleet.StateTerminated))
			f.lock.Lock()
			delete(f.instances, id)
			f.lock.Unlock()
			cancel()
		}()
		i.state.CompareAndSwap(string(fleet.StatePending), string(fleet.StateRunning))
		f.run(logging.WithLogger(ctx, f.log.With("worker", id)), id)
	}()
	f.log.Infow("Launched local worker", zap.String("worker", id))
	return id, nil
}

func (f *Fleet) Terminate(_ context.Context, id string) error {
	f.lock.Lock()
	i, ok := f.instances[id]
	f.lock.Unlock()
	if !ok {
		return nil
	}
	i.state.Store(string(fleet.StateTerminating))
	i.cancel()
	f.log.Infow("Terminated local worker", zap.String("worker", id))
	return nil
}

// Wait blocks until all the workers have returned, they stop when the fleet context is cancelled.
func (f *Fleet) Wait() {
	f.wg.Wait()
}
