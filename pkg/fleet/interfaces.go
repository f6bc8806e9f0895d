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

// Package fleet defines the compute fleet running the workers.
package fleet

import (
	"context"
	"sort"
	"time"
)

// State is the lifecycle state of a worker instance.
type State string

const (
	StatePending     State = "pending"
	StateRunning     State = "running"
	StateTerminating State = "terminating"
	StateTerminated  State = "terminated"
)

// Alive tells if an instance in this state counts towards the fleet size.
func (s State) Alive() bool {
	return s == StatePending || s == StateRunning
}

// Instance is a worker instance owned by a Manager.
type Instance struct {
	ID         string
	State      State
	LaunchedAt time.Time
}

// Manager provisions and terminates the worker instances of a single role.
type Manager interface {
	// ListAlive returns the pending and running instances, oldest first.
	ListAlive(ctx context.Context) ([]Instance, error)
	// Launch starts a new instance and returns its ID.
	Launch(ctx context.Context) (string, error)
	// Terminate stops the instance, terminating an instance that is already gone is not an error.
	Terminate(ctx context.Context, id string) error
}

// SortOldestFirst sorts the instances by launch time, ties broken by ID.
func SortOldestFirst(instances []Instance) {
	sort.SliceStable(instances, func(i, j int) bool {
		if !instances[i].LaunchedAt.Equal(instances[j].LaunchedAt) {
			return instances[i].LaunchedAt.Before(instances[j].LaunchedAt)
		}
		return instances[i].ID < instances[j].ID
	})
}
