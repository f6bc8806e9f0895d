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

// Package autoscaler sizes the worker fleet after the request queue backlog.
//
// On every tick the Scaler reads the queue depth (visible plus in-flight tasks)
// and the alive workers, computes the desired number of workers with DesiredWorkers,
// and launches or terminates workers to reach it. Terminations pick the oldest workers.
//
// The scaling policy is read on every tick, so a reloaded configuration applies
// without restarting the autoscaler.
package autoscaler
