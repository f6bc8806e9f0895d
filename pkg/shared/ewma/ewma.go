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

// Package ewma smooths a noisy series of observations with an exponentially weighted moving average.
package ewma

import "sync"

// DefaultSpan is the number of observations that carry most of the weight.
const DefaultSpan = 10

// Average is an exponentially weighted moving average, safe for concurrent use.
// The first observation seeds the average.
type Average struct {
	lock   sync.RWMutex
	weight float64
	value  float64
	count  int
}

// NewAverage returns an average over the given span, DefaultSpan when span is not positive.
func NewAverage(span int) *Average {
	if span < 1 {
		span = DefaultSpan
	}
	return &Average{weight: 2.0 / (float64(span) + 1.0)}
}

// Observe folds a sample into the average and returns the new value.
func (a *Average) Observe(sample float64) float64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.count == 0 {
		a.value = sample
	} else {
		a.value += a.weight * (sample - a.value)
	}
	a.count++
	return a.value
}

// Value returns the current average, zero before any observation.
func (a *Average) Value() float64 {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.value
}

// Observations returns how many samples were folded in.
func (a *Average) Observations() int {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.count
}

// Reset drops the history.
func (a *Average) Reset() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.value, a.count = 0, 0
}
