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

package inmem

import (
	"time"

	"k8s.io/utils/clock"
)

type options struct {
	visibilityTimeout time.Duration
	dedupWindow       time.Duration
	// recheckInterval is how often a waiting receiver looks for expired deliveries
	recheckInterval time.Duration
	clock           clock.WithTicker
}

func defaultOptions() *options {
	return &options{
		visibilityTimeout: 30 * time.Second,
		dedupWindow:       2 * time.Minute,
		recheckInterval:   100 * time.Millisecond,
		clock:             clock.RealClock{},
	}
}

type Option func(*options)

// WithVisibilityTimeout sets how long a received task stays invisible
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *options) {
		o.visibilityTimeout = d
	}
}

// WithDedupWindow sets how long a dedup key is remembered
func WithDedupWindow(d time.Duration) Option {
	return func(o *options) {
		o.dedupWindow = d
	}
}

// WithClock sets the clock, used by tests to control time
func WithClock(c clock.WithTicker) Option {
	return func(o *options) {
		o.clock = c
	}
}
