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

package jetstream

import "time"

type options struct {
	visibilityTimeout time.Duration
	dedupWindow       time.Duration
	replicas          int
}

func defaultOptions() *options {
	return &options{
		visibilityTimeout: 30 * time.Second,
		dedupWindow:       2 * time.Minute,
		replicas:          1,
	}
}

type Option func(*options)

// WithVisibilityTimeout sets the ack wait of the consumer
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *options) {
		o.visibilityTimeout = d
	}
}

// WithDedupWindow sets the duplicate window of the stream
func WithDedupWindow(d time.Duration) Option {
	return func(o *options) {
		o.dedupWindow = d
	}
}

// WithReplicas sets the number of stream replicas
func WithReplicas(n int) Option {
	return func(o *options) {
		o.replicas = n
	}
}
