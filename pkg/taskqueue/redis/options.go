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

package redis

import "time"

type options struct {
	visibilityTimeout time.Duration
	dedupWindow       time.Duration
	// consumer is the name of this receiver in the consumer group
	consumer string
}

func defaultOptions() *options {
	return &options{
		visibilityTimeout: 30 * time.Second,
		dedupWindow:       2 * time.Minute,
	}
}

type Option func(*options)

// WithVisibilityTimeout sets the idle time after which a delivery is claimed again
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *options) {
		o.visibilityTimeout = d
	}
}

// WithDedupWindow sets the expiry of the dedup keys
func WithDedupWindow(d time.Duration) Option {
	return func(o *options) {
		o.dedupWindow = d
	}
}

// WithConsumerName sets the consumer name, which defaults to the host name with a random suffix
func WithConsumerName(name string) Option {
	return func(o *options) {
		o.consumer = name
	}
}
