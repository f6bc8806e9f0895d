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

package gateway

import "time"

type options struct {
	// Maximum time a submission waits for its result.
	webTimeout time.Duration
	// Interval between two lookups of the result.
	pollInterval time.Duration
	// Prefix of the uploaded payload keys.
	inputPrefix string
	// Prefix of the result keys.
	outputPrefix string
	// Size of the result cache.
	resultCacheSize int
}

type Option func(*options)

func defaultOptions() *options {
	return &options{
		webTimeout:      60 * time.Second,
		pollInterval:    time.Second,
		inputPrefix:     "input/",
		outputPrefix:    "output/",
		resultCacheSize: 1024,
	}
}

// WithWebTimeout sets the maximum time a submission waits for its result.
func WithWebTimeout(d time.Duration) Option {
	return func(o *options) {
		o.webTimeout = d
	}
}

// WithPollInterval sets the interval between two lookups of the result.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

// WithPrefixes sets the input and output key prefixes.
func WithPrefixes(input, output string) Option {
	return func(o *options) {
		o.inputPrefix = input
		o.outputPrefix = output
	}
}

// WithResultCacheSize sets the number of results kept in memory.
func WithResultCacheSize(n int) Option {
	return func(o *options) {
		o.resultCacheSize = n
	}
}
