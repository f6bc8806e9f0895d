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

package worker

import "time"

type options struct {
	// Maximum time a receive waits for a task.
	receiveWait time.Duration
	// Sleep after a receive returning no task.
	idleSleep time.Duration
	// Sleep after a failed iteration.
	errorBackoff time.Duration
	// Prefix of the uploaded payload keys.
	inputPrefix string
	// Prefix of the result keys.
	outputPrefix string
}

type Option func(*options)

func defaultOptions() *options {
	return &options{
		receiveWait:  10 * time.Second,
		idleSleep:    2 * time.Second,
		errorBackoff: 3 * time.Second,
		inputPrefix:  "input/",
		outputPrefix: "output/",
	}
}

// WithReceiveWait sets the maximum time a receive waits for a task.
func WithReceiveWait(d time.Duration) Option {
	return func(o *options) {
		o.receiveWait = d
	}
}

// WithIdleSleep sets the sleep after an empty receive.
func WithIdleSleep(d time.Duration) Option {
	return func(o *options) {
		o.idleSleep = d
	}
}

// WithErrorBackoff sets the sleep after a failed iteration.
func WithErrorBackoff(d time.Duration) Option {
	return func(o *options) {
		o.errorBackoff = d
	}
}

// WithPrefixes sets the input and output key prefixes.
func WithPrefixes(input, output string) Option {
	return func(o *options) {
		o.inputPrefix = input
		o.outputPrefix = output
	}
}
