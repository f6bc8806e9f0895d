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

/*
Package taskqueue defines the task queue shared by the gateway, the workers and the autoscaler. A task is an opaque
reference to an uploaded payload. Delivery is at-least-once: a received task stays invisible to other receivers until
its visibility timeout expires, after which it is redelivered unless it has been acknowledged.
*/

package taskqueue

import (
	"context"
	"errors"
	"time"
)

// ErrReceiptNotFound is returned when acknowledging with a token that no longer refers to an in-flight delivery.
var ErrReceiptNotFound = errors.New("receipt not found")

// Message is a delivered task.
type Message struct {
	// Body is the task reference.
	Body string
	// AckToken identifies this delivery, it is passed to Ack.
	AckToken string
	// EnqueuedAt is the time the task was enqueued.
	EnqueuedAt time.Time
	// Deliveries is the number of times the task has been delivered, including this one.
	Deliveries int
}

// Depth is the number of tasks not yet acknowledged.
type Depth struct {
	// Visible tasks are ready to be received.
	Visible int64
	// InFlight tasks are received but neither acknowledged nor expired.
	InFlight int64
}

// Total returns the backlog the autoscaler reacts to.
func (d Depth) Total() int64 {
	return d.Visible + d.InFlight
}

// TaskQueue is a named queue with visibility timeout semantics.
type TaskQueue interface {
	// GetName returns the queue name.
	GetName() string
	// Enqueue adds a task. Enqueues with the same non-empty dedupKey within the dedup window are dropped.
	Enqueue(ctx context.Context, body string, dedupKey string) error
	// Receive waits up to wait for a task and returns nil, nil if there is none.
	Receive(ctx context.Context, wait time.Duration) (*Message, error)
	// Ack removes the delivered task from the queue. It returns ErrReceiptNotFound when the task is already gone.
	// Whether the token of an expired delivery still acknowledges a redelivered task depends on the backend:
	// inmem issues a token per delivery and rejects it, redis and jetstream identify the task itself and accept it.
	// Workers write the result before acking, so an early ack never loses a result.
	Ack(ctx context.Context, token string) error
	// Depth returns the visible and in-flight counts.
	Depth(ctx context.Context) (Depth, error)
	// Purge drops all the tasks.
	Purge(ctx context.Context) error
	// Ensure creates the queue if it does not exist.
	Ensure(ctx context.Context) error
	// Validate checks the queue exists and is reachable.
	Validate(ctx context.Context) error
	// Close releases the resources held by the queue, but not the shared client.
	Close() error
}
