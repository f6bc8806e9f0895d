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
Package inmem is an in memory task queue. It is meant for local development, the standalone mode and testing, the
tasks do not survive a restart. The locking implementation is coarse.
*/

package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/numaproj/numapool/pkg/taskqueue"
)

type state int

const (
	pending state = iota
	inFlight
)

// entry is a task stored in the queue
type entry struct {
	body       string
	enqueuedAt time.Time
	state      state
	// deadline is the time an in-flight entry becomes visible again
	deadline   time.Time
	receipt    string
	deliveries int
}

// Queue implements taskqueue.TaskQueue in memory.
type Queue struct {
	name    string
	opts    *options
	lock    sync.Mutex
	entries []*entry
	// dedup maps a dedup key to its expiry
	dedup map[string]time.Time
	// notify is closed and replaced on every enqueue to wake up waiting receivers
	notify chan struct{}
}

var _ taskqueue.TaskQueue = (*Queue)(nil)

// NewQueue returns a new in memory queue.
func NewQueue(name string, opts ...Option) *Queue {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Queue{
		name:   name,
		opts:   o,
		dedup:  make(map[string]time.Time),
		notify: make(chan struct{}),
	}
}

func (q *Queue) GetName() string {
	return q.name
}

func (q *Queue) String() string {
	d, _ := q.Depth(context.Background())
	return fmt.Sprintf("(%s) visible:%d inFlight:%d", q.name, d.Visible, d.InFlight)
}

func (q *Queue) Enqueue(_ context.Context, body string, dedupKey string) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	now := q.opts.clock.Now()
	for k, expiry := range q.dedup {
		if !now.Before(expiry) {
			delete(q.dedup, k)
		}
	}
	if dedupKey != "" {
		if _, ok := q.dedup[dedupKey]; ok {
			return nil
		}
		if q.opts.dedupWindow > 0 {
			q.dedup[dedupKey] = now.Add(q.opts.dedupWindow)
		}
	}
	q.entries = append(q.entries, &entry{body: body, enqueuedAt: now, state: pending})
	close(q.notify)
	q.notify = make(chan struct{})
	return nil
}

// Receive returns the oldest visible task. Expired in-flight tasks are made visible first.
func (q *Queue) Receive(ctx context.Context, wait time.Duration) (*taskqueue.Message, error) {
	var timeout <-chan time.Time
	if wait > 0 {
		timer := q.opts.clock.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C()
	}
	for {
		msg, notify := q.tryReceive()
		if msg != nil {
			return msg, nil
		}
		if timeout == nil {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, nil
		case <-notify:
		case <-q.opts.clock.After(q.opts.recheckInterval):
		}
	}
}

func (q *Queue) tryReceive() (*taskqueue.Message, <-chan struct{}) {
	q.lock.Lock()
	defer q.lock.Unlock()
	now := q.opts.clock.Now()
	q.reclaim(now)
	for _, e := range q.entries {
		if e.state != pending {
			continue
		}
		e.state = inFlight
		e.deadline = now.Add(q.opts.visibilityTimeout)
		e.receipt = uuid.NewString()
		e.deliveries++
		return &taskqueue.Message{
			Body:       e.body,
			AckToken:   e.receipt,
			EnqueuedAt: e.enqueuedAt,
			Deliveries: e.deliveries,
		}, nil
	}
	return nil, q.notify
}

// reclaim makes the expired in-flight entries visible again, it must be called with the lock held.
func (q *Queue) reclaim(now time.Time) {
	for _, e := range q.entries {
		if e.state == inFlight && !now.Before(e.deadline) {
			e.state = pending
			e.receipt = ""
		}
	}
}

func (q *Queue) Ack(_ context.Context, token string) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	for i, e := range q.entries {
		if e.state == inFlight && e.receipt == token {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("failed to ack %q on queue %s, %w", token, q.name, taskqueue.ErrReceiptNotFound)
}

func (q *Queue) Depth(_ context.Context) (taskqueue.Depth, error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.reclaim(q.opts.clock.Now())
	var d taskqueue.Depth
	for _, e := range q.entries {
		if e.state == inFlight {
			d.InFlight++
		} else {
			d.Visible++
		}
	}
	return d, nil
}

func (q *Queue) Purge(_ context.Context) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.entries = nil
	q.dedup = make(map[string]time.Time)
	return nil
}

// Ensure does nothing, the queue exists once created.
func (q *Queue) Ensure(_ context.Context) error {
	return nil
}

// Validate does nothing.
func (q *Queue) Validate(_ context.Context) error {
	return nil
}

// Close does nothing.
func (q *Queue) Close() error {
	return nil
}
