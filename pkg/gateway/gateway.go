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

// Package gateway turns a synchronous submission into a task: it uploads the payload,
// enqueues a reference to it and polls the blob store until a worker writes the result.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/numaproj/numapool/pkg/blobstore"
	"github.com/numaproj/numapool/pkg/shared/logging"
	"github.com/numaproj/numapool/pkg/task"
	"github.com/numaproj/numapool/pkg/taskqueue"
)

var (
	// ErrTimeout is matched by the error returned when no result shows up in time. The task stays queued.
	ErrTimeout = errors.New("timed out waiting for result")
	// ErrMalformedSubmission is returned for a submission without a name or a payload.
	ErrMalformedSubmission = errors.New("malformed submission")
)

// TimeoutError carries the reference of the task that timed out. It matches ErrTimeout.
type TimeoutError struct {
	TaskID string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: task %q after %s", ErrTimeout, e.TaskID, e.Waited)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Result is a classification result.
type Result struct {
	TaskID string
	Key    string
	// Content is "<name>,<label>".
	Content string
}

type Gateway struct {
	queue taskqueue.TaskQueue
	blobs blobstore.BlobStore
	opts  *options
	// results are immutable once written, so they are cached by task ID
	results *lru.Cache[string, Result]
}

// NewGateway returns a gateway submitting to queue and blobs.
func NewGateway(queue taskqueue.TaskQueue, blobs blobstore.BlobStore, opts ...Option) (*Gateway, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	results, err := lru.New[string, Result](o.resultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create the result cache, %w", err)
	}
	return &Gateway{queue: queue, blobs: blobs, opts: o, results: results}, nil
}

// Submit uploads the payload, enqueues the task and waits for its result.
// The wait is bounded by the web timeout, a timeout returns a *TimeoutError.
func (g *Gateway) Submit(ctx context.Context, name string, payload []byte) (*Result, error) {
	if len(payload) == 0 || task.BaseName(name) == "" {
		return nil, ErrMalformedSubmission
	}
	ref, err := task.NewRef(name)
	if err != nil {
		return nil, fmt.Errorf("%w, %s", ErrMalformedSubmission, err)
	}
	log := logging.FromContext(ctx).With("taskId", ref)
	if err := g.blobs.Put(ctx, task.InputKey(g.opts.inputPrefix, ref), payload); err != nil {
		return nil, fmt.Errorf("failed to upload the payload of task %q, %w", ref, err)
	}
	if err := g.queue.Enqueue(ctx, ref, task.NewDedupKey()); err != nil {
		return nil, fmt.Errorf("failed to enqueue task %q, %w", ref, err)
	}
	log.Infow("Task submitted", zap.String("name", name), zap.Int("size", len(payload)))

	start := time.Now()
	var result *Result
	err = wait.PollUntilContextTimeout(ctx, g.opts.pollInterval, g.opts.webTimeout, false, func(ctx context.Context) (bool, error) {
		r, err := g.fetch(ctx, ref)
		switch {
		case err == nil:
			result = r
			return true, nil
		case errors.Is(err, blobstore.ErrNotFound):
			return false, nil
		default:
			if ctx.Err() == nil {
				log.Warnw("Failed to look up the result, retrying", zap.Error(err))
			}
			return false, nil
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("stopped waiting for task %q, %w", ref, ctx.Err())
		}
		if wait.Interrupted(err) {
			return nil, &TimeoutError{TaskID: ref, Waited: time.Since(start)}
		}
		return nil, fmt.Errorf("failed waiting for task %q, %w", ref, err)
	}
	log.Infow("Task completed", zap.String("result", result.Content), zap.Duration("waited", time.Since(start)))
	return result, nil
}

// Lookup returns the result of an earlier submission without waiting, or an error matching blobstore.ErrNotFound.
func (g *Gateway) Lookup(ctx context.Context, taskID string) (*Result, error) {
	if task.BaseName(task.Name(taskID)) == "" {
		return nil, ErrMalformedSubmission
	}
	return g.fetch(ctx, taskID)
}

func (g *Gateway) fetch(ctx context.Context, ref string) (*Result, error) {
	if r, ok := g.results.Get(ref); ok {
		return &r, nil
	}
	key := task.ResultKey(g.opts.outputPrefix, ref)
	data, err := g.blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	r := Result{TaskID: ref, Key: key, Content: string(data)}
	g.results.Add(ref, r)
	return &r, nil
}

// Validate checks the backends are reachable.
func (g *Gateway) Validate(ctx context.Context) error {
	if err := g.queue.Validate(ctx); err != nil {
		return fmt.Errorf("queue %q is not ready, %w", g.queue.GetName(), err)
	}
	if err := g.blobs.Validate(ctx); err != nil {
		return fmt.Errorf("bucket %q is not ready, %w", g.blobs.GetName(), err)
	}
	return nil
}
