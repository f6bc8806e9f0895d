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

// Package worker pulls tasks from the request queue, classifies their payload and writes the results.
//
// A task is acknowledged only after its result is stored, so a worker dying in
// the middle of a task leaves it to be redelivered once its visibility timeout expires.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/numaproj/numapool/pkg/blobstore"
	"github.com/numaproj/numapool/pkg/classifier"
	"github.com/numaproj/numapool/pkg/metrics"
	"github.com/numaproj/numapool/pkg/shared/logging"
	"github.com/numaproj/numapool/pkg/task"
	"github.com/numaproj/numapool/pkg/taskqueue"
)

const (
	reasonReceive  = "receive"
	reasonDownload = "download"
	reasonClassify = "classify"
	reasonUpload   = "upload"
	reasonAck      = "ack"
	reasonPanic    = "panic"
)

// stepError tags an error with the step that failed.
type stepError struct {
	reason string
	err    error
}

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func failed(reason string, err error) error {
	return &stepError{reason: reason, err: err}
}

type Worker struct {
	id         string
	queue      taskqueue.TaskQueue
	blobs      blobstore.BlobStore
	classifier classifier.Classifier
	opts       *options
}

// NewWorker returns a worker identified by id, typically the pod name.
func NewWorker(id string, queue taskqueue.TaskQueue, blobs blobstore.BlobStore, c classifier.Classifier, opts ...Option) *Worker {
	w := &Worker{
		id:         id,
		queue:      queue,
		blobs:      blobs,
		classifier: c,
		opts:       defaultOptions(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w.opts)
		}
	}
	return w
}

// Start processes tasks until the context is cancelled. Failed iterations are retried forever.
func (w *Worker) Start(ctx context.Context) error {
	log := logging.FromContext(ctx).With("worker", w.id)
	ctx = logging.WithLogger(ctx, log)
	log.Infow("Starting worker", zap.String("queue", w.queue.GetName()), zap.String("bucket", w.blobs.GetName()))
	for {
		select {
		case <-ctx.Done():
			log.Info("Shutting down worker")
			return nil
		default:
		}
		processed, err := w.ProcessOne(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			reason := reasonReceive
			var se *stepError
			if errors.As(err, &se) {
				reason = se.reason
			}
			metrics.TasksFailed.WithLabelValues(w.id, reason).Inc()
			log.Errorw("Failed to process task", zap.String("reason", reason), zap.Error(err))
			sleep(ctx, w.opts.errorBackoff)
		case !processed:
			sleep(ctx, w.opts.idleSleep)
		}
	}
}

// ProcessOne runs a single iteration: it receives at most one task, and returns whether a task was completed.
func (w *Worker) ProcessOne(ctx context.Context) (processed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx).Errorw("Recovered from panic", zap.Any("panic", r), zap.String("stack", string(debug.Stack())))
			processed, err = false, failed(reasonPanic, fmt.Errorf("panic while processing task: %v", r))
		}
	}()
	msg, err := w.queue.Receive(ctx, w.opts.receiveWait)
	if err != nil {
		return false, failed(reasonReceive, fmt.Errorf("failed to receive from queue %q, %w", w.queue.GetName(), err))
	}
	if msg == nil {
		return false, nil
	}
	if err := w.process(ctx, msg); err != nil {
		return false, err
	}
	metrics.TasksProcessed.WithLabelValues(w.id).Inc()
	return true, nil
}

func (w *Worker) process(ctx context.Context, msg *taskqueue.Message) error {
	log := logging.FromContext(ctx).With("taskId", msg.Body)
	ref := msg.Body
	name := task.Name(ref)
	data, err := w.blobs.Get(ctx, task.InputKey(w.opts.inputPrefix, ref))
	if err != nil {
		return failed(reasonDownload, fmt.Errorf("failed to get the payload of task %q, %w", ref, err))
	}
	start := time.Now()
	label, err := w.classifier.Classify(ctx, name, data)
	metrics.ClassifyDuration.WithLabelValues(w.id).Observe(time.Since(start).Seconds())
	if err != nil {
		return failed(reasonClassify, fmt.Errorf("failed to classify task %q, %w", ref, err))
	}
	resultKey := task.ResultKey(w.opts.outputPrefix, ref)
	if err := w.blobs.Put(ctx, resultKey, []byte(task.ResultContent(name, label))); err != nil {
		return failed(reasonUpload, fmt.Errorf("failed to put the result of task %q, %w", ref, err))
	}
	if err := w.queue.Ack(ctx, msg.AckToken); err != nil {
		return failed(reasonAck, fmt.Errorf("failed to ack task %q, %w", ref, err))
	}
	log.Infow("Processed task", zap.String("label", label), zap.String("resultKey", resultKey), zap.Int("deliveries", msg.Deliveries))
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
