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
Package jetstream implements the task queue with a work queue stream and a durable pull consumer. The consumer ack
wait is the visibility timeout, the stream duplicate window is the dedup window. The ack token of a message is its
reply subject.
*/

package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	natsclient "github.com/numaproj/numapool/pkg/shared/clients/nats"
	"github.com/numaproj/numapool/pkg/shared/logging"
	"github.com/numaproj/numapool/pkg/taskqueue"
)

const (
	// ConsumerName is the durable consumer shared by all the workers
	ConsumerName = "workers"
	// minFetchWait bounds a non-blocking receive, Fetch needs a positive wait
	minFetchWait = 100 * time.Millisecond
)

type jetStreamQueue struct {
	name    string
	stream  string
	subject string
	client  *natsclient.Client
	opts    *options
	log     *zap.SugaredLogger

	subLock sync.Mutex
	sub     *nats.Subscription
}

var _ taskqueue.TaskQueue = (*jetStreamQueue)(nil)

// NewJetStreamQueue returns a queue backed by the stream named after the queue.
func NewJetStreamQueue(ctx context.Context, client *natsclient.Client, name string, opts ...Option) taskqueue.TaskQueue {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	stream := StreamName(name)
	return &jetStreamQueue{
		name:    name,
		stream:  stream,
		subject: "numapool.tasks." + stream,
		client:  client,
		opts:    o,
		log:     logging.FromContext(ctx).With("queue", name).With("stream", stream),
	}
}

// StreamName maps a queue name to a valid stream name.
func StreamName(name string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "/", "_").Replace(name)
}

func (q *jetStreamQueue) GetName() string {
	return q.name
}

func (q *jetStreamQueue) Enqueue(ctx context.Context, body string, dedupKey string) error {
	js, err := q.client.JetStreamContext()
	if err != nil {
		return err
	}
	pubOpts := []nats.PubOpt{nats.Context(ctx)}
	if dedupKey != "" {
		pubOpts = append(pubOpts, nats.MsgId(dedupKey))
	}
	ack, err := js.Publish(q.subject, []byte(body), pubOpts...)
	if err != nil {
		return fmt.Errorf("failed to publish task to stream %s, %w", q.stream, err)
	}
	if ack.Duplicate {
		q.log.Debugw("Dropping duplicate task", zap.String("dedupKey", dedupKey))
	}
	return nil
}

func (q *jetStreamQueue) subscription() (*nats.Subscription, error) {
	q.subLock.Lock()
	defer q.subLock.Unlock()
	if q.sub != nil {
		return q.sub, nil
	}
	sub, err := q.client.Subscribe(q.subject, ConsumerName, nats.Bind(q.stream, ConsumerName))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to stream %s, %w", q.stream, err)
	}
	q.sub = sub
	return sub, nil
}

func (q *jetStreamQueue) Receive(ctx context.Context, wait time.Duration) (*taskqueue.Message, error) {
	sub, err := q.subscription()
	if err != nil {
		return nil, err
	}
	if wait < minFetchWait {
		wait = minFetchWait
	}
	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	msgs, err := sub.Fetch(1, nats.Context(fetchCtx))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to fetch from stream %s, %w", q.stream, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	m := msgs[0]
	msg := &taskqueue.Message{
		Body:       string(m.Data),
		AckToken:   m.Reply,
		Deliveries: 1,
	}
	if meta, err := m.Metadata(); err == nil {
		msg.Deliveries = int(meta.NumDelivered)
		msg.EnqueuedAt = meta.Timestamp
	}
	return msg, nil
}

func (q *jetStreamQueue) Ack(ctx context.Context, token string) error {
	if !strings.HasPrefix(token, "$JS.ACK.") {
		return fmt.Errorf("failed to ack %q on stream %s, %w", token, q.stream, taskqueue.ErrReceiptNotFound)
	}
	if err := q.client.Ack(ctx, token); err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("failed to ack %q on stream %s, %w", token, q.stream, taskqueue.ErrReceiptNotFound)
		}
		return fmt.Errorf("failed to ack %q on stream %s, %w", token, q.stream, err)
	}
	return nil
}

func (q *jetStreamQueue) Depth(_ context.Context) (taskqueue.Depth, error) {
	visible, inFlight, err := q.client.ConsumerPending(ConsumerName, q.stream)
	if err != nil {
		return taskqueue.Depth{}, err
	}
	return taskqueue.Depth{Visible: visible, InFlight: inFlight}, nil
}

func (q *jetStreamQueue) Purge(_ context.Context) error {
	js, err := q.client.JetStreamContext()
	if err != nil {
		return err
	}
	if err := js.PurgeStream(q.stream); err != nil {
		return fmt.Errorf("failed to purge stream %s, %w", q.stream, err)
	}
	return nil
}

// Ensure creates the stream and the consumer if they do not exist.
func (q *jetStreamQueue) Ensure(ctx context.Context) error {
	js, err := q.client.JetStreamContext(nats.Context(ctx))
	if err != nil {
		return err
	}
	if _, err := js.StreamInfo(q.stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to query information of stream %s, %w", q.stream, err)
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:       q.stream,
			Subjects:   []string{q.subject},
			Retention:  nats.WorkQueuePolicy,
			Storage:    nats.FileStorage,
			Duplicates: q.opts.dedupWindow,
			Replicas:   q.opts.replicas,
		}); err != nil {
			return fmt.Errorf("failed to create stream %s, %w", q.stream, err)
		}
		q.log.Infow("Created stream", zap.String("subject", q.subject))
	}
	if _, err := js.ConsumerInfo(q.stream, ConsumerName); err != nil {
		if !errors.Is(err, nats.ErrConsumerNotFound) {
			return fmt.Errorf("failed to query information of consumer %s, %w", ConsumerName, err)
		}
		if _, err := js.AddConsumer(q.stream, &nats.ConsumerConfig{
			Durable:       ConsumerName,
			DeliverPolicy: nats.DeliverAllPolicy,
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       q.opts.visibilityTimeout,
			FilterSubject: q.subject,
			MaxAckPending: -1,
		}); err != nil {
			return fmt.Errorf("failed to create consumer %s of stream %s, %w", ConsumerName, q.stream, err)
		}
		q.log.Infow("Created consumer", zap.String("consumer", ConsumerName))
	}
	return nil
}

func (q *jetStreamQueue) Validate(ctx context.Context) error {
	js, err := q.client.JetStreamContext(nats.Context(ctx))
	if err != nil {
		return err
	}
	if _, err := js.StreamInfo(q.stream); err != nil {
		return fmt.Errorf("failed to query information of stream %s, %w", q.stream, err)
	}
	if _, err := js.ConsumerInfo(q.stream, ConsumerName); err != nil {
		return fmt.Errorf("failed to query information of consumer %s, %w", ConsumerName, err)
	}
	return nil
}

// Close unsubscribes, the client is shared and stays open.
func (q *jetStreamQueue) Close() error {
	q.subLock.Lock()
	defer q.subLock.Unlock()
	if q.sub == nil {
		return nil
	}
	err := q.sub.Unsubscribe()
	q.sub = nil
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	return nil
}
