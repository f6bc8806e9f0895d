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
Package redis implements the task queue with a redis stream and a consumer group. Received entries are pending in the
group until acknowledged, entries idle for longer than the visibility timeout are claimed again by the next receiver.
Acknowledged entries are deleted from the stream, so the stream length is the number of unacknowledged tasks.
*/

package redis

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	redisclient "github.com/numaproj/numapool/pkg/shared/clients/redis"
	"github.com/numaproj/numapool/pkg/shared/logging"
	"github.com/numaproj/numapool/pkg/shared/util"
	"github.com/numaproj/numapool/pkg/taskqueue"
)

const (
	// GroupName is the consumer group shared by all the workers
	GroupName = "workers"
	bodyField = "body"
)

//go:embed enqueue.lua
var enqueueLuaScript string

//go:embed ack.lua
var ackLuaScript string

var (
	enqueueScript = redis.NewScript(enqueueLuaScript)
	ackScript     = redis.NewScript(ackLuaScript)
)

type redisQueue struct {
	name     string
	client   *redisclient.RedisClient
	consumer string
	opts     *options
	log      *zap.SugaredLogger
}

var _ taskqueue.TaskQueue = (*redisQueue)(nil)

// NewRedisQueue returns a queue backed by the stream named after the queue.
func NewRedisQueue(ctx context.Context, client *redisclient.RedisClient, name string, opts ...Option) taskqueue.TaskQueue {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	consumer := o.consumer
	if consumer == "" {
		consumer = util.Hostname() + "-" + util.RandomLowerCaseString(5)
	}
	return &redisQueue{
		name:     name,
		client:   client,
		consumer: consumer,
		opts:     o,
		log:      logging.FromContext(ctx).With("queue", name).With("consumer", consumer),
	}
}

func (q *redisQueue) GetName() string {
	return q.name
}

// dedupKey shares the hash tag of the stream key, so both land in the same cluster slot.
func (q *redisQueue) dedupKey(key string) string {
	return "{" + q.name + "}:dedup:" + key
}

// Enqueue records the dedup key and adds the entry in a single script, a failed add leaves no dedup key behind.
func (q *redisQueue) Enqueue(ctx context.Context, body string, dedupKey string) error {
	window := int64(0)
	if dedupKey != "" {
		window = q.opts.dedupWindow.Milliseconds()
	}
	added, err := enqueueScript.Run(ctx, q.client.Client, []string{q.dedupKey(dedupKey), q.name}, window, bodyField, body).Int()
	if err != nil {
		return fmt.Errorf("failed to add task to queue %s, %w", q.name, err)
	}
	if added == 0 {
		q.log.Debugw("Dropping duplicate task", zap.String("dedupKey", dedupKey))
	}
	return nil
}

// Receive claims an expired delivery if there is one, otherwise it reads a new entry.
func (q *redisQueue) Receive(ctx context.Context, wait time.Duration) (*taskqueue.Message, error) {
	claimed, _, err := q.client.Client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.name,
		Group:    GroupName,
		MinIdle:  q.opts.visibilityTimeout,
		Start:    "0-0",
		Count:    1,
		Consumer: q.consumer,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim expired tasks of queue %s, %w", q.name, err)
	}
	for _, m := range claimed {
		// entries deleted by a late ack show up without values
		if _, ok := m.Values[bodyField]; !ok {
			continue
		}
		return q.toMessage(ctx, m)
	}

	block := wait
	if block <= 0 {
		block = -1
	}
	streams, err := q.client.Client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    GroupName,
		Consumer: q.consumer,
		Streams:  []string{q.name, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from queue %s, %w", q.name, err)
	}
	for _, s := range streams {
		for _, m := range s.Messages {
			return q.toMessage(ctx, m)
		}
	}
	return nil, nil
}

func (q *redisQueue) toMessage(ctx context.Context, m redis.XMessage) (*taskqueue.Message, error) {
	body, _ := m.Values[bodyField].(string)
	msg := &taskqueue.Message{
		Body:       body,
		AckToken:   m.ID,
		EnqueuedAt: entryTime(m.ID),
		Deliveries: 1,
	}
	pending, err := q.client.Client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.name,
		Group:  GroupName,
		Start:  m.ID,
		End:    m.ID,
		Count:  1,
	}).Result()
	if err != nil {
		q.log.Warnw("Failed to get the delivery count", zap.String("id", m.ID), zap.Error(err))
	} else if len(pending) == 1 {
		msg.Deliveries = int(pending[0].RetryCount)
	}
	return msg, nil
}

// entryTime extracts the millisecond timestamp of a stream entry ID.
func entryTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

// Ack acknowledges and deletes the entry in a single script.
func (q *redisQueue) Ack(ctx context.Context, token string) error {
	n, err := ackScript.Run(ctx, q.client.Client, []string{q.name}, GroupName, token).Int()
	if err != nil {
		return fmt.Errorf("failed to ack %q on queue %s, %w", token, q.name, err)
	}
	if n == 0 {
		return fmt.Errorf("failed to ack %q on queue %s, %w", token, q.name, taskqueue.ErrReceiptNotFound)
	}
	return nil
}

func (q *redisQueue) Depth(ctx context.Context) (taskqueue.Depth, error) {
	length, err := q.client.Client.XLen(ctx, q.name).Result()
	if err != nil {
		return taskqueue.Depth{}, fmt.Errorf("failed to get the length of queue %s, %w", q.name, err)
	}
	pending, err := q.client.PendingMsgCount(ctx, q.name, GroupName)
	if err != nil {
		return taskqueue.Depth{}, fmt.Errorf("failed to get the pending count of queue %s, %w", q.name, err)
	}
	visible := length - pending
	if visible < 0 {
		visible = 0
	}
	return taskqueue.Depth{Visible: visible, InFlight: pending}, nil
}

// Purge deletes the stream and recreates the consumer group.
func (q *redisQueue) Purge(ctx context.Context) error {
	if err := q.client.DeleteKeys(ctx, q.name); err != nil {
		return fmt.Errorf("failed to purge queue %s, %w", q.name, err)
	}
	return q.Ensure(ctx)
}

func (q *redisQueue) Ensure(ctx context.Context) error {
	created, err := q.client.EnsureStreamGroup(ctx, q.name, GroupName, redisclient.ReadFromEarliest)
	if err != nil {
		return fmt.Errorf("failed to create consumer group of queue %s, %w", q.name, err)
	}
	if created {
		q.log.Infow("Created queue", zap.String("group", GroupName))
	}
	return nil
}

func (q *redisQueue) Validate(ctx context.Context) error {
	exists, err := q.client.StreamGroupExists(ctx, q.name, GroupName)
	if err != nil {
		return fmt.Errorf("failed to inspect queue %s, %w", q.name, err)
	}
	if !exists {
		return fmt.Errorf("consumer group %s of queue %s not found", GroupName, q.name)
	}
	return nil
}

// Close does nothing, the client is shared.
func (q *redisQueue) Close() error {
	return nil
}
