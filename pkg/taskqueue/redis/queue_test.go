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

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/numaproj/numapool/pkg/shared/clients/redis"
	"github.com/numaproj/numapool/pkg/shared/util"
	"github.com/numaproj/numapool/pkg/taskqueue"
)

func newTestQueue(t *testing.T, opts ...Option) (*redisclient.RedisClient, taskqueue.TaskQueue) {
	t.Helper()
	addr := os.Getenv("NUMAPOOL_TEST_REDIS_ADDR")
	if addr == "" {
		t.SkipNow()
	}
	ctx := context.Background()
	client := redisclient.NewRedisClientFromOptions(redisclient.Options{Addrs: []string{addr}})
	name := "numapool-test-" + util.RandomLowerCaseString(6)
	q := NewRedisQueue(ctx, client, name, opts...)
	require.NoError(t, q.Ensure(ctx))
	t.Cleanup(func() {
		_ = client.DeleteKeys(ctx, name)
		_ = client.Close()
	})
	return client, q
}

func TestEntryTime(t *testing.T) {
	assert.Equal(t, time.UnixMilli(1700000000123), entryTime("1700000000123-0"))
	assert.True(t, entryTime("garbage").IsZero())
}

func TestRedisQueue_EnqueueReceiveAck(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQueue(t)
	assert.NoError(t, q.Validate(ctx))
	// ensure is idempotent
	assert.NoError(t, q.Ensure(ctx))

	require.NoError(t, q.Enqueue(ctx, "a/cat.jpg", "k1"))
	require.NoError(t, q.Enqueue(ctx, "a/cat.jpg", "k1"))
	require.NoError(t, q.Enqueue(ctx, "b/dog.jpg", "k2"))
	d, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.Depth{Visible: 2}, d)

	msg, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "a/cat.jpg", msg.Body)
	assert.Equal(t, 1, msg.Deliveries)
	assert.WithinDuration(t, time.Now(), msg.EnqueuedAt, time.Minute)
	d, _ = q.Depth(ctx)
	assert.Equal(t, taskqueue.Depth{Visible: 1, InFlight: 1}, d)

	require.NoError(t, q.Ack(ctx, msg.AckToken))
	assert.ErrorIs(t, q.Ack(ctx, msg.AckToken), taskqueue.ErrReceiptNotFound)
	d, _ = q.Depth(ctx)
	assert.Equal(t, taskqueue.Depth{Visible: 1}, d)

	require.NoError(t, q.Purge(ctx))
	d, _ = q.Depth(ctx)
	assert.Equal(t, int64(0), d.Total())
	msg, err = q.Receive(ctx, 0)
	assert.NoError(t, err)
	assert.Nil(t, msg)
}

func TestRedisQueue_Redelivery(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQueue(t, WithVisibilityTimeout(200*time.Millisecond))
	require.NoError(t, q.Enqueue(ctx, "a/cat.jpg", ""))
	first, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	none, err := q.Receive(ctx, 0)
	assert.NoError(t, err)
	assert.Nil(t, none)

	time.Sleep(300 * time.Millisecond)
	second, err := q.Receive(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, 2, second.Deliveries)
	assert.NoError(t, q.Ack(ctx, second.AckToken))
}

// failOnce fails the next command whose name is armed, and records the name of every command sent.
type failOnce struct {
	lock  sync.Mutex
	armed map[string]bool
	sent  []string
}

func (f *failOnce) arm(names ...string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for _, n := range names {
		f.armed[n] = true
	}
}

func (f *failOnce) disarm() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.armed = map[string]bool{}
}

func (f *failOnce) commands() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *failOnce) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (f *failOnce) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		name := strings.ToLower(cmd.Name())
		f.lock.Lock()
		f.sent = append(f.sent, name)
		fail := f.armed[name]
		if fail {
			f.armed = map[string]bool{}
		}
		f.lock.Unlock()
		if fail {
			err := errors.New("i/o timeout")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (f *failOnce) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func newMiniredisQueue(t *testing.T, opts ...Option) (*failOnce, *redisclient.RedisClient, taskqueue.TaskQueue) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redisclient.NewRedisClientFromOptions(redisclient.Options{Addrs: []string{m.Addr()}})
	t.Cleanup(func() { _ = client.Close() })
	hook := &failOnce{armed: map[string]bool{}}
	client.Client.AddHook(hook)
	ctx := context.Background()
	q := NewRedisQueue(ctx, client, "requests", append([]Option{WithConsumerName("worker-0")}, opts...)...)
	require.NoError(t, q.Ensure(ctx))
	return hook, client, q
}

func TestRedisQueue_FailedEnqueueKeepsDedupKeyFree(t *testing.T) {
	ctx := context.Background()
	hook, _, q := newMiniredisQueue(t)

	hook.arm("evalsha", "eval")
	assert.Error(t, q.Enqueue(ctx, "a/cat.jpg", "k1"))
	d, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.Total())

	// a retry with the same dedup key must enqueue
	require.NoError(t, q.Enqueue(ctx, "a/cat.jpg", "k1"))
	d, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.Depth{Visible: 1}, d)

	// and a later duplicate is dropped
	require.NoError(t, q.Enqueue(ctx, "a/cat.jpg", "k1"))
	d, _ = q.Depth(ctx)
	assert.Equal(t, taskqueue.Depth{Visible: 1}, d)

	for _, c := range hook.commands() {
		assert.NotContains(t, []string{"set", "setnx", "xadd"}, c)
	}
}

func TestRedisQueue_FailedAckLeavesTaskInFlight(t *testing.T) {
	ctx := context.Background()
	hook, _, q := newMiniredisQueue(t)
	require.NoError(t, q.Enqueue(ctx, "a/cat.jpg", ""))
	msg, err := q.Receive(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, msg)

	hook.arm("evalsha", "eval")
	assert.Error(t, q.Ack(ctx, msg.AckToken))
	d, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.Depth{InFlight: 1}, d)

	hook.disarm()
	require.NoError(t, q.Ack(ctx, msg.AckToken))
	d, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.Depth{}, d)
	assert.ErrorIs(t, q.Ack(ctx, msg.AckToken), taskqueue.ErrReceiptNotFound)

	for _, c := range hook.commands() {
		assert.NotContains(t, []string{"xack", "xdel"}, c)
	}
}

func TestRedisQueue_StaleAckRemovesRedeliveredTask(t *testing.T) {
	ctx := context.Background()
	_, client, first := newMiniredisQueue(t)
	// a zero visibility timeout lets the second consumer claim the delivery right away
	second := NewRedisQueue(ctx, client, "requests", WithConsumerName("worker-1"), WithVisibilityTimeout(0))
	require.NoError(t, first.Enqueue(ctx, "a/cat.jpg", ""))

	stale, err := first.Receive(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, stale)
	live, err := second.Receive(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, stale.Body, live.Body)

	// the token is the entry ID, so the expired delivery still acknowledges the task
	require.NoError(t, first.Ack(ctx, stale.AckToken))
	d, err := first.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.Depth{}, d)
	assert.ErrorIs(t, second.Ack(ctx, live.AckToken), taskqueue.ErrReceiptNotFound)
}
