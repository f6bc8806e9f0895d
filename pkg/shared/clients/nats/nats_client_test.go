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

package nats

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	natstest "github.com/numaproj/numapool/pkg/shared/clients/nats/test"
	"github.com/numaproj/numapool/pkg/shared/logging"
)

func TestNewNATSClient(t *testing.T) {
	s := natstest.RunJetStreamServer(t)
	defer natstest.ShutdownJetStreamServer(t, s)

	ctx := logging.WithLogger(context.Background(), zap.NewNop().Sugar())
	client, err := NewNATSClient(ctx, Options{URL: s.ClientURL()})
	require.NoError(t, err)
	assert.True(t, client.Connected())
	client.Close()
	assert.False(t, client.Connected())
}

func TestNewNATSClient_Failure(t *testing.T) {
	ctx := logging.WithLogger(context.Background(), zap.NewNop().Sugar())
	client, err := NewNATSClient(ctx, Options{})
	assert.Error(t, err)
	assert.Nil(t, client)
}

func TestSubscribe(t *testing.T) {
	s := natstest.RunJetStreamServer(t)
	defer natstest.ShutdownJetStreamServer(t, s)

	client := NewTestClient(t, s.ClientURL())
	defer client.Close()

	js, err := client.JetStreamContext()
	require.NoError(t, err)
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     "TEST_STREAM",
		Subjects: []string{"test.subject"},
	})
	require.NoError(t, err)

	sub, err := client.Subscribe("test.subject", "TEST_CONSUMER", nats.BindStream("TEST_STREAM"))
	assert.NoError(t, err)
	assert.NotNil(t, sub)

	_, err = client.Subscribe("balh", "TEST_CONSUMER", nats.BindStream("INVALID_STREAM"))
	assert.Error(t, err)
}

func TestObjectStore(t *testing.T) {
	s := natstest.RunJetStreamServer(t)
	defer natstest.ShutdownJetStreamServer(t, s)

	client := NewTestClient(t, s.ClientURL())
	defer client.Close()

	js, err := client.JetStreamContext()
	require.NoError(t, err)
	_, err = js.CreateObjectStore(&nats.ObjectStoreConfig{Bucket: "OBJ_TEST"})
	require.NoError(t, err)

	store, err := client.ObjectStore("OBJ_TEST")
	assert.NoError(t, err)
	assert.NotNil(t, store)

	_, err = client.ObjectStore("INVALID_OBJ")
	assert.Error(t, err)
}

func TestPendingAndAck(t *testing.T) {
	s := natstest.RunJetStreamServer(t)
	defer natstest.ShutdownJetStreamServer(t, s)

	client := NewTestClient(t, s.ClientURL())
	defer client.Close()

	js, err := client.JetStreamContext()
	require.NoError(t, err)
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     "TEST_STREAM",
		Subjects: []string{"test.subject"},
	})
	require.NoError(t, err)
	_, err = js.AddConsumer("TEST_STREAM", &nats.ConsumerConfig{
		Durable:   "TEST_CONSUMER",
		AckPolicy: nats.AckExplicitPolicy,
	})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = js.Publish("test.subject", []byte("message"))
		require.NoError(t, err)
	}

	visible, inFlight, err := client.ConsumerPending("TEST_CONSUMER", "TEST_STREAM")
	assert.NoError(t, err)
	assert.Equal(t, int64(5), visible)
	assert.Equal(t, int64(0), inFlight)

	sub, err := client.Subscribe("test.subject", "TEST_CONSUMER", nats.Bind("TEST_STREAM", "TEST_CONSUMER"))
	require.NoError(t, err)
	msgs, err := sub.Fetch(2, nats.MaxWait(time.Second))
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	visible, inFlight, err = client.ConsumerPending("TEST_CONSUMER", "TEST_STREAM")
	assert.NoError(t, err)
	assert.Equal(t, int64(3), visible)
	assert.Equal(t, int64(2), inFlight)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, client.Ack(ctx, msgs[0].Reply))
	visible, inFlight, err = client.ConsumerPending("TEST_CONSUMER", "TEST_STREAM")
	assert.NoError(t, err)
	assert.Equal(t, int64(4), visible+inFlight)

	_, _, err = client.ConsumerPending("INVALID_CONSUMER", "TEST_STREAM")
	assert.Error(t, err)
}
