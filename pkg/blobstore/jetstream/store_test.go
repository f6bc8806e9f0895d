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

package jetstream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numaproj/numapool/pkg/blobstore"
	natsclient "github.com/numaproj/numapool/pkg/shared/clients/nats"
	natstest "github.com/numaproj/numapool/pkg/shared/clients/nats/test"
)

func TestBucketName(t *testing.T) {
	assert.Equal(t, "numapool", BucketName("numapool"))
	assert.Equal(t, "my_bucket_v1", BucketName("my.bucket/v1"))
}

func TestJetStreamStore(t *testing.T) {
	s := natstest.RunJetStreamServer(t)
	defer natstest.ShutdownJetStreamServer(t, s)
	client := natsclient.NewTestClient(t, s.ClientURL())
	defer client.Close()

	ctx := context.Background()
	store := NewJetStreamStore(ctx, client, "numapool", 1)
	assert.Equal(t, "numapool", store.GetName())
	assert.Error(t, store.Validate(ctx))
	require.NoError(t, store.Ensure(ctx))
	require.NoError(t, store.Ensure(ctx))
	require.NoError(t, store.Validate(ctx))

	keys, err := store.List(ctx, "input/")
	assert.NoError(t, err)
	assert.Empty(t, keys)

	_, err = store.Get(ctx, "output/a/cat.txt")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
	ok, err := store.Exists(ctx, "output/a/cat.txt")
	assert.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "input/a/cat.jpg", []byte("jpeg")))
	require.NoError(t, store.Put(ctx, "input/b/dog.jpg", []byte("jpeg")))
	require.NoError(t, store.Put(ctx, "output/a/cat.txt", []byte("cat.jpg,cat")))
	// overwriting keeps a single object
	require.NoError(t, store.Put(ctx, "output/a/cat.txt", []byte("cat.jpg,cat")))

	got, err := store.Get(ctx, "output/a/cat.txt")
	require.NoError(t, err)
	assert.Equal(t, "cat.jpg,cat", string(got))
	ok, err = store.Exists(ctx, "output/a/cat.txt")
	assert.NoError(t, err)
	assert.True(t, ok)

	keys, err = store.List(ctx, "input/")
	assert.NoError(t, err)
	assert.Equal(t, []string{"input/a/cat.jpg", "input/b/dog.jpg"}, keys)

	n, err := store.DeleteAll(ctx, "input/")
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
	keys, err = store.List(ctx, "")
	assert.NoError(t, err)
	assert.Equal(t, []string{"output/a/cat.txt"}, keys)
	_, err = store.Get(ctx, "input/a/cat.jpg")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestJetStreamStore_CancelledPut(t *testing.T) {
	s := natstest.RunJetStreamServer(t)
	defer natstest.ShutdownJetStreamServer(t, s)
	client := natsclient.NewTestClient(t, s.ClientURL())
	defer client.Close()

	store := NewJetStreamStore(context.Background(), client, "numapool", 1)
	require.NoError(t, store.Ensure(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := store.Put(ctx, "input/a/cat.jpg", []byte("jpeg"))
	assert.ErrorIs(t, err, context.Canceled)
	ok, err := store.Exists(context.Background(), "input/a/cat.jpg")
	assert.NoError(t, err)
	assert.False(t, ok)
}
