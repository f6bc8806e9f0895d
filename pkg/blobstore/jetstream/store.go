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

// Package jetstream stores the blobs in a JetStream object store bucket.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/numaproj/numapool/pkg/blobstore"
	natsclient "github.com/numaproj/numapool/pkg/shared/clients/nats"
	"github.com/numaproj/numapool/pkg/shared/logging"
)

type jetStreamStore struct {
	bucket   string
	client   *natsclient.Client
	replicas int
	log      *zap.SugaredLogger

	lock sync.Mutex
	obs  nats.ObjectStore
}

var _ blobstore.BlobStore = (*jetStreamStore)(nil)

// NewJetStreamStore returns a blob store for the bucket.
func NewJetStreamStore(ctx context.Context, client *natsclient.Client, bucket string, replicas int) blobstore.BlobStore {
	if replicas < 1 {
		replicas = 1
	}
	return &jetStreamStore{
		bucket:   BucketName(bucket),
		client:   client,
		replicas: replicas,
		log:      logging.FromContext(ctx).With("bucket", bucket),
	}
}

// BucketName maps a bucket name to a valid object store name.
func BucketName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}

func (s *jetStreamStore) GetName() string {
	return s.bucket
}

// store binds to the object store bucket once.
func (s *jetStreamStore) store() (nats.ObjectStore, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.obs != nil {
		return s.obs, nil
	}
	obs, err := s.client.ObjectStore(s.bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to bind object store %s, %w", s.bucket, err)
	}
	s.obs = obs
	return obs, nil
}

func (s *jetStreamStore) Put(ctx context.Context, key string, data []byte) error {
	obs, err := s.store()
	if err != nil {
		return err
	}
	if _, err := obs.PutBytes(key, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to put %q to object store %s, %w", key, s.bucket, err)
	}
	return nil
}

func (s *jetStreamStore) Get(ctx context.Context, key string) ([]byte, error) {
	obs, err := s.store()
	if err != nil {
		return nil, err
	}
	data, err := obs.GetBytes(key, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, fmt.Errorf("failed to get %q from object store %s, %w", key, s.bucket, blobstore.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get %q from object store %s, %w", key, s.bucket, err)
	}
	return data, nil
}

func (s *jetStreamStore) Exists(ctx context.Context, key string) (bool, error) {
	obs, err := s.store()
	if err != nil {
		return false, err
	}
	info, err := obs.GetInfo(key, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get info of %q from object store %s, %w", key, s.bucket, err)
	}
	return !info.Deleted, nil
}

func (s *jetStreamStore) List(ctx context.Context, prefix string) ([]string, error) {
	obs, err := s.store()
	if err != nil {
		return nil, err
	}
	infos, err := obs.List(nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrNoObjectsFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list object store %s, %w", s.bucket, err)
	}
	var keys []string
	for _, info := range infos {
		if !info.Deleted && strings.HasPrefix(info.Name, prefix) {
			keys = append(keys, info.Name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *jetStreamStore) DeleteAll(ctx context.Context, prefix string) (int, error) {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	obs, err := s.store()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, k := range keys {
		if err := obs.Delete(k); err != nil {
			if errors.Is(err, nats.ErrObjectNotFound) {
				continue
			}
			return deleted, fmt.Errorf("failed to delete %q from object store %s, %w", k, s.bucket, err)
		}
		deleted++
	}
	s.log.Infow("Deleted blobs", zap.String("prefix", prefix), zap.Int("count", deleted))
	return deleted, nil
}

// Ensure creates the object store bucket if it does not exist.
func (s *jetStreamStore) Ensure(_ context.Context) error {
	if _, err := s.store(); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) && !errors.Is(err, nats.ErrBucketNotFound) {
		return err
	}
	js, err := s.client.JetStreamContext()
	if err != nil {
		return err
	}
	if _, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:   s.bucket,
		Storage:  nats.FileStorage,
		Replicas: s.replicas,
	}); err != nil {
		return fmt.Errorf("failed to create object store %s, %w", s.bucket, err)
	}
	s.log.Info("Created object store")
	return nil
}

func (s *jetStreamStore) Validate(_ context.Context) error {
	obs, err := s.store()
	if err != nil {
		return err
	}
	if _, err := obs.Status(); err != nil {
		return fmt.Errorf("failed to get status of object store %s, %w", s.bucket, err)
	}
	return nil
}

// Close does nothing, the client is shared.
func (s *jetStreamStore) Close() error {
	return nil
}
