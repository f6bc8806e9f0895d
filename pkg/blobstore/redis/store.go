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

// Package redis stores the blobs as redis strings, keyed "<bucket>:<key>".
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/numaproj/numapool/pkg/blobstore"
	redisclient "github.com/numaproj/numapool/pkg/shared/clients/redis"
	"github.com/numaproj/numapool/pkg/shared/logging"
)

type redisStore struct {
	bucket string
	client *redisclient.RedisClient
	log    *zap.SugaredLogger
}

var _ blobstore.BlobStore = (*redisStore)(nil)

// NewRedisStore returns a blob store for the bucket.
func NewRedisStore(ctx context.Context, client *redisclient.RedisClient, bucket string) blobstore.BlobStore {
	return &redisStore{
		bucket: bucket,
		client: client,
		log:    logging.FromContext(ctx).With("bucket", bucket),
	}
}

func (s *redisStore) GetName() string {
	return s.bucket
}

func (s *redisStore) key(k string) string {
	return s.bucket + ":" + k
}

func (s *redisStore) Put(ctx context.Context, key string, data []byte) error {
	if err := s.client.Client.Set(ctx, s.key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to put %q to bucket %s, %w", key, s.bucket, err)
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to get %q from bucket %s, %w", key, s.bucket, blobstore.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get %q from bucket %s, %w", key, s.bucket, err)
	}
	return data, nil
}

func (s *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check %q in bucket %s, %w", key, s.bucket, err)
	}
	return n > 0, nil
}

func (s *redisStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.client.ScanKeys(ctx, escapeGlob(s.key(prefix))+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to list bucket %s, %w", s.bucket, err)
	}
	result := make([]string, 0, len(keys))
	for _, k := range keys {
		result = append(result, strings.TrimPrefix(k, s.bucket+":"))
	}
	sort.Strings(result)
	return result, nil
}

func (s *redisStore) DeleteAll(ctx context.Context, prefix string) (int, error) {
	deleted, err := s.client.DeleteMatching(ctx, escapeGlob(s.key(prefix))+"*")
	if err != nil {
		return deleted, fmt.Errorf("failed to delete from bucket %s, %w", s.bucket, err)
	}
	s.log.Infow("Deleted blobs", zap.String("prefix", prefix), zap.Int("count", deleted))
	return deleted, nil
}

// Ensure checks the connectivity, a bucket is only a key prefix.
func (s *redisStore) Ensure(ctx context.Context) error {
	return s.Validate(ctx)
}

func (s *redisStore) Validate(ctx context.Context) error {
	if err := s.client.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach redis for bucket %s, %w", s.bucket, err)
	}
	return nil
}

// Close does nothing, the client is shared.
func (s *redisStore) Close() error {
	return nil
}

// escapeGlob escapes the characters having a meaning in a SCAN MATCH pattern.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
