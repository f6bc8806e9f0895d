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
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
)

// ReadFromEarliest starts a consumer group at the beginning of the stream.
const ReadFromEarliest = "0"

const (
	// scanCount is the SCAN batch hint.
	scanCount = 100
	// deleteBatchSize is the number of keys deleted per DEL command
	deleteBatchSize = 500
)

// RedisClient datatype to hold redis client attributes.
type RedisClient struct {
	Client redis.UniversalClient
}

// NewRedisClient returns a new Redis Client.
func NewRedisClient(options *redis.UniversalOptions) *RedisClient {
	return &RedisClient{Client: redis.NewUniversalClient(options)}
}

// NewRedisClientFromOptions builds the universal options from the connection settings and returns a client.
// A non-empty master name selects the sentinel failover client.
func NewRedisClientFromOptions(opts Options) *RedisClient {
	uOpts := &redis.UniversalOptions{
		Addrs:      opts.Addrs,
		Username:   opts.Username,
		Password:   opts.Password,
		MasterName: opts.MasterName,
		DB:         opts.DB,
	}
	if opts.MasterName != "" {
		uOpts.SentinelPassword = opts.SentinelPassword
	}
	return NewRedisClient(uOpts)
}

func (cl *RedisClient) Ping(ctx context.Context) error {
	return cl.Client.Ping(ctx).Err()
}

func (cl *RedisClient) Close() error {
	return cl.Client.Close()
}

// EnsureStreamGroup creates the consumer group, and the stream when missing.
// It reports whether the group was created, an existing group is not an error.
func (cl *RedisClient) EnsureStreamGroup(ctx context.Context, stream, group, start string) (bool, error) {
	err := cl.Client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	switch {
	case err == nil:
		return true, nil
	case IsAlreadyExistError(err):
		return false, nil
	default:
		return false, err
	}
}

func (cl *RedisClient) DeleteKeys(ctx context.Context, keys ...string) error {
	return cl.Client.Del(ctx, keys...).Err()
}

// PendingMsgCount returns the number of delivered but not yet acknowledged entries of the group.
func (cl *RedisClient) PendingMsgCount(ctx context.Context, stream, group string) (int64, error) {
	pending, err := cl.Client.XPending(ctx, stream, group).Result()
	if err != nil {
		return 0, err
	}
	return pending.Count, nil
}

// StreamGroupExists tells whether the stream carries the consumer group.
// A missing stream is reported as false without error.
func (cl *RedisClient) StreamGroupExists(ctx context.Context, stream, group string) (bool, error) {
	groups, err := cl.Client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		if NoGroupError(err) {
			return false, nil
		}
		return false, err
	}
	for _, g := range groups {
		if g.Name == group {
			return true, nil
		}
	}
	return false, nil
}

// ScanKeys returns all the keys matching the pattern, iterating with SCAN instead of KEYS.
// On a cluster every master is scanned.
func (cl *RedisClient) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	cc, ok := cl.Client.(*redis.ClusterClient)
	if !ok {
		return scanKeys(ctx, cl.Client, pattern)
	}
	var lock sync.Mutex
	var keys []string
	err := cc.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		nodeKeys, err := scanKeys(ctx, node, pattern)
		if err != nil {
			return fmt.Errorf("failed to scan %s, %w", node.Options().Addr, err)
		}
		lock.Lock()
		keys = append(keys, nodeKeys...)
		lock.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// DeleteMatching deletes every key matching the pattern and returns how many were deleted.
// On a cluster the keys are deleted one per command on the master holding them, a multi-key DEL would span slots.
func (cl *RedisClient) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	cc, ok := cl.Client.(*redis.ClusterClient)
	if !ok {
		keys, err := scanKeys(ctx, cl.Client, pattern)
		if err != nil {
			return 0, err
		}
		return deleteInBatches(ctx, cl.Client, keys)
	}
	var deleted atomic.Int64
	err := cc.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		keys, err := scanKeys(ctx, node, pattern)
		if err != nil {
			return fmt.Errorf("failed to scan %s, %w", node.Options().Addr, err)
		}
		if len(keys) == 0 {
			return nil
		}
		cmds, err := node.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, k := range keys {
				pipe.Del(ctx, k)
			}
			return nil
		})
		for _, c := range cmds {
			if n, cerr := c.(*redis.IntCmd).Result(); cerr == nil {
				deleted.Add(n)
			}
		}
		if err != nil {
			return fmt.Errorf("failed to delete keys on %s, %w", node.Options().Addr, err)
		}
		return nil
	})
	return int(deleted.Load()), err
}

type scanner interface {
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

func scanKeys(ctx context.Context, c scanner, pattern string) ([]string, error) {
	var keys []string
	iter := c.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func deleteInBatches(ctx context.Context, c redis.Cmdable, keys []string) (int, error) {
	deleted := 0
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		n, err := c.Del(ctx, keys[start:end]...).Result()
		deleted += int(n)
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func IsAlreadyExistError(err error) bool {
	return strings.Contains(err.Error(), "BUSYGROUP")
}

// NoGroupError tells if the error is caused by a missing stream or consumer group.
func NoGroupError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NOGROUP") || strings.Contains(msg, "no such key")
}
