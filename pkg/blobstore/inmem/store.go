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

// Package inmem is an in memory blob store for local development, the standalone mode and testing.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/numaproj/numapool/pkg/blobstore"
)

// Store implements blobstore.BlobStore in memory.
type Store struct {
	name   string
	rwlock sync.RWMutex
	blobs  map[string][]byte
}

var _ blobstore.BlobStore = (*Store)(nil)

// NewStore returns an empty store.
func NewStore(name string) *Store {
	return &Store{name: name, blobs: make(map[string][]byte)}
}

func (s *Store) GetName() string {
	return s.name
}

func (s *Store) Put(_ context.Context, key string, data []byte) error {
	s.rwlock.Lock()
	defer s.rwlock.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.rwlock.RLock()
	defer s.rwlock.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("failed to get %q from bucket %s, %w", key, s.name, blobstore.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.rwlock.RLock()
	defer s.rwlock.RUnlock()
	_, ok := s.blobs[key]
	return ok, nil
}

func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.rwlock.RLock()
	defer s.rwlock.RUnlock()
	var keys []string
	for k := range s.blobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) DeleteAll(_ context.Context, prefix string) (int, error) {
	s.rwlock.Lock()
	defer s.rwlock.Unlock()
	n := 0
	for k := range s.blobs {
		if strings.HasPrefix(k, prefix) {
			delete(s.blobs, k)
			n++
		}
	}
	return n, nil
}

// Ensure does nothing.
func (s *Store) Ensure(_ context.Context) error {
	return nil
}

// Validate does nothing.
func (s *Store) Validate(_ context.Context) error {
	return nil
}

// Close does nothing.
func (s *Store) Close() error {
	return nil
}
