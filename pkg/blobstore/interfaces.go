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

// Package blobstore defines the object store holding the uploaded payloads and the classification results.
package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("blob not found")

// BlobStore is a key value store scoped to a single bucket.
type BlobStore interface {
	// GetName returns the bucket name.
	GetName() string
	// Put writes the blob, overwriting any previous content.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the blob or an error matching ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists tells if the key exists.
	Exists(ctx context.Context, key string) (bool, error)
	// List returns the keys with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// DeleteAll deletes the keys with the given prefix and returns how many were deleted.
	DeleteAll(ctx context.Context, prefix string) (int, error)
	// Ensure creates the bucket if it does not exist.
	Ensure(ctx context.Context) error
	// Validate checks the bucket exists and is reachable.
	Validate(ctx context.Context) error
	// Close releases the resources held by the store, but not the shared client.
	Close() error
}
