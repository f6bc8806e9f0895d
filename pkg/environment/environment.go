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

// Package environment creates and cleans the backend resources of a deployment.
package environment

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/numaproj/numapool/pkg/blobstore"
	"github.com/numaproj/numapool/pkg/fleet"
	"github.com/numaproj/numapool/pkg/shared/logging"
	"github.com/numaproj/numapool/pkg/taskqueue"
)

// Environment is the set of resources shared by the processes of a deployment.
type Environment struct {
	Queues []taskqueue.TaskQueue
	Blobs  blobstore.BlobStore
	// Prefixes are the blob key prefixes owned by the deployment.
	Prefixes []string
	// Fleet, when set, has its workers terminated by Teardown.
	Fleet fleet.Manager
}

// Setup creates the queues and the bucket if they do not exist. It is safe to run it more than once.
func Setup(ctx context.Context, env Environment) error {
	log := logging.FromContext(ctx)
	var errs error
	for _, q := range env.Queues {
		if err := q.Ensure(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to create queue %q, %w", q.GetName(), err))
			continue
		}
		log.Infow("Queue ready", zap.String("queue", q.GetName()))
	}
	if env.Blobs != nil {
		if err := env.Blobs.Ensure(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to create bucket %q, %w", env.Blobs.GetName(), err))
		} else {
			log.Infow("Bucket ready", zap.String("bucket", env.Blobs.GetName()))
		}
	}
	return errs
}

// Validate checks every resource exists and is reachable.
func Validate(ctx context.Context, env Environment) error {
	var errs error
	for _, q := range env.Queues {
		if err := q.Validate(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("queue %q is not ready, %w", q.GetName(), err))
		}
	}
	if env.Blobs != nil {
		if err := env.Blobs.Validate(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("bucket %q is not ready, %w", env.Blobs.GetName(), err))
		}
	}
	return errs
}

// Teardown purges the queues and deletes the blobs under the prefixes. Every step is attempted,
// the errors are combined. Running it on a clean environment is a no-op.
func Teardown(ctx context.Context, env Environment) error {
	log := logging.FromContext(ctx)
	var errs error
	if env.Fleet != nil {
		instances, err := env.Fleet.ListAlive(ctx)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to list workers, %w", err))
		}
		for _, inst := range instances {
			if err := env.Fleet.Terminate(ctx, inst.ID); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("failed to terminate worker %q, %w", inst.ID, err))
				continue
			}
			log.Infow("Terminated worker", zap.String("id", inst.ID))
		}
	}
	for _, q := range env.Queues {
		if err := q.Purge(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to purge queue %q, %w", q.GetName(), err))
			continue
		}
		log.Infow("Queue purged", zap.String("queue", q.GetName()))
	}
	if env.Blobs != nil {
		for _, prefix := range env.Prefixes {
			n, err := env.Blobs.DeleteAll(ctx, prefix)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("failed to delete %q from bucket %q, %w", prefix, env.Blobs.GetName(), err))
				continue
			}
			log.Infow("Blobs deleted", zap.String("bucket", env.Blobs.GetName()), zap.String("prefix", prefix), zap.Int("count", n))
		}
	}
	return errs
}
