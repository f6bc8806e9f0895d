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

// Package backends builds the queues, the blob store and the fleet selected by the configuration.
package backends

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"

	"github.com/numaproj/numapool/pkg/blobstore"
	blobinmem "github.com/numaproj/numapool/pkg/blobstore/inmem"
	blobjetstream "github.com/numaproj/numapool/pkg/blobstore/jetstream"
	blobredis "github.com/numaproj/numapool/pkg/blobstore/redis"
	"github.com/numaproj/numapool/pkg/config"
	"github.com/numaproj/numapool/pkg/environment"
	"github.com/numaproj/numapool/pkg/fleet"
	k8sfleet "github.com/numaproj/numapool/pkg/fleet/kubernetes"
	"github.com/numaproj/numapool/pkg/fleet/local"
	"github.com/numaproj/numapool/pkg/metrics"
	natsclient "github.com/numaproj/numapool/pkg/shared/clients/nats"
	redisclient "github.com/numaproj/numapool/pkg/shared/clients/redis"
	"github.com/numaproj/numapool/pkg/shared/logging"
	"github.com/numaproj/numapool/pkg/shared/util"
	"github.com/numaproj/numapool/pkg/taskqueue"
	queueinmem "github.com/numaproj/numapool/pkg/taskqueue/inmem"
	queuejetstream "github.com/numaproj/numapool/pkg/taskqueue/jetstream"
	queueredis "github.com/numaproj/numapool/pkg/taskqueue/redis"
)

// jetStreamReplicas is the replication factor of the streams and buckets created by numapool.
const jetStreamReplicas = 1

// Backends holds the adapters shared by the components of a process.
type Backends struct {
	RequestQueue  taskqueue.TaskQueue
	ResponseQueue taskqueue.TaskQueue
	Blobs         blobstore.BlobStore

	conf        config.Config
	redisClient *redisclient.RedisClient
	natsClient  *natsclient.Client
}

// New connects to the configured backends. The returned Backends must be closed.
func New(ctx context.Context, conf config.Config) (*Backends, error) {
	log := logging.FromContext(ctx)
	b := &Backends{conf: conf}
	if conf.Queue.Backend == config.BackendRedis || conf.BlobStore.Backend == config.BackendRedis {
		b.redisClient = redisclient.NewRedisClientFromOptions(redisclient.Options{
			Addrs:            conf.Redis.Addrs,
			Username:         conf.Redis.Username,
			Password:         conf.Redis.Password,
			MasterName:       conf.Redis.MasterName,
			SentinelPassword: conf.Redis.SentinelPassword,
			DB:               conf.Redis.DB,
		})
		log.Infow("Created redis client", zap.Strings("addrs", conf.Redis.Addrs))
	}
	if conf.Queue.Backend == config.BackendJetStream || conf.BlobStore.Backend == config.BackendJetStream {
		nc, err := natsclient.NewNATSClient(ctx, natsclient.Options{
			URL:        conf.JetStream.URL,
			User:       conf.JetStream.User,
			Password:   conf.JetStream.Password,
			TLSEnabled: conf.JetStream.TLSEnabled,
		})
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("failed to create nats client, %w", err)
		}
		b.natsClient = nc
	}

	var err error
	if b.RequestQueue, err = b.newQueue(ctx, conf.Queue.RequestQueue); err != nil {
		_ = b.Close()
		return nil, err
	}
	if b.ResponseQueue, err = b.newQueue(ctx, conf.Queue.ResponseQueue); err != nil {
		_ = b.Close()
		return nil, err
	}
	if b.Blobs, err = b.newBlobStore(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backends) newQueue(ctx context.Context, name string) (taskqueue.TaskQueue, error) {
	q := b.conf.Queue
	switch q.Backend {
	case config.BackendInMem:
		return queueinmem.NewQueue(name,
			queueinmem.WithVisibilityTimeout(q.VisibilityTimeout()),
			queueinmem.WithDedupWindow(q.DedupWindow())), nil
	case config.BackendRedis:
		return queueredis.NewRedisQueue(ctx, b.redisClient, name,
			queueredis.WithVisibilityTimeout(q.VisibilityTimeout()),
			queueredis.WithDedupWindow(q.DedupWindow())), nil
	case config.BackendJetStream:
		return queuejetstream.NewJetStreamQueue(ctx, b.natsClient, name,
			queuejetstream.WithVisibilityTimeout(q.VisibilityTimeout()),
			queuejetstream.WithDedupWindow(q.DedupWindow()),
			queuejetstream.WithReplicas(jetStreamReplicas)), nil
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", q.Backend)
	}
}

func (b *Backends) newBlobStore(ctx context.Context) (blobstore.BlobStore, error) {
	bs := b.conf.BlobStore
	switch bs.Backend {
	case config.BackendInMem:
		return blobinmem.NewStore(bs.Bucket), nil
	case config.BackendRedis:
		return blobredis.NewRedisStore(ctx, b.redisClient, bs.Bucket), nil
	case config.BackendJetStream:
		return blobjetstream.NewJetStreamStore(ctx, b.natsClient, bs.Bucket, jetStreamReplicas), nil
	default:
		return nil, fmt.Errorf("unsupported blob store backend %q", bs.Backend)
	}
}

// Environment returns the resources owned by the deployment.
func (b *Backends) Environment() environment.Environment {
	return environment.Environment{
		Queues:   []taskqueue.TaskQueue{b.RequestQueue, b.ResponseQueue},
		Blobs:    b.Blobs,
		Prefixes: []string{b.conf.BlobStore.InputPrefix, b.conf.BlobStore.OutputPrefix},
	}
}

// HealthCheckers returns a checker per adapter, to be served on /readyz.
func (b *Backends) HealthCheckers() []metrics.HealthChecker {
	checkers := []metrics.HealthChecker{
		metrics.HealthCheckerFunc(b.RequestQueue.Validate),
		metrics.HealthCheckerFunc(b.Blobs.Validate),
	}
	if b.natsClient != nil {
		checkers = append(checkers, metrics.HealthCheckerFunc(func(context.Context) error {
			if !b.natsClient.Connected() {
				return errors.New("nats connection is down")
			}
			return nil
		}))
	}
	return checkers
}

// Close closes the adapters, then the shared clients.
func (b *Backends) Close() error {
	var errs error
	for _, c := range []interface{ Close() error }{b.RequestQueue, b.ResponseQueue, b.Blobs} {
		if c != nil {
			errs = multierr.Append(errs, c.Close())
		}
	}
	if b.natsClient != nil {
		b.natsClient.Close()
	}
	if b.redisClient != nil {
		errs = multierr.Append(errs, b.redisClient.Close())
	}
	return errs
}

// NewFleet returns the fleet selected by the configuration. run is only used by the local fleet.
func NewFleet(ctx context.Context, conf config.Config, run local.WorkerFunc) (fleet.Manager, error) {
	switch conf.Fleet.Backend {
	case config.BackendLocal:
		if run == nil {
			return nil, fmt.Errorf("the local fleet is only available in standalone mode")
		}
		return local.NewLocalFleet(ctx, run), nil
	case config.BackendKubernetes:
		restConfig, err := util.K8sRestConfig(conf.Fleet.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to get kubernetes config, %w", err)
		}
		kubeClient, err := kubernetes.NewForConfig(restConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes client, %w", err)
		}
		return NewKubernetesFleet(ctx, conf, kubeClient), nil
	default:
		return nil, fmt.Errorf("unsupported fleet backend %q", conf.Fleet.Backend)
	}
}

// NewKubernetesFleet returns the kubernetes fleet described by the configuration.
func NewKubernetesFleet(ctx context.Context, conf config.Config, kubeClient kubernetes.Interface) fleet.Manager {
	return k8sfleet.NewKubernetesFleet(ctx, kubeClient, conf.Fleet.Namespace, conf.Fleet.RoleTag, k8sfleet.PodTemplate{
		Image:              conf.Fleet.Image,
		ImagePullPolicy:    conf.Fleet.ImagePullPolicy,
		ServiceAccountName: conf.Fleet.ServiceAccountName,
		Region:             conf.Region,
		Env:                conf.Fleet.Env,
		ConfigMapName:      conf.Fleet.ConfigMapName,
	})
}
