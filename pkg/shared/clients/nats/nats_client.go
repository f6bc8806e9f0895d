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
	"crypto/tls"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/numaproj/numapool/pkg/shared/logging"
)

const ackTimeout = 5 * time.Second

// Options describes how to reach the JetStream server.
type Options struct {
	URL        string
	User       string
	Password   string
	TLSEnabled bool
}

// Client is a client for NATS server which be shared by multiple users (queue, object store, etc.)
type Client struct {
	sync.Mutex
	nc    *nats.Conn
	jsCtx nats.JetStreamContext
	log   *zap.SugaredLogger
}

// NewNATSClient Create a new NATS client
func NewNATSClient(ctx context.Context, opts Options, natsOptions ...nats.Option) (*Client, error) {
	log := logging.FromContext(ctx)
	if opts.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	connOpts := []nats.Option{
		// if max reconnects is set to -1, it will try to reconnect forever
		nats.MaxReconnects(-1),
		nats.PingInterval(3 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Errorw("Nats default: error occurred for subscription", zap.Error(err))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("Nats default: connection closed")
		}),
		// retry on failed connect should be true, else it wont try to reconnect during initial connect
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Errorw("Nats default: disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("Nats default: reconnected")
		}),
		nats.FlusherTimeout(10 * time.Second),
		// If the server doesn't respond to 2 pings we will reconnect
		nats.MaxPingsOutstanding(2),
	}
	if opts.User != "" {
		connOpts = append(connOpts, nats.UserInfo(opts.User, opts.Password))
	}
	if opts.TLSEnabled {
		connOpts = append(connOpts, nats.Secure(&tls.Config{
			InsecureSkipVerify: true,
		}))
	}
	connOpts = append(connOpts, natsOptions...)
	nc, err := nats.Connect(opts.URL, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats url=%s: %w", opts.URL, err)
	}
	jsCtx, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create to nats jetstream context: %w", err)
	}
	return &Client{nc: nc, jsCtx: jsCtx, log: log}, nil
}

// Subscribe returns a pull subscription for the given subject bound to the durable consumer.
func (c *Client) Subscribe(subject string, durable string, opts ...nats.SubOpt) (*nats.Subscription, error) {
	return c.jsCtx.PullSubscribe(subject, durable, opts...)
}

// ObjectStore binds to an existing object store bucket.
func (c *Client) ObjectStore(bucket string) (nats.ObjectStore, error) {
	return c.jsCtx.ObjectStore(bucket)
}

// ConsumerPending returns the undelivered and the unacknowledged message counts of a consumer.
func (c *Client) ConsumerPending(consumer string, stream string) (int64, int64, error) {
	// We only need lock for this function, because we are using a common js context
	c.Lock()
	defer c.Unlock()
	cInfo, err := c.jsCtx.ConsumerInfo(stream, consumer)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get consumer info, %w", err)
	}
	return int64(cInfo.NumPending), int64(cInfo.NumAckPending), nil
}

// Ack acknowledges a JetStream message by its reply subject and waits for the server confirmation.
func (c *Client) Ack(ctx context.Context, replySubject string) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ackTimeout)
		defer cancel()
	}
	_, err := c.nc.RequestWithContext(ctx, replySubject, []byte("+ACK"))
	return err
}

// JetStreamContext returns a new JetStreamContext
func (c *Client) JetStreamContext(opts ...nats.JSOpt) (nats.JetStreamContext, error) {
	return c.nc.JetStream(opts...)
}

// Connected tells if the underlying connection is alive.
func (c *Client) Connected() bool {
	return c.nc.IsConnected()
}

// Close closes the NATS client
func (c *Client) Close() {
	c.nc.Close()
}

// NewTestClient creates a new NATS client for testing
// only use this for testing
func NewTestClient(t *testing.T, url string) *Client {
	nc, err := nats.Connect(url)
	if err != nil {
		panic(err)
	}
	jsCtx, err := nc.JetStream()
	if err != nil {
		panic(err)
	}
	return &Client{nc: nc, jsCtx: jsCtx, log: zap.NewNop().Sugar()}
}
