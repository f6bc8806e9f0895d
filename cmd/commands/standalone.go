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

package commands

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/numaproj/numapool"
	"github.com/numaproj/numapool/pkg/autoscaler"
	"github.com/numaproj/numapool/pkg/backends"
	"github.com/numaproj/numapool/pkg/environment"
	"github.com/numaproj/numapool/pkg/fleet/local"
	"github.com/numaproj/numapool/pkg/metrics"
	"github.com/numaproj/numapool/pkg/shared/logging"
	"github.com/numaproj/numapool/pkg/worker"
)

func NewStandaloneCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "standalone",
		Short: "Run the gateway, the autoscaler and in-process workers in a single process",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.NewLogger().Named("standalone")
			log.Infow("Starting numapool in standalone mode", "version", numapool.GetVersion())
			ctx := logging.WithLogger(cmd.Context(), log)
			gc, err := loadConfig(log)
			if err != nil {
				return err
			}
			conf := gc.Get()
			publishBuildInfo("standalone")

			b, err := backends.New(ctx, conf)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()
			if err := environment.Setup(ctx, b.Environment()); err != nil {
				return err
			}
			c, err := newClassifier(conf.Worker.ClassifierCommand)
			if err != nil {
				return err
			}
			gw, err := newGateway(b, conf)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			f := local.NewLocalFleet(gctx, func(ctx context.Context, id string) {
				ctx = logging.WithLogger(ctx, log.Named("worker"))
				if err := worker.NewWorker(id, b.RequestQueue, b.Blobs, c, workerOptions(conf)...).Start(ctx); err != nil {
					log.Errorw("Worker exited", zap.String("id", id), zap.Error(err))
				}
			})
			scaler := autoscaler.NewScaler(b.RequestQueue, f, gc)

			opts := append(metrics.NewMetricsOptions(ctx, b.HealthCheckers()), metrics.WithHandler("/status", scaler.StatusHandler()))
			shutdown, err := metrics.NewMetricsServer(conf.Metrics.Port, opts...).Start(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Errorw("Failed to shut down the metrics server", zap.Error(err))
				}
			}()

			g.Go(func() error {
				return newGatewayServer(gw, conf).Start(gctx)
			})
			g.Go(func() error {
				return scaler.Start(gctx)
			})
			err = g.Wait()
			f.Wait()
			return err
		},
	}
	return command
}
