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
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/numaproj/numapool"
	"github.com/numaproj/numapool/pkg/backends"
	"github.com/numaproj/numapool/pkg/metrics"
	"github.com/numaproj/numapool/pkg/shared/logging"
	"github.com/numaproj/numapool/pkg/shared/util"
	"github.com/numaproj/numapool/pkg/worker"
)

func NewWorkerCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "worker",
		Short: "Start a worker processing the request queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := util.Hostname()
			log := logging.NewLogger().Named("worker").With("worker", id)
			log.Infow("Starting worker", "version", numapool.GetVersion())
			ctx := logging.WithLogger(cmd.Context(), log)
			gc, err := loadConfig(log)
			if err != nil {
				return err
			}
			conf := gc.Get()
			warnInMem(log, conf)
			publishBuildInfo("worker")

			b, err := backends.New(ctx, conf)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()
			if err := b.RequestQueue.Validate(ctx); err != nil {
				return fmt.Errorf("request queue is not ready, %w", err)
			}
			if err := b.Blobs.Validate(ctx); err != nil {
				return fmt.Errorf("blob store is not ready, %w", err)
			}
			c, err := newClassifier(conf.Worker.ClassifierCommand)
			if err != nil {
				return err
			}

			ms := metrics.NewMetricsServer(conf.Metrics.Port, metrics.NewMetricsOptions(ctx, b.HealthCheckers())...)
			shutdown, err := ms.Start(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Errorw("Failed to shut down the metrics server", zap.Error(err))
				}
			}()
			return worker.NewWorker(id, b.RequestQueue, b.Blobs, c, workerOptions(conf)...).Start(ctx)
		},
	}
	return command
}
