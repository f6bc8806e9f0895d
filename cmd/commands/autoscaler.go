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
	"github.com/numaproj/numapool/pkg/autoscaler"
	"github.com/numaproj/numapool/pkg/backends"
	"github.com/numaproj/numapool/pkg/metrics"
	"github.com/numaproj/numapool/pkg/shared/logging"
)

func NewAutoscalerCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "autoscaler",
		Short: "Start the autoscaler sizing the worker fleet after the request queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.NewLogger().Named("autoscaler")
			log.Infow("Starting autoscaler", "version", numapool.GetVersion())
			ctx := logging.WithLogger(cmd.Context(), log)
			gc, err := loadConfig(log)
			if err != nil {
				return err
			}
			conf := gc.Get()
			warnInMem(log, conf)
			publishBuildInfo("autoscaler")

			b, err := backends.New(ctx, conf)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()
			if err := b.RequestQueue.Validate(ctx); err != nil {
				return fmt.Errorf("request queue is not ready, %w", err)
			}
			f, err := backends.NewFleet(ctx, conf, nil)
			if err != nil {
				return err
			}
			// the policy is read from the global config on every tick, so that it follows the file
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
			return scaler.Start(ctx)
		},
	}
	return command
}
