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
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/numaproj/numapool/pkg/backends"
	"github.com/numaproj/numapool/pkg/environment"
	"github.com/numaproj/numapool/pkg/shared/logging"
)

func NewTeardownCommand() *cobra.Command {
	var terminateWorkers bool

	command := &cobra.Command{
		Use:   "teardown",
		Short: "Purge the queues and delete the payloads and the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.NewLogger().Named("teardown")
			ctx := logging.WithLogger(cmd.Context(), log)
			gc, err := loadConfig(log)
			if err != nil {
				return err
			}
			conf := gc.Get()
			b, err := backends.New(ctx, conf)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()
			env := b.Environment()
			if terminateWorkers {
				f, err := backends.NewFleet(ctx, conf, nil)
				if err != nil {
					return err
				}
				env.Fleet = f
			}
			if err := environment.Teardown(ctx, env); err != nil {
				log.Errorw("Failed to tear down the environment", zap.Error(err))
				return err
			}
			log.Info("Environment is clean")
			return nil
		},
	}
	command.Flags().BoolVar(&terminateWorkers, "terminate-workers", false, "Whether to terminate the workers of the fleet as well")
	return command
}
