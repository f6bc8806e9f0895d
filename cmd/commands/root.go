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
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"

	"github.com/numaproj/numapool"
	"github.com/numaproj/numapool/pkg/classifier"
	"github.com/numaproj/numapool/pkg/config"
	"github.com/numaproj/numapool/pkg/metrics"
	"github.com/numaproj/numapool/pkg/worker"
)

const (
	CLIName = "numapool"
)

var (
	// configPath is bound to the --config flag of the root command
	configPath string

	signalCtx     context.Context
	signalCtxOnce sync.Once
)

var rootCmd = &cobra.Command{
	Use:   CLIName,
	Short: "An autoscaled pool of image classification workers behind a synchronous gateway",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.HelpFunc()(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path of the configuration file, defaults to numapool.yaml in the working directory or /etc/numapool")
	rootCmd.AddCommand(NewGatewayCommand())
	rootCmd.AddCommand(NewWorkerCommand())
	rootCmd.AddCommand(NewAutoscalerCommand())
	rootCmd.AddCommand(NewSetupCommand())
	rootCmd.AddCommand(NewTeardownCommand())
	rootCmd.AddCommand(NewStandaloneCommand())
	rootCmd.AddCommand(NewVersionCommand())
}

// Execute runs the root command, it is the entrypoint of the binary.
func Execute() {
	if err := rootCmd.ExecuteContext(signalContext()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGTERM or SIGINT. The handler can only be installed once per process.
func signalContext() context.Context {
	signalCtxOnce.Do(func() {
		signalCtx = signals.SetupSignalHandler()
	})
	return signalCtx
}

func loadConfig(log *zap.SugaredLogger) (*config.GlobalConfig, error) {
	gc, err := config.LoadConfig(configPath, func(err error) {
		log.Errorw("Failed to reload configuration", zap.Error(err))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration, %w", err)
	}
	return gc, nil
}

func warnInMem(log *zap.SugaredLogger, conf config.Config) {
	if conf.Queue.Backend == config.BackendInMem || conf.BlobStore.Backend == config.BackendInMem {
		log.Warn("The inmem backends are not shared between processes, use the standalone command or a redis or jetstream backend")
	}
}

func publishBuildInfo(component string) {
	v := numapool.GetVersion()
	metrics.BuildInfo.WithLabelValues(component, v.Version, v.Platform).Set(1)
}

func newClassifier(argv []string) (classifier.Classifier, error) {
	if len(argv) == 0 {
		return classifier.NewMIMEClassifier(), nil
	}
	return classifier.NewCommandClassifier(argv)
}

func workerOptions(conf config.Config) []worker.Option {
	return []worker.Option{
		worker.WithReceiveWait(conf.Worker.ReceiveWait()),
		worker.WithIdleSleep(conf.Worker.IdleSleep()),
		worker.WithErrorBackoff(conf.Worker.ErrorBackoff()),
		worker.WithPrefixes(conf.BlobStore.InputPrefix, conf.BlobStore.OutputPrefix),
	}
}
