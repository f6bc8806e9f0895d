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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/numaproj/numapool"
	"github.com/numaproj/numapool/pkg/backends"
	"github.com/numaproj/numapool/pkg/config"
	"github.com/numaproj/numapool/pkg/gateway"
	"github.com/numaproj/numapool/pkg/shared/logging"
)

func NewGatewayCommand() *cobra.Command {
	var port int

	command := &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway serving the classification requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.NewLogger().Named("gateway")
			log.Infow("Starting gateway", "version", numapool.GetVersion())
			ctx := logging.WithLogger(cmd.Context(), log)
			gc, err := loadConfig(log)
			if err != nil {
				return err
			}
			conf := gc.Get()
			if cmd.Flags().Changed("port") {
				conf.Gateway.Port = port
			}
			warnInMem(log, conf)
			publishBuildInfo("gateway")

			b, err := backends.New(ctx, conf)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()
			gw, err := newGateway(b, conf)
			if err != nil {
				return err
			}
			if err := gw.Validate(ctx); err != nil {
				return err
			}
			return newGatewayServer(gw, conf).Start(ctx)
		},
	}
	command.Flags().IntVarP(&port, "port", "p", 5000, "Port to listen on, overrides gateway.port")
	return command
}

func newGateway(b *backends.Backends, conf config.Config) (*gateway.Gateway, error) {
	gw, err := gateway.NewGateway(b.RequestQueue, b.Blobs,
		gateway.WithWebTimeout(conf.Gateway.WebTimeout()),
		gateway.WithPollInterval(conf.Gateway.PollInterval()),
		gateway.WithPrefixes(conf.BlobStore.InputPrefix, conf.BlobStore.OutputPrefix),
		gateway.WithResultCacheSize(conf.Gateway.ResultCacheSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway, %w", err)
	}
	return gw, nil
}

func newGatewayServer(gw *gateway.Gateway, conf config.Config) *gateway.Server {
	return gateway.NewServer(gw, gateway.ServerOptions{
		Port:               conf.Gateway.Port,
		MaxPayloadBytes:    conf.Gateway.MaxPayloadBytes,
		CorsAllowedOrigins: conf.Gateway.CorsAllowedOrigins,
		TLSEnabled:         conf.Gateway.TLSEnabled,
	})
}
