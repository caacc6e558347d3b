// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package node

import (
	"context"
	"net"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/riskflow/engine/computenode"
	"github.com/pingcap/riskflow/engine/pkg/promutil"
	"github.com/pingcap/riskflow/pkg/cmd/util"
	"github.com/pingcap/riskflow/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// options defines flags for the `node` command.
type options struct {
	nodeConfig         *config.NodeConfig
	nodeConfigFilePath string
}

// newOptions creates new options for the `node` command.
func newOptions() *options {
	return &options{nodeConfig: config.GetDefaultNodeConfig()}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *options) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.nodeConfig.ID, "id", o.nodeConfig.ID, "compute node id, defaults to the listening address")
	cmd.Flags().StringVar(&o.nodeConfig.Addr, "addr", o.nodeConfig.Addr, "Set the listening address")
	cmd.Flags().StringVar(&o.nodeConfig.MetricsAddr, "metrics-addr", o.nodeConfig.MetricsAddr, "Set the metrics listening address, empty disables it")
	cmd.Flags().IntVar(&o.nodeConfig.Slots, "slots", o.nodeConfig.Slots, "maximum jobs executed at the same time")

	cmd.Flags().StringVar(&o.nodeConfigFilePath, "config", "", "Path of the configuration file")
	cmd.Flags().StringVar(&o.nodeConfig.LogConfig.File, "log-file", o.nodeConfig.LogConfig.File, "log file path")
	cmd.Flags().StringVar(&o.nodeConfig.LogConfig.Level, "log-level", o.nodeConfig.LogConfig.Level, "log level (etc: debug|info|warn|error)")
}

// complete adapts from the command line args and config file to the data required.
func (o *options) complete(cmd *cobra.Command) error {
	cfg := config.GetDefaultNodeConfig()
	if len(o.nodeConfigFilePath) > 0 {
		if err := util.StrictDecodeFile(o.nodeConfigFilePath, "riskflow compute node", cfg); err != nil {
			return err
		}
	}

	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "id":
			cfg.ID = o.nodeConfig.ID
		case "addr":
			cfg.Addr = o.nodeConfig.Addr
		case "metrics-addr":
			cfg.MetricsAddr = o.nodeConfig.MetricsAddr
		case "slots":
			cfg.Slots = o.nodeConfig.Slots
		case "config":
			// do nothing
		case "log-file":
			cfg.LogConfig.File = o.nodeConfig.LogConfig.File
		case "log-level":
			cfg.LogConfig.Level = o.nodeConfig.LogConfig.Level
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flagName", flag.Name))
		}
	})

	if err := cfg.ValidateAndAdjust(); err != nil {
		return errors.Trace(err)
	}
	o.nodeConfig = cfg
	return nil
}

// serve runs a compute node on lis until ctx is done.
func serve(ctx context.Context, cfg *config.NodeConfig, lis net.Listener) error {
	node := computenode.NewLocalNode(cfg.ID, computenode.NewBuiltinLibrary(), cfg.Slots, nil)
	server := computenode.NewGRPCServer(node)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("compute node started",
			zap.String("node-id", cfg.ID),
			zap.Stringer("addr", lis.Addr()),
			zap.Int("slots", cfg.Slots))
		return errors.Trace(server.Serve(lis))
	})
	g.Go(func() error {
		return util.ServeMetrics(ctx, cfg.MetricsAddr, promutil.HTTPHandlerForMetric())
	})
	g.Go(func() error {
		<-ctx.Done()
		// Running jobs are cancelled before the server drains its streams.
		_ = node.Close()
		server.GracefulStop()
		return nil
	})

	err := g.Wait()
	if err != nil && errors.Cause(err) != context.Canceled {
		return err
	}
	return nil
}

// run runs the node cmd.
func (o *options) run(ctx context.Context) error {
	util.LogHTTPProxies()

	lis, err := net.Listen("tcp", o.nodeConfig.Addr)
	if err != nil {
		return errors.Annotatef(err, "listen on %s", o.nodeConfig.Addr)
	}
	if err := serve(ctx, o.nodeConfig, lis); err != nil {
		log.Error("run compute node with error", zap.Error(err))
		return errors.Trace(err)
	}
	log.Info("compute node exits successfully", zap.String("node-id", o.nodeConfig.ID))
	return nil
}

// NewCmdNode creates the `node` command.
func NewCmdNode() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "node",
		Short: "Start a compute node serving the builtin function library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.complete(cmd); err != nil {
				return err
			}
			ctx, cancel := util.InitCmd(cmd, o.nodeConfig.LogConfig)
			defer cancel()
			computenode.InitMetrics()
			return o.run(ctx)
		},
	}

	o.addFlags(command)

	return command
}
