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

package run

import (
	"context"
	"os"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/riskflow/engine/computenode"
	"github.com/pingcap/riskflow/engine/graph"
	"github.com/pingcap/riskflow/engine/model"
	"github.com/pingcap/riskflow/engine/pkg/promutil"
	"github.com/pingcap/riskflow/engine/scheduler"
	"github.com/pingcap/riskflow/pkg/cmd/util"
	"github.com/pingcap/riskflow/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const localNodeID = "local"

// options defines flags for the `run` command.
type options struct {
	graphPath  string
	configPath string
	planPath   string
	cycles     int

	schedulerConfig *config.SchedulerConfig
	// factory registers the scheduler metrics, the process registry when nil.
	factory promutil.Factory
}

// newOptions creates new options for the `run` command.
func newOptions() *options {
	return &options{
		cycles:          1,
		schedulerConfig: config.GetDefaultSchedulerConfig(),
	}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *options) addFlags(cmd *cobra.Command) {
	cfg := o.schedulerConfig
	cmd.Flags().StringVar(&o.graphPath, "graph", "", "Path of the dependency graph file")
	cmd.Flags().StringVar(&o.configPath, "config", "", "Path of the configuration file")
	cmd.Flags().StringVar(&o.planPath, "plan", "", "Path of an execution plan printed by the plan command")
	cmd.Flags().IntVar(&o.cycles, "cycles", o.cycles, "number of computation cycles to run")

	cmd.Flags().StringToStringVar(&cfg.ComputeNodes, "compute-nodes", map[string]string{},
		"compute nodes in id=address pairs, an in-process node is used when empty")
	cmd.Flags().IntVar(&cfg.LocalSlots, "local-slots", cfg.LocalSlots, "slots of the in-process compute node")
	cmd.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Set the metrics listening address, empty disables it")
	cmd.Flags().IntVar(&cfg.Partition.MaxJobItems, "max-job-items", cfg.Partition.MaxJobItems, "maximum items of a job")
	cmd.Flags().IntVar(&cfg.Partition.MaxConcurrency, "max-concurrency", cfg.Partition.MaxConcurrency,
		"maximum jobs dispatched to one compute node at a time")
	cmd.Flags().StringVar(&cfg.LogConfig.File, "log-file", cfg.LogConfig.File, "log file path")
	cmd.Flags().StringVar(&cfg.LogConfig.Level, "log-level", cfg.LogConfig.Level, "log level (etc: debug|info|warn|error)")
	_ = cmd.MarkFlagRequired("graph")
}

// complete adapts from the command line args and config file to the data required.
func (o *options) complete(cmd *cobra.Command) error {
	cfg := config.GetDefaultSchedulerConfig()
	if len(o.configPath) > 0 {
		if err := util.StrictDecodeFile(o.configPath, "riskflow scheduler", cfg); err != nil {
			return err
		}
	}

	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "compute-nodes":
			cfg.ComputeNodes = o.schedulerConfig.ComputeNodes
		case "local-slots":
			cfg.LocalSlots = o.schedulerConfig.LocalSlots
		case "metrics-addr":
			cfg.MetricsAddr = o.schedulerConfig.MetricsAddr
		case "max-job-items":
			cfg.Partition.MaxJobItems = o.schedulerConfig.Partition.MaxJobItems
		case "max-concurrency":
			cfg.Partition.MaxConcurrency = o.schedulerConfig.Partition.MaxConcurrency
		case "log-file":
			cfg.LogConfig.File = o.schedulerConfig.LogConfig.File
		case "log-level":
			cfg.LogConfig.Level = o.schedulerConfig.LogConfig.Level
		case "graph", "config", "plan", "cycles":
			// do nothing
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flagName", flag.Name))
		}
	})

	if o.cycles < 1 {
		return errors.Errorf("cycles must be positive, got %d", o.cycles)
	}
	if err := cfg.ValidateAndAdjust(); err != nil {
		return errors.Trace(err)
	}
	o.schedulerConfig = cfg
	return nil
}

// newPool creates the compute node pool of the configured nodes.
func (o *options) newPool() (*computenode.Pool, error) {
	cfg := o.schedulerConfig
	pool := computenode.NewPool(
		cfg.ToBackoffConfig(), nil, &computenode.GRPCConnectionFactory{}, o.factory, nil)
	if len(cfg.ComputeNodes) == 0 {
		local := computenode.NewLocalNode(localNodeID, computenode.NewBuiltinLibrary(), cfg.LocalSlots, nil)
		if err := pool.Add(local); err != nil {
			return nil, errors.Trace(err)
		}
		return pool, nil
	}
	if err := pool.UpdateNodeList(cfg.ComputeNodes); err != nil {
		_ = pool.Close()
		return nil, errors.Trace(err)
	}
	return pool, nil
}

// loadPlan installs the plan file as the cached plan of g.
func (o *options) loadPlan(sched *scheduler.Scheduler, g graph.Graph) error {
	data, err := os.ReadFile(o.planPath)
	if err != nil {
		return errors.Annotatef(err, "read plan file %s", o.planPath)
	}
	plan, err := model.DecodePlan(data)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sched.LoadPlan(g, plan))
}

// run evaluates the graph for the configured number of cycles and prints
// every cycle result.
func (o *options) run(ctx context.Context, cmd *cobra.Command) error {
	data, err := os.ReadFile(o.graphPath)
	if err != nil {
		return errors.Annotatef(err, "read graph file %s", o.graphPath)
	}
	g, err := graph.Decode(data)
	if err != nil {
		return errors.Trace(err)
	}

	if o.factory == nil {
		o.factory = promutil.NewFactory4Scheduler(g.Identity())
	}
	pool, err := o.newPool()
	if err != nil {
		return err
	}
	defer func() {
		if err := pool.Close(); err != nil {
			log.Warn("close compute node pool failed", zap.Error(err))
		}
	}()

	sched, err := scheduler.New(o.schedulerConfig.ToSchedulerConfig(), pool, nil, o.factory, nil)
	if err != nil {
		return errors.Trace(err)
	}
	defer sched.Close()
	if len(o.planPath) > 0 {
		if err := o.loadPlan(sched, g); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return sched.Run(egCtx)
	})
	eg.Go(func() error {
		return pool.Run(egCtx)
	})
	eg.Go(func() error {
		return util.ServeMetrics(egCtx, o.schedulerConfig.MetricsAddr, promutil.HTTPHandlerForMetric())
	})
	eg.Go(func() error {
		defer cancel()
		if conns, err := pool.WaitAvailable(egCtx); err != nil {
			if egCtx.Err() == nil {
				log.Warn("no compute node is available before the first cycle", zap.Error(err))
			}
		} else {
			log.Info("compute nodes available", zap.Int("count", len(conns)))
		}
		for i := 0; i < o.cycles; i++ {
			result, err := sched.RunCycle(egCtx, g)
			if err != nil {
				return errors.Trace(err)
			}
			log.Info("computation cycle finished",
				zap.String("run-id", result.RunID),
				zap.String("status", string(result.Status)),
				zap.Duration("duration", result.Duration),
				zap.Int("succeeded", result.Count(model.NodeSucceeded)),
				zap.Int("failed", result.Count(model.NodeFailed)),
				zap.Int("missing", result.Count(model.NodeMissing)))
			if err := util.JSONPrint(cmd, result); err != nil {
				return err
			}
			if result.Status == model.CycleCancelled {
				return nil
			}
		}
		return nil
	})

	err = eg.Wait()
	if err != nil && errors.Cause(err) != context.Canceled {
		return err
	}
	return nil
}

// NewCmdRun creates the `run` command.
func NewCmdRun() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "run",
		Short: "Evaluate a dependency graph on a pool of compute nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.complete(cmd); err != nil {
				return err
			}
			ctx, cancel := util.InitCmd(cmd, o.schedulerConfig.LogConfig)
			defer cancel()
			util.LogHTTPProxies()
			computenode.InitMetrics()
			return o.run(ctx, cmd)
		},
	}

	o.addFlags(command)

	return command
}
