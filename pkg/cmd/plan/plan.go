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

package plan

import (
	"context"
	"os"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/riskflow/engine/costmodel"
	"github.com/pingcap/riskflow/engine/graph"
	"github.com/pingcap/riskflow/engine/model"
	"github.com/pingcap/riskflow/engine/planner"
	"github.com/pingcap/riskflow/pkg/cmd/util"
	"github.com/pingcap/riskflow/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// options defines flags for the `plan` command.
type options struct {
	graphPath  string
	configPath string

	maxJobItems    int
	maxConcurrency int

	cfg *config.SchedulerConfig
}

// newOptions creates new options for the `plan` command.
func newOptions() *options {
	return &options{cfg: config.GetDefaultSchedulerConfig()}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *options) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.graphPath, "graph", "", "Path of the dependency graph file")
	cmd.Flags().StringVar(&o.configPath, "config", "", "Path of the configuration file")
	cmd.Flags().IntVar(&o.maxJobItems, "max-job-items", o.cfg.Partition.MaxJobItems, "maximum items of a job")
	cmd.Flags().IntVar(&o.maxConcurrency, "max-concurrency", o.cfg.Partition.MaxConcurrency,
		"maximum jobs dispatched to one compute node at a time")
	_ = cmd.MarkFlagRequired("graph")
}

// complete adapts from the command line args and config file to the data required.
func (o *options) complete(cmd *cobra.Command) error {
	cfg := config.GetDefaultSchedulerConfig()
	if len(o.configPath) > 0 {
		if err := util.StrictDecodeFile(o.configPath, "riskflow planner", cfg); err != nil {
			return err
		}
	}

	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "max-job-items":
			cfg.Partition.MaxJobItems = o.maxJobItems
		case "max-concurrency":
			cfg.Partition.MaxConcurrency = o.maxConcurrency
		case "graph", "config":
			// do nothing
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flagName", flag.Name))
		}
	})

	if err := cfg.ValidateAndAdjust(); err != nil {
		return errors.Trace(err)
	}
	o.cfg = cfg
	return nil
}

// run builds the execution plan of the graph and prints it.
func (o *options) run(ctx context.Context, cmd *cobra.Command) error {
	data, err := os.ReadFile(o.graphPath)
	if err != nil {
		return errors.Annotatef(err, "read graph file %s", o.graphPath)
	}
	g, err := graph.Decode(data)
	if err != nil {
		return errors.Trace(err)
	}

	schedCfg := o.cfg.ToSchedulerConfig()
	plan, err := planner.BuildPlan(ctx, g, schedCfg.Params, costmodel.New(schedCfg.CostModel, nil))
	if err != nil {
		return errors.Trace(err)
	}
	encoded, err := model.EncodePlan(plan)
	if err != nil {
		return errors.Trace(err)
	}
	cmd.Printf("%s\n", encoded)
	return nil
}

// NewCmdPlan creates the `plan` command.
func NewCmdPlan() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "plan",
		Short: "Print the execution plan of a dependency graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.complete(cmd); err != nil {
				return err
			}
			return o.run(cmd.Context(), cmd)
		},
	}

	o.addFlags(command)

	return command
}
