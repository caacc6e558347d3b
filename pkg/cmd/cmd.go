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

package cmd

import (
	"os"

	"github.com/pingcap/riskflow/pkg/cmd/node"
	"github.com/pingcap/riskflow/pkg/cmd/plan"
	"github.com/pingcap/riskflow/pkg/cmd/run"
	"github.com/spf13/cobra"
)

// NewCmd creates the root command.
func NewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "riskflow",
		Short: "Distributed dependency graph scheduler for risk analytics",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
}

// AddRiskflowCommands adds all riskflow sub commands to cmd.
func AddRiskflowCommands(cmd *cobra.Command) {
	cmd.AddCommand(plan.NewCmdPlan())
	cmd.AddCommand(node.NewCmdNode())
	cmd.AddCommand(run.NewCmdRun())
}

// Run runs the root command.
func Run() {
	cmd := NewCmd()
	cmd.SetOut(os.Stdout)
	AddRiskflowCommands(cmd)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
