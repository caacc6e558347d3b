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
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/phayes/freeport"
	"github.com/pingcap/riskflow/engine/computenode"
	"github.com/pingcap/riskflow/engine/costmodel"
	"github.com/pingcap/riskflow/engine/graph"
	"github.com/pingcap/riskflow/engine/model"
	"github.com/pingcap/riskflow/engine/pkg/promutil"
	"github.com/pingcap/riskflow/engine/planner"
	cerrors "github.com/pingcap/riskflow/pkg/errors"
	"github.com/pingcap/riskflow/pkg/leakutil"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

const testGraph = `{
  "id": "portfolio-1",
  "nodes": [
    {"id": "p1", "function": "MarketValue", "target": {"type": "SECURITY", "id": "AAPL"}},
    {"id": "p2", "function": "MarketValue", "target": {"type": "SECURITY", "id": "MSFT"}},
    {"id": "bad", "function": "Fail", "target": {"type": "SECURITY", "id": "XXX"}},
    {"id": "total", "function": "Sum", "target": {"type": "PORTFOLIO", "id": "P1"}, "inputs": ["p1", "p2"]},
    {"id": "hedged", "function": "Sum", "target": {"type": "PORTFOLIO", "id": "P2"}, "inputs": ["total", "bad"]}
  ]
}`

func newTestCommand(t *testing.T, args ...string) (*options, *cobra.Command, *bytes.Buffer) {
	graphPath := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, os.WriteFile(graphPath, []byte(testGraph), 0o644))

	o := newOptions()
	o.factory = promutil.NewFactory(nil)
	cmd := &cobra.Command{}
	o.addFlags(cmd)
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	args = append([]string{"--graph", graphPath, "--metrics-addr", ""}, args...)
	require.NoError(t, cmd.ParseFlags(args))
	require.NoError(t, o.complete(cmd))
	return o, cmd, &buf
}

func decodeResults(t *testing.T, buf *bytes.Buffer) []*model.CycleResult {
	var results []*model.CycleResult
	decoder := json.NewDecoder(buf)
	for decoder.More() {
		result := &model.CycleResult{}
		require.NoError(t, decoder.Decode(result))
		results = append(results, result)
	}
	return results
}

func requirePortfolioResult(t *testing.T, result *model.CycleResult) {
	require.Equal(t, "portfolio-1", result.GraphID)
	require.Equal(t, model.CycleCompleted, result.Status)
	require.Len(t, result.Nodes, 5)
	require.Equal(t, model.NodeSucceeded, result.Nodes["p1"].Status)
	require.Equal(t, model.NodeSucceeded, result.Nodes["p2"].Status)
	require.Equal(t, model.NodeSucceeded, result.Nodes["total"].Status)
	require.Equal(t, model.NodeFailed, result.Nodes["bad"].Status)
	require.Equal(t, model.NodeMissing, result.Nodes["hedged"].Status)

	var p1, p2, total float64
	require.NoError(t, json.Unmarshal(result.Nodes["p1"].Value, &p1))
	require.NoError(t, json.Unmarshal(result.Nodes["p2"].Value, &p2))
	require.NoError(t, json.Unmarshal(result.Nodes["total"].Value, &total))
	require.InDelta(t, p1+p2, total, 1e-9)
}

func TestRunOnLocalNode(t *testing.T) {
	o, cmd, buf := newTestCommand(t, "--cycles", "2", "--max-job-items", "2")
	require.NoError(t, o.run(context.Background(), cmd))

	results := decodeResults(t, buf)
	require.Len(t, results, 2)
	for _, result := range results {
		requirePortfolioResult(t, result)
	}
	require.NotEqual(t, results[0].RunID, results[1].RunID)
}

func TestRunOnRemoteNodes(t *testing.T) {
	var servers []*grpc.Server
	var nodes []*computenode.LocalNode
	var args []string
	ports, err := freeport.GetFreePorts(2)
	require.NoError(t, err)
	for i, id := range []string{"node-1", "node-2"} {
		lis, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", ports[i]))
		require.NoError(t, err)
		node := computenode.NewLocalNode(id, computenode.NewBuiltinLibrary(), 2, nil)
		server := computenode.NewGRPCServer(node)
		go func() {
			_ = server.Serve(lis)
		}()
		servers = append(servers, server)
		nodes = append(nodes, node)
		args = append(args, "--compute-nodes", id+"="+lis.Addr().String())
	}
	defer func() {
		for i := range servers {
			_ = nodes[i].Close()
			servers[i].Stop()
		}
	}()

	o, cmd, buf := newTestCommand(t, append(args, "--max-job-items", "1", "--max-concurrency", "1")...)
	require.Len(t, o.schedulerConfig.ComputeNodes, 2)
	require.NoError(t, o.run(context.Background(), cmd))

	results := decodeResults(t, buf)
	require.Len(t, results, 1)
	requirePortfolioResult(t, results[0])
	require.Equal(t, int64(5), nodes[0].Executed()+nodes[1].Executed())
}

func TestRunCancelled(t *testing.T) {
	o, cmd, buf := newTestCommand(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, o.run(ctx, cmd))

	results := decodeResults(t, buf)
	require.Len(t, results, 1)
	require.Equal(t, model.CycleCancelled, results[0].Status)
	require.Equal(t, 5, results[0].Count(model.NodeCancelled))
}

func writePlan(t *testing.T, params model.PartitionParams, cfg costmodel.Config) string {
	g, err := graph.Decode([]byte(testGraph))
	require.NoError(t, err)
	plan, err := planner.BuildPlan(context.Background(), g, params, costmodel.New(cfg, nil))
	require.NoError(t, err)
	data, err := model.EncodePlan(plan)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestRunWithPlanFile(t *testing.T) {
	o, cmd, buf := newTestCommand(t, "--max-job-items", "2")
	schedCfg := o.schedulerConfig.ToSchedulerConfig()
	o.planPath = writePlan(t, schedCfg.Params, schedCfg.CostModel)
	require.NoError(t, o.run(context.Background(), cmd))

	results := decodeResults(t, buf)
	require.Len(t, results, 1)
	requirePortfolioResult(t, results[0])

	// a plan built with other parameters is rejected
	o, cmd, _ = newTestCommand(t, "--max-job-items", "3")
	o.planPath = writePlan(t, schedCfg.Params, schedCfg.CostModel)
	err := o.run(context.Background(), cmd)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, cerrors.ErrPlanMismatch))
}

func TestRunInvalidCycles(t *testing.T) {
	o := newOptions()
	cmd := &cobra.Command{}
	o.addFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--graph", "graph.json", "--cycles", "0"}))
	require.Error(t, o.complete(cmd))
}
