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
package collector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/pingcap/errors"
	"github.com/pingcap/riskflow/engine/graph"
	"github.com/pingcap/riskflow/engine/model"
	"github.com/pingcap/riskflow/engine/pkg/clock"
	"github.com/pingcap/riskflow/engine/planner"
	cerrors "github.com/pingcap/riskflow/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeCostModel struct {
	mu        sync.Mutex
	estimates map[model.FunctionID]time.Duration
	records   map[model.FunctionID][]time.Duration
}

func newFakeCostModel() *fakeCostModel {
	return &fakeCostModel{
		estimates: make(map[model.FunctionID]time.Duration),
		records:   make(map[model.FunctionID][]time.Duration),
	}
}

func (m *fakeCostModel) Estimate(fn model.FunctionID, _ model.TargetType) model.CostEstimate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.CostEstimate{Duration: m.estimates[fn]}
}

func (m *fakeCostModel) Record(fn model.FunctionID, _ model.TargetType, observed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[fn] = append(m.records[fn], observed)
}

func (m *fakeCostModel) recorded() map[model.FunctionID][]time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make(map[model.FunctionID][]time.Duration, len(m.records))
	for k, v := range m.records {
		ret[k] = append([]time.Duration(nil), v...)
	}
	return ret
}

// node creates a node whose function is named after the node.
func node(id string, inputs ...string) model.DependencyNode {
	n := model.DependencyNode{
		ID:       model.NodeID(id),
		Function: model.FunctionID("fn-" + id),
		Target:   model.ComputationTarget{Type: "SECURITY", ID: id},
	}
	for _, input := range inputs {
		n.Inputs = append(n.Inputs, model.NodeID(input))
	}
	return n
}

func buildPlan(t *testing.T, g graph.Graph, maxItems int) *model.ExecutionPlan {
	params := model.DefaultPartitionParams()
	params.MaxItems = maxItems
	plan, err := planner.BuildPlan(context.Background(), g, params, newFakeCostModel())
	require.NoError(t, err)
	return plan
}

func jobOf(t *testing.T, plan *model.ExecutionPlan, id model.NodeID) model.JobIndex {
	for _, job := range plan.Jobs {
		for _, item := range job.Items {
			if item.Node == id {
				return job.Index
			}
		}
	}
	require.FailNow(t, "node not planned", "%s", id)
	return -1
}

func succeeded(id string, value float64) model.JobResultItem {
	data, _ := json.Marshal(value)
	return model.JobResultItem{Node: model.NodeID(id), Status: model.ItemSucceeded, Value: data}
}

func failed(id string, detail string) model.JobResultItem {
	return model.JobResultItem{Node: model.NodeID(id), Status: model.ItemFailed, Failure: detail}
}

func jobResult(runID string, idx model.JobIndex, items ...model.JobResultItem) *model.JobResult {
	return &model.JobResult{
		RunID:         runID,
		Seq:           int64(idx),
		Duration:      10 * time.Millisecond,
		ComputeNodeID: "node-1",
		Items:         items,
	}
}

func statuses(result *model.CycleResult) map[model.NodeID]model.NodeStatus {
	ret := make(map[model.NodeID]model.NodeStatus, len(result.Nodes))
	for id, res := range result.Nodes {
		ret[id] = res.Status
	}
	return ret
}

func TestChainFailurePropagates(t *testing.T) {
	t.Parallel()

	g := graph.NewDAG("chain").
		MustAddNode(node("A")).
		MustAddNode(node("B", "A")).
		MustAddNode(node("C", "B"))
	plan := buildPlan(t, g, 1)
	require.Len(t, plan.Jobs, 3)

	c := New("run-1", plan, nil, nil, nil, nil)
	c.MarkJobFailed(jobOf(t, plan, "A"), cerrors.ErrNodeUnavailable.GenWithStackByArgs("node-1"))

	result := c.Result()
	require.Equal(t, model.CycleCompleted, result.Status)
	require.Equal(t, []model.NodeID{"A", "B", "C"}, result.Order)
	require.Equal(t, map[model.NodeID]model.NodeStatus{
		"A": model.NodeFailed,
		"B": model.NodeMissing,
		"C": model.NodeMissing,
	}, statuses(result))
	require.Contains(t, result.Nodes["A"].Detail, "node-1")
	require.Equal(t, "input A failed", result.Nodes["B"].Detail)
	require.Equal(t, "input B is missing", result.Nodes["C"].Detail)
}

func TestMissingIsTransitive(t *testing.T) {
	t.Parallel()

	// a, b -> c -> d -> f and e independent; f also reads e
	g := graph.NewDAG("fan-in").
		MustAddNode(node("a")).
		MustAddNode(node("b")).
		MustAddNode(node("c", "a", "b")).
		MustAddNode(node("d", "c")).
		MustAddNode(node("e")).
		MustAddNode(node("f", "d", "e"))
	plan := buildPlan(t, g, 1)

	c := New("run-1", plan, nil, nil, nil, nil)
	observe := func(items ...model.JobResultItem) {
		idx := jobOf(t, plan, items[0].Node)
		require.NoError(t, c.Observe(jobResult("run-1", idx, items...)))
	}
	observe(succeeded("a", 1))
	observe(failed("b", "division by zero"))
	observe(succeeded("e", 2))
	// a compute node that computed d anyway does not hide the failure of b
	observe(succeeded("d", 3))

	result := c.Result()
	require.Equal(t, map[model.NodeID]model.NodeStatus{
		"a": model.NodeSucceeded,
		"b": model.NodeFailed,
		"c": model.NodeMissing,
		"d": model.NodeMissing,
		"e": model.NodeSucceeded,
		"f": model.NodeMissing,
	}, statuses(result))
	require.Equal(t, "division by zero", result.Nodes["b"].Detail)
	require.JSONEq(t, "2", string(result.Nodes["e"].Value))
	require.Len(t, result.Nodes, g.Len())
}

func TestUnobservedNodesAreMissing(t *testing.T) {
	t.Parallel()

	g := graph.NewDAG("partial").
		MustAddNode(node("a")).
		MustAddNode(node("b"))
	plan := buildPlan(t, g, 1)
	c := New("run-1", plan, nil, nil, nil, nil)
	require.NoError(t, c.Observe(jobResult("run-1", jobOf(t, plan, "a"), succeeded("a", 1))))

	result := c.Result()
	require.Equal(t, model.NodeSucceeded, result.Nodes["a"].Status)
	require.Equal(t, model.NodeResult{Status: model.NodeMissing, Detail: "not computed"}, result.Nodes["b"])
}

func TestMissingInputsItem(t *testing.T) {
	t.Parallel()

	g := graph.NewDAG("missing-inputs").
		MustAddNode(node("a")).
		MustAddNode(node("b", "a"))
	plan := buildPlan(t, g, 10)
	require.Len(t, plan.Jobs, 1)

	c := New("run-1", plan, nil, nil, nil, nil)
	require.NoError(t, c.Observe(jobResult("run-1", 0,
		succeeded("a", 1),
		model.JobResultItem{Node: "b", Status: model.ItemMissingInputs, Failure: "input a is unavailable"})))

	result := c.Result()
	require.Equal(t, model.NodeSucceeded, result.Nodes["a"].Status)
	require.Equal(t, model.NodeMissing, result.Nodes["b"].Status)
}

func TestObserveIncompleteResult(t *testing.T) {
	t.Parallel()

	g := graph.NewDAG("incomplete").
		MustAddNode(node("a")).
		MustAddNode(node("b")).
		MustAddNode(node("c", "b"))
	plan := buildPlan(t, g, 10)
	require.Len(t, plan.Jobs, 1)

	c := New("run-1", plan, nil, nil, nil, nil)
	require.True(t, cerrors.Is(c.Observe(nil), cerrors.ErrInvalidArgument))
	require.NoError(t, c.Observe(jobResult("run-1", 0, succeeded("a", 1))))

	result := c.Result()
	require.Equal(t, map[model.NodeID]model.NodeStatus{
		"a": model.NodeSucceeded,
		"b": model.NodeFailed,
		"c": model.NodeMissing,
	}, statuses(result))
	require.Equal(t, "no result item", result.Nodes["b"].Detail)
	require.Equal(t, "input b failed", result.Nodes["c"].Detail)
}

func TestCancelledJobs(t *testing.T) {
	t.Parallel()

	g := graph.NewDAG("cancel").
		MustAddNode(node("a")).
		MustAddNode(node("b")).
		MustAddNode(node("c", "a")).
		MustAddNode(node("d", "b"))
	plan := buildPlan(t, g, 1)
	costModel := newFakeCostModel()

	c := New("run-1", plan, costModel, nil, nil, nil)
	require.NoError(t, c.Observe(jobResult("run-1", jobOf(t, plan, "a"), succeeded("a", 1))))
	c.MarkJobFailed(jobOf(t, plan, "b"), errors.New("connection reset"))
	c.MarkJobCancelled(jobOf(t, plan, "c"))
	c.MarkJobCancelled(jobOf(t, plan, "d"))
	// settled jobs stay as they are
	c.MarkJobCancelled(jobOf(t, plan, "a"))

	// late results of cancelled jobs are ignored
	require.NoError(t, c.Observe(jobResult("run-1", jobOf(t, plan, "c"), succeeded("c", 2))))

	result := c.Result()
	require.Equal(t, model.CycleCancelled, result.Status)
	require.Equal(t, map[model.NodeID]model.NodeStatus{
		"a": model.NodeSucceeded,
		"b": model.NodeFailed,
		"c": model.NodeCancelled,
		"d": model.NodeMissing,
	}, statuses(result))

	recorded := costModel.recorded()
	require.Len(t, recorded, 1)
	require.Len(t, recorded["fn-a"], 1)
}

func TestObserveRejectsForeignResults(t *testing.T) {
	t.Parallel()

	g := graph.NewDAG("foreign").MustAddNode(node("a"))
	plan := buildPlan(t, g, 1)
	c := New("run-1", plan, nil, nil, nil, nil)

	err := c.Observe(jobResult("run-2", 0, succeeded("a", 1)))
	require.True(t, cerrors.Is(err, cerrors.ErrInvalidArgument))
	err = c.Observe(jobResult("run-1", 5, succeeded("a", 1)))
	require.True(t, cerrors.Is(err, cerrors.ErrInvalidArgument))

	// items outside the job are dropped
	require.NoError(t, c.Observe(jobResult("run-1", 0, succeeded("a", 1), succeeded("zz", 2))))
	require.NotContains(t, c.Result().Nodes, model.NodeID("zz"))

	// the first result of a job wins
	require.NoError(t, c.Observe(jobResult("run-1", 0, failed("a", "late"))))
	require.Equal(t, model.NodeSucceeded, c.Result().Nodes["a"].Status)
}

func TestDurationFeedback(t *testing.T) {
	t.Parallel()

	g := graph.NewDAG("feedback").
		MustAddNode(node("x")).
		MustAddNode(node("y", "x")).
		MustAddNode(node("z"))

	newResult := func(xd, yd time.Duration) *model.JobResult {
		x, y := succeeded("x", 1), failed("y", "boom")
		x.Duration, y.Duration = xd, yd
		res := jobResult("run-1", 0, x, y,
			model.JobResultItem{Node: "z", Status: model.ItemMissingInputs})
		res.Duration = 90 * time.Millisecond
		return res
	}

	t.Run("measured", func(t *testing.T) {
		costModel := newFakeCostModel()
		plan := buildPlan(t, g, 10)
		c := New("run-1", plan, costModel, nil, nil, nil)
		require.NoError(t, c.Observe(newResult(5*time.Millisecond, 7*time.Millisecond)))
		require.Equal(t, map[model.FunctionID][]time.Duration{
			"fn-x": {5 * time.Millisecond},
			"fn-y": {7 * time.Millisecond},
		}, costModel.recorded())
	})

	t.Run("proportional", func(t *testing.T) {
		costModel := newFakeCostModel()
		costModel.estimates["fn-x"] = 10 * time.Millisecond
		costModel.estimates["fn-y"] = 20 * time.Millisecond
		costModel.estimates["fn-z"] = 1000 * time.Millisecond
		plan := buildPlan(t, g, 10)
		c := New("run-1", plan, costModel, nil, nil, nil)
		require.NoError(t, c.Observe(newResult(0, 7*time.Millisecond)))
		require.Equal(t, map[model.FunctionID][]time.Duration{
			"fn-x": {30 * time.Millisecond},
			"fn-y": {60 * time.Millisecond},
		}, costModel.recorded())
	})

	t.Run("uniform", func(t *testing.T) {
		costModel := newFakeCostModel()
		plan := buildPlan(t, g, 10)
		c := New("run-1", plan, costModel, nil, nil, nil)
		require.NoError(t, c.Observe(newResult(0, 0)))
		require.Equal(t, map[model.FunctionID][]time.Duration{
			"fn-x": {45 * time.Millisecond},
			"fn-y": {45 * time.Millisecond},
		}, costModel.recorded())
	})
}

func TestResolveInputs(t *testing.T) {
	t.Parallel()

	g := graph.NewDAG("inputs").
		MustAddNode(node("a")).
		MustAddNode(node("b")).
		MustAddNode(node("c", "a", "b")).
		MustAddNode(node("d", "c", "a"))
	plan := buildPlan(t, g, 1)
	c := New("run-1", plan, nil, nil, nil, nil)

	require.NoError(t, c.Observe(jobResult("run-1", jobOf(t, plan, "a"), succeeded("a", 1.5))))
	require.NoError(t, c.Observe(jobResult("run-1", jobOf(t, plan, "b"), failed("b", "boom"))))

	values := c.ResolveInputs(plan.Job(jobOf(t, plan, "c")))
	require.Equal(t, []model.InputValue{{Node: "a", Value: json.RawMessage("1.5")}}, values)

	merged := &model.Job{Items: []model.JobItem{
		model.NewJobItem(&model.DependencyNode{ID: "c", Inputs: []model.NodeID{"a", "b"}}),
		model.NewJobItem(&model.DependencyNode{ID: "d", Inputs: []model.NodeID{"c", "a"}}),
	}}
	values = c.ResolveInputs(merged)
	require.Equal(t, []model.InputValue{{Node: "a", Value: json.RawMessage("1.5")}}, values)
}

func TestResultDuration(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	g := graph.NewDAG("duration").MustAddNode(node("a"))
	plan := buildPlan(t, g, 1)
	c := New("run-1", plan, nil, clk, nil, nil)
	clk.Add(3 * time.Second)
	require.Equal(t, 3*time.Second, c.Result().Duration)
}
