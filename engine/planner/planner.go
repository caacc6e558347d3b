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

package planner

import (
	"context"
	"sort"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/riskflow/engine/graph"
	"github.com/pingcap/riskflow/engine/model"
	cerrors "github.com/pingcap/riskflow/pkg/errors"
	"go.uber.org/zap"
)

// Estimator provides the expected cost of a node invocation.
type Estimator interface {
	Estimate(fn model.FunctionID, tt model.TargetType) model.CostEstimate
}

// jobBuilder accumulates the job currently being filled.
type jobBuilder struct {
	index   model.JobIndex
	items   []model.JobItem
	cost    time.Duration
	parents map[model.JobIndex]struct{}
}

func newJobBuilder(index model.JobIndex) *jobBuilder {
	return &jobBuilder{
		index:   index,
		parents: make(map[model.JobIndex]struct{}),
	}
}

func (b *jobBuilder) belowMinimum(params model.PartitionParams) bool {
	return len(b.items) < params.MinItems || b.cost < params.MinCost
}

// BuildPlan partitions g into jobs. Nodes are visited in topological order
// and appended greedily to the open job while the job stays within the
// maximum item count and cost. The open job is closed when the next node
// would exceed a maximum, or when one of its inputs is produced by a job
// the open job does not already wait for. In the latter case a job below
// the minimum items or cost is kept open and made to wait for the
// producing job as well, as long as no maximum is violated.
//
// Every job lists the jobs producing its inputs as parents, and is a tail
// of each of them. The plan only depends on the graph, the parameters and
// the estimates, so it is deterministic.
func BuildPlan(
	ctx context.Context, g graph.Graph, params model.PartitionParams, estimator Estimator,
) (*model.ExecutionPlan, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, errors.Trace(err)
	}

	plan := &model.ExecutionPlan{
		GraphID: g.Identity(),
		Params:  params,
	}
	// jobOf holds the job of every placed node, the open job included.
	jobOf := make(map[model.NodeID]model.JobIndex, len(order))
	var current *jobBuilder

	closeJob := func() {
		if current == nil || len(current.items) == 0 {
			return
		}
		job := model.Job{
			Index:         current.index,
			Items:         current.items,
			EstimatedCost: current.cost,
			Parents:       sortedIndexes(current.parents),
		}
		plan.Jobs = append(plan.Jobs, job)
		current = nil
	}

	for i, id := range order {
		if i%1024 == 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Trace(ctx.Err())
			default:
			}
		}

		node, ok := g.Node(id)
		if !ok {
			return nil, cerrors.ErrUnknownNode.GenWithStackByArgs(id, id)
		}
		cost := estimator.Estimate(node.Function, node.Target.Type).Duration
		if cost < 0 {
			cost = 0
		}

		producers := make(map[model.JobIndex]struct{}, len(node.Inputs))
		for _, input := range node.Inputs {
			producer, ok := jobOf[input]
			if !ok {
				// the topological order guarantees inputs are placed first
				return nil, cerrors.ErrCyclicGraph.GenWithStackByArgs(g.Identity(), id)
			}
			producers[producer] = struct{}{}
		}

		if current != nil {
			exceeds := len(current.items)+1 > params.MaxItems ||
				current.cost > params.MaxCost-cost
			unsatisfied := false
			for producer := range producers {
				if producer == current.index {
					continue
				}
				if _, ok := current.parents[producer]; !ok {
					unsatisfied = true
					break
				}
			}
			if exceeds || (unsatisfied && !current.belowMinimum(params)) {
				closeJob()
			}
		}

		if current == nil {
			current = newJobBuilder(model.JobIndex(len(plan.Jobs)))
		}
		for producer := range producers {
			if producer != current.index {
				current.parents[producer] = struct{}{}
			}
		}
		current.items = append(current.items, model.NewJobItem(node))
		current.cost += cost
		jobOf[id] = current.index
	}
	closeJob()

	for i := range plan.Jobs {
		job := &plan.Jobs[i]
		if len(job.Parents) == 0 {
			plan.Roots = append(plan.Roots, job.Index)
		}
		for _, parent := range job.Parents {
			plan.Jobs[parent].Tails = append(plan.Jobs[parent].Tails, job.Index)
		}
	}
	plan.ItemCount = len(order)

	log.Debug("execution plan built",
		zap.String("graph-id", plan.GraphID),
		zap.Stringer("params", params),
		zap.Int("items", plan.ItemCount),
		zap.Int("jobs", len(plan.Jobs)),
		zap.Int("roots", len(plan.Roots)))
	return plan, nil
}

func sortedIndexes(set map[model.JobIndex]struct{}) []model.JobIndex {
	if len(set) == 0 {
		return nil
	}
	ret := make([]model.JobIndex, 0, len(set))
	for idx := range set {
		ret = append(ret, idx)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}
