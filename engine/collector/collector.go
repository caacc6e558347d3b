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
	"fmt"
	"sync"
	"time"

	"github.com/pingcap/riskflow/engine/model"
	"github.com/pingcap/riskflow/engine/pkg/clock"
	cerrors "github.com/pingcap/riskflow/pkg/errors"
	"go.uber.org/zap"
)

// CostModel is the part of the cost model the collector reads and feeds.
type CostModel interface {
	Estimate(fn model.FunctionID, tt model.TargetType) model.CostEstimate
	Record(fn model.FunctionID, tt model.TargetType, observed time.Duration)
}

type sample struct {
	item     *model.JobItem
	duration time.Duration
}

// Collector merges the job results of one computation cycle into a
// CycleResult and feeds observed item durations back into the cost model.
//
// A node ends up as
//   - success or failed when its item result was observed,
//   - missing when any input is failed or missing, whatever was observed
//     for the node itself, or when it was never computed,
//   - cancelled when its job was cancelled and no input failed.
type Collector struct {
	runID     string
	plan      *model.ExecutionPlan
	costModel CostModel
	metrics   *Metrics
	logger    *zap.Logger
	stopwatch clock.Stopwatch

	// items and order are derived from the plan and never change.
	items map[model.NodeID]*model.JobItem
	order []model.NodeID

	mu        sync.Mutex
	observed  map[model.JobIndex]struct{}
	cancelled map[model.JobIndex]struct{}
	recorded  map[model.NodeID]model.NodeResult
	reported  bool
}

// New creates the collector of one cycle running plan. costModel may be nil,
// then no durations are fed back.
func New(
	runID string,
	plan *model.ExecutionPlan,
	costModel CostModel,
	clk clock.Clock,
	metrics *Metrics,
	logger *zap.Logger,
) *Collector {
	clk = clock.OrNew(clk)
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.L()
	}
	c := &Collector{
		runID:     runID,
		plan:      plan,
		costModel: costModel,
		metrics:   metrics,
		logger:    logger.With(zap.String("run-id", runID), zap.String("graph-id", plan.GraphID)),
		stopwatch: clock.StartStopwatch(clk),
		items:     make(map[model.NodeID]*model.JobItem, plan.ItemCount),
		order:     make([]model.NodeID, 0, plan.ItemCount),
		observed:  make(map[model.JobIndex]struct{}),
		cancelled: make(map[model.JobIndex]struct{}),
		recorded:  make(map[model.NodeID]model.NodeResult, plan.ItemCount),
	}
	// Jobs are contiguous slices of the topological order, in job order.
	for i := range plan.Jobs {
		job := &plan.Jobs[i]
		for j := range job.Items {
			item := &job.Items[j]
			c.items[item.Node] = item
			c.order = append(c.order, item.Node)
		}
	}
	return c
}

// Observe merges the result of a job. Results of jobs already observed,
// failed or cancelled are ignored. An item of the job missing from the
// result is reported failed.
func (c *Collector) Observe(result *model.JobResult) error {
	if result == nil {
		return cerrors.ErrInvalidArgument.GenWithStackByArgs("empty job result")
	}
	if result.RunID != c.runID {
		return cerrors.ErrInvalidArgument.GenWithStackByArgs(
			fmt.Sprintf("result %s of another calculation run", result.ID()))
	}
	job := c.plan.Job(model.JobIndex(result.Seq))
	if job == nil {
		return cerrors.ErrInvalidArgument.GenWithStackByArgs(
			fmt.Sprintf("result %s of an unknown job", result.ID()))
	}

	c.mu.Lock()
	if c.isSettledLocked(job.Index) {
		c.mu.Unlock()
		c.logger.Warn("ignore result of a settled job",
			zap.String("job", result.ID()),
			zap.String("compute-node-id", result.ComputeNodeID))
		return nil
	}
	c.observed[job.Index] = struct{}{}

	inJob := make(map[model.NodeID]*model.JobItem, len(job.Items))
	for i := range job.Items {
		inJob[job.Items[i].Node] = &job.Items[i]
	}
	samples := make([]sample, 0, len(result.Items))
	measured := true
	for _, res := range result.Items {
		item, ok := inJob[res.Node]
		if !ok {
			c.logger.Warn("ignore result item not in job",
				zap.String("job", result.ID()),
				zap.String("node", string(res.Node)))
			continue
		}
		switch res.Status {
		case model.ItemSucceeded:
			c.recorded[res.Node] = model.NodeResult{Status: model.NodeSucceeded, Value: res.Value}
		case model.ItemFailed:
			c.recorded[res.Node] = model.NodeResult{Status: model.NodeFailed, Detail: res.Failure}
		default:
			c.recorded[res.Node] = model.NodeResult{Status: model.NodeMissing, Detail: res.Failure}
			// the function was not invoked
			continue
		}
		if res.Duration <= 0 {
			measured = false
		}
		samples = append(samples, sample{item: item, duration: res.Duration})
	}
	for i := range job.Items {
		id := job.Items[i].Node
		if _, ok := c.recorded[id]; !ok {
			c.recorded[id] = model.NodeResult{Status: model.NodeFailed, Detail: "no result item"}
		}
	}
	c.mu.Unlock()

	c.feedback(samples, measured, result.Duration)
	c.logger.Debug("job result observed",
		zap.String("job", result.ID()),
		zap.String("compute-node-id", result.ComputeNodeID),
		zap.Int("items", len(result.Items)),
		zap.Duration("duration", result.Duration))
	return nil
}

// feedback records item durations in the cost model. When the compute node
// did not measure every invoked item, the job duration is split across
// them in proportion to their current estimates, or evenly when no item
// has an estimate.
func (c *Collector) feedback(samples []sample, measured bool, jobDuration time.Duration) {
	if c.costModel == nil || len(samples) == 0 {
		return
	}
	if !measured {
		weights := make([]time.Duration, len(samples))
		var total time.Duration
		for i, s := range samples {
			weights[i] = c.costModel.Estimate(s.item.Function, s.item.Target.Type).Duration
			total += weights[i]
		}
		for i := range samples {
			if total > 0 {
				samples[i].duration = time.Duration(
					float64(jobDuration) * float64(weights[i]) / float64(total))
			} else {
				samples[i].duration = jobDuration / time.Duration(len(samples))
			}
		}
	}
	for _, s := range samples {
		c.costModel.Record(s.item.Function, s.item.Target.Type, s.duration)
	}
	c.metrics.costSamples.Add(float64(len(samples)))
}

// MarkJobFailed records that a job failed terminally on the compute nodes.
// Its items become failed. Its tails are never observed, so their items
// become missing.
func (c *Collector) MarkJobFailed(idx model.JobIndex, err error) {
	job := c.plan.Job(idx)
	if job == nil {
		return
	}
	detail := cerrors.ShortError(err)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isSettledLocked(idx) {
		return
	}
	c.observed[idx] = struct{}{}
	for _, item := range job.Items {
		c.recorded[item.Node] = model.NodeResult{Status: model.NodeFailed, Detail: detail}
	}
	c.logger.Warn("job failed",
		zap.Int("job-index", int(idx)),
		zap.Int("items", len(job.Items)),
		zap.String("error", detail))
}

// MarkJobCancelled records that a job was cancelled before its result was
// observed. Nothing is fed to the cost model for it.
func (c *Collector) MarkJobCancelled(idx model.JobIndex) {
	if c.plan.Job(idx) == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isSettledLocked(idx) {
		return
	}
	c.cancelled[idx] = struct{}{}
}

func (c *Collector) isSettledLocked(idx model.JobIndex) bool {
	if _, ok := c.observed[idx]; ok {
		return true
	}
	_, ok := c.cancelled[idx]
	return ok
}

// ResolveInputs returns the values of the inputs of job that are computed
// by other jobs and have succeeded.
func (c *Collector) ResolveInputs(job *model.Job) []model.InputValue {
	inJob := make(map[model.NodeID]struct{}, len(job.Items))
	for _, item := range job.Items {
		inJob[item.Node] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var values []model.InputValue
	seen := make(map[model.NodeID]struct{})
	for _, item := range job.Items {
		for _, input := range item.Inputs {
			if _, ok := inJob[input]; ok {
				continue
			}
			if _, ok := seen[input]; ok {
				continue
			}
			seen[input] = struct{}{}
			if res, ok := c.recorded[input]; ok && res.Status == model.NodeSucceeded {
				values = append(values, model.InputValue{Node: input, Value: res.Value})
			}
		}
	}
	return values
}

// Result builds the CycleResult covering every node of the plan. It can be
// called at any time, nodes of unfinished jobs are reported as missing.
func (c *Collector) Result() *model.CycleResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := &model.CycleResult{
		RunID:    c.runID,
		GraphID:  c.plan.GraphID,
		Status:   model.CycleCompleted,
		Duration: c.stopwatch.Elapsed(),
		Nodes:    make(map[model.NodeID]model.NodeResult, len(c.order)),
		Order:    append([]model.NodeID(nil), c.order...),
	}
	if len(c.cancelled) > 0 {
		result.Status = model.CycleCancelled
	}

	jobOf := make(map[model.NodeID]model.JobIndex, len(c.order))
	for i := range c.plan.Jobs {
		for _, item := range c.plan.Jobs[i].Items {
			jobOf[item.Node] = c.plan.Jobs[i].Index
		}
	}

	// Inputs precede their consumers in order, so a single pass makes
	// missing transitive.
	for _, id := range c.order {
		item := c.items[id]
		if detail, bad := c.upstreamFailure(item, result.Nodes); bad {
			result.Nodes[id] = model.NodeResult{Status: model.NodeMissing, Detail: detail}
			continue
		}
		if rec, ok := c.recorded[id]; ok {
			result.Nodes[id] = rec
			continue
		}
		if _, ok := c.cancelled[jobOf[id]]; ok {
			result.Nodes[id] = model.NodeResult{Status: model.NodeCancelled}
			continue
		}
		result.Nodes[id] = model.NodeResult{Status: model.NodeMissing, Detail: "not computed"}
	}

	if !c.reported {
		c.reported = true
		c.metrics.observeCycle(result)
		c.logger.Info("cycle result collected",
			zap.String("status", string(result.Status)),
			zap.Int("nodes", len(result.Nodes)),
			zap.Int("succeeded", result.Count(model.NodeSucceeded)),
			zap.Int("failed", result.Count(model.NodeFailed)),
			zap.Int("missing", result.Count(model.NodeMissing)),
			zap.Int("cancelled", result.Count(model.NodeCancelled)),
			zap.Duration("duration", result.Duration))
	}
	return result
}

func (c *Collector) upstreamFailure(
	item *model.JobItem, nodes map[model.NodeID]model.NodeResult,
) (string, bool) {
	for _, input := range item.Inputs {
		res, ok := nodes[input]
		if !ok {
			continue
		}
		switch res.Status {
		case model.NodeFailed:
			return fmt.Sprintf("input %s failed", input), true
		case model.NodeMissing:
			return fmt.Sprintf("input %s is missing", input), true
		}
	}
	return "", false
}
