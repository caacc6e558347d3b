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

package model

import (
	"fmt"
	"math"
	"time"

	cerrors "github.com/pingcap/riskflow/pkg/errors"
)

// default partitioning parameters
const (
	DefaultMinJobItems    = 1
	DefaultMaxJobItems    = math.MaxInt
	DefaultMinJobCost     = time.Duration(1)
	DefaultMaxJobCost     = time.Duration(math.MaxInt64)
	DefaultMaxConcurrency = math.MaxInt
)

// CostEstimate is the expected execution cost of one invocation of a
// function on a target type. Cost is measured as execution duration.
type CostEstimate struct {
	Duration    time.Duration `json:"duration"`
	Invocations int64         `json:"invocations"`
}

// PartitionParams are the parameters a plan is built under. The struct is
// comparable and is used verbatim as the parameter signature of a plan.
type PartitionParams struct {
	MinItems int           `json:"minItems"`
	MaxItems int           `json:"maxItems"`
	MinCost  time.Duration `json:"minCost"`
	MaxCost  time.Duration `json:"maxCost"`
	// MaxConcurrency bounds the jobs streamed to a single compute node
	// connection at the same time. It is recorded on the plan and enforced
	// by the dispatcher over all of its cycles.
	MaxConcurrency int `json:"maxConcurrency"`
}

// DefaultPartitionParams returns the parameters used when nothing is configured.
func DefaultPartitionParams() PartitionParams {
	return PartitionParams{
		MinItems:       DefaultMinJobItems,
		MaxItems:       DefaultMaxJobItems,
		MinCost:        DefaultMinJobCost,
		MaxCost:        DefaultMaxJobCost,
		MaxConcurrency: DefaultMaxConcurrency,
	}
}

// Validate checks the bounds are consistent.
func (p PartitionParams) Validate() error {
	switch {
	case p.MinItems < 0:
		return cerrors.ErrInvalidConfiguration.GenWithStackByArgs(
			fmt.Sprintf("minimum job items %d is negative", p.MinItems))
	case p.MaxItems < 1:
		return cerrors.ErrInvalidConfiguration.GenWithStackByArgs(
			fmt.Sprintf("maximum job items %d is less than 1", p.MaxItems))
	case p.MinItems > p.MaxItems:
		return cerrors.ErrInvalidConfiguration.GenWithStackByArgs(
			fmt.Sprintf("minimum job items %d exceeds maximum %d", p.MinItems, p.MaxItems))
	case p.MinCost < 0:
		return cerrors.ErrInvalidConfiguration.GenWithStackByArgs(
			fmt.Sprintf("minimum job cost %s is negative", p.MinCost))
	case p.MaxCost <= 0:
		return cerrors.ErrInvalidConfiguration.GenWithStackByArgs(
			fmt.Sprintf("maximum job cost %s is not positive", p.MaxCost))
	case p.MinCost > p.MaxCost:
		return cerrors.ErrInvalidConfiguration.GenWithStackByArgs(
			fmt.Sprintf("minimum job cost %s exceeds maximum %s", p.MinCost, p.MaxCost))
	case p.MaxConcurrency < 1:
		return cerrors.ErrInvalidConfiguration.GenWithStackByArgs(
			fmt.Sprintf("maximum concurrency %d is less than 1", p.MaxConcurrency))
	}
	return nil
}

// String returns the parameter signature in a printable form.
func (p PartitionParams) String() string {
	return fmt.Sprintf("items=[%d,%d] cost=[%d,%d] concurrency=%d",
		p.MinItems, p.MaxItems, p.MinCost, p.MaxCost, p.MaxConcurrency)
}

// ExecutionPlan is the partitioning of one dependency graph into jobs.
// Jobs is an arena: relationships between jobs are index lists, and a
// parent always has a smaller index than its tails. A plan is immutable
// once built and may be shared by concurrent cycles.
type ExecutionPlan struct {
	GraphID   string          `json:"graphId"`
	Params    PartitionParams `json:"params"`
	Jobs      []Job           `json:"jobs"`
	Roots     []JobIndex      `json:"roots"`
	ItemCount int             `json:"itemCount"`
}

// MaxConcurrency returns the per connection in-flight bound of the plan.
func (p *ExecutionPlan) MaxConcurrency() int {
	return p.Params.MaxConcurrency
}

// Job returns the job at idx, or nil if there is no such job.
func (p *ExecutionPlan) Job(idx JobIndex) *Job {
	if idx < 0 || int(idx) >= len(p.Jobs) {
		return nil
	}
	return &p.Jobs[idx]
}

// NewJobSpec builds what is sent to a compute node for the job at idx.
func (p *ExecutionPlan) NewJobSpec(runID string, idx JobIndex) *JobSpec {
	return &JobSpec{
		RunID: runID,
		Seq:   int64(idx),
		Items: p.Jobs[idx].Items,
	}
}

// Validate checks the structural invariants of the plan.
func (p *ExecutionPlan) Validate() error {
	seen := make(map[NodeID]struct{}, p.ItemCount)
	var roots []JobIndex
	for i := range p.Jobs {
		job := &p.Jobs[i]
		if job.Index != JobIndex(i) {
			return cerrors.ErrPlanCorrupted.GenWithStackByArgs(
				fmt.Sprintf("job at %d has index %d", i, job.Index))
		}
		if len(job.Items) == 0 {
			return cerrors.ErrPlanCorrupted.GenWithStackByArgs(
				fmt.Sprintf("job %d is empty", i))
		}
		for _, item := range job.Items {
			if _, ok := seen[item.Node]; ok {
				return cerrors.ErrPlanCorrupted.GenWithStackByArgs(
					fmt.Sprintf("node %s is planned twice", item.Node))
			}
			seen[item.Node] = struct{}{}
		}
		if len(job.Parents) == 0 {
			roots = append(roots, job.Index)
		}
		for _, parent := range job.Parents {
			if parent < 0 || parent >= job.Index {
				return cerrors.ErrPlanCorrupted.GenWithStackByArgs(
					fmt.Sprintf("job %d has invalid parent %d", i, parent))
			}
			if !containsIndex(p.Jobs[parent].Tails, job.Index) {
				return cerrors.ErrPlanCorrupted.GenWithStackByArgs(
					fmt.Sprintf("job %d is not a tail of its parent %d", i, parent))
			}
		}
		for _, tail := range job.Tails {
			if tail <= job.Index || int(tail) >= len(p.Jobs) {
				return cerrors.ErrPlanCorrupted.GenWithStackByArgs(
					fmt.Sprintf("job %d has invalid tail %d", i, tail))
			}
			if !containsIndex(p.Jobs[tail].Parents, job.Index) {
				return cerrors.ErrPlanCorrupted.GenWithStackByArgs(
					fmt.Sprintf("job %d is not a parent of its tail %d", i, tail))
			}
		}
	}
	if len(seen) != p.ItemCount {
		return cerrors.ErrPlanCorrupted.GenWithStackByArgs(
			fmt.Sprintf("plan holds %d items, expected %d", len(seen), p.ItemCount))
	}
	if len(roots) != len(p.Roots) {
		return cerrors.ErrPlanCorrupted.GenWithStackByArgs("roots do not match parentless jobs")
	}
	for i := range roots {
		if roots[i] != p.Roots[i] {
			return cerrors.ErrPlanCorrupted.GenWithStackByArgs("roots do not match parentless jobs")
		}
	}
	return nil
}

func containsIndex(indexes []JobIndex, target JobIndex) bool {
	for _, idx := range indexes {
		if idx == target {
			return true
		}
	}
	return false
}
