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
	"time"

	"github.com/goccy/go-json"
)

// JobIndex is the position of a Job in its ExecutionPlan.
type JobIndex int

// JobItem is one node invocation inside a job. Inputs hold the resolved
// value references of the invocation, which are the ids of the producing
// nodes.
type JobItem struct {
	Node     NodeID            `json:"nodeId"`
	Function FunctionID        `json:"functionId"`
	Target   ComputationTarget `json:"target"`
	Inputs   []NodeID          `json:"inputs,omitempty"`
	Outputs  []string          `json:"outputs,omitempty"`
}

// NewJobItem creates the item invoking node.
func NewJobItem(node *DependencyNode) JobItem {
	return JobItem{
		Node:     node.ID,
		Function: node.Function,
		Target:   node.Target,
		Inputs:   node.Inputs,
		Outputs:  node.Outputs,
	}
}

// Job is an ordered batch of items executed as one unit on one compute node.
// Parents and Tails reference other jobs of the same plan by index.
type Job struct {
	Index         JobIndex      `json:"index"`
	Items         []JobItem     `json:"items"`
	EstimatedCost time.Duration `json:"estimatedCost"`
	Parents       []JobIndex    `json:"parents,omitempty"`
	Tails         []JobIndex    `json:"tails,omitempty"`
}

// InputValue carries the value of an input produced outside the job.
type InputValue struct {
	Node  NodeID          `json:"nodeId"`
	Value json.RawMessage `json:"value"`
}

// JobSpec is what is sent to a compute node.
type JobSpec struct {
	RunID string    `json:"calculationRunId"`
	Seq   int64     `json:"sequence"`
	Items []JobItem `json:"items"`
	// InputValues holds values of inputs computed by other jobs.
	InputValues []InputValue `json:"inputValues,omitempty"`
}

// ID returns a printable identity of the job in its calculation run.
func (s *JobSpec) ID() string {
	return fmt.Sprintf("%s/%d", s.RunID, s.Seq)
}

// ItemStatus is the outcome of one JobItem on a compute node.
type ItemStatus string

// item statuses
const (
	// ItemSucceeded means the function produced a value.
	ItemSucceeded ItemStatus = "success"
	// ItemFailed means the function raised an error. It is a legitimate
	// result and is never retried.
	ItemFailed ItemStatus = "failed"
	// ItemMissingInputs means the item was not invoked because an input
	// value was unavailable.
	ItemMissingInputs ItemStatus = "missing-inputs"
)

// JobResultItem is the result of one JobItem.
type JobResultItem struct {
	Node    NodeID          `json:"nodeId"`
	Status  ItemStatus      `json:"status"`
	Value   json.RawMessage `json:"value,omitempty"`
	Failure string          `json:"failure,omitempty"`
	// Duration is the measured execution time of the item, zero when the
	// compute node does not measure items individually.
	Duration time.Duration `json:"duration,omitempty"`
}

// JobResult is what a compute node returns for a JobSpec.
type JobResult struct {
	RunID         string          `json:"calculationRunId"`
	Seq           int64           `json:"sequence"`
	Duration      time.Duration   `json:"duration"`
	ComputeNodeID string          `json:"computeNodeId"`
	Items         []JobResultItem `json:"resultItems"`
}

// ID returns a printable identity of the job in its calculation run.
func (r *JobResult) ID() string {
	return fmt.Sprintf("%s/%d", r.RunID, r.Seq)
}
