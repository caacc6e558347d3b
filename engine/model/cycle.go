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
	"time"

	"github.com/goccy/go-json"
)

// NodeStatus is the outcome of a graph node in a computation cycle.
type NodeStatus string

// node statuses
const (
	// NodeSucceeded means the function produced a value.
	NodeSucceeded NodeStatus = "success"
	// NodeFailed means the function itself errored, or the job holding the
	// node failed terminally on the compute nodes.
	NodeFailed NodeStatus = "failed"
	// NodeMissing means a transitive dependency is failed or missing, or
	// the node was never dispatched.
	NodeMissing NodeStatus = "missing"
	// NodeCancelled means the cycle was cancelled before the node completed.
	NodeCancelled NodeStatus = "cancelled"
)

// NodeResult is the result of one graph node.
type NodeResult struct {
	Status NodeStatus      `json:"status"`
	Value  json.RawMessage `json:"value,omitempty"`
	Detail string          `json:"detail,omitempty"`
}

// CycleStatus is the terminal status of a computation cycle.
type CycleStatus string

// cycle statuses
const (
	CycleCompleted CycleStatus = "completed"
	CycleCancelled CycleStatus = "cancelled"
)

// CycleResult covers every node of the graph evaluated in one cycle.
type CycleResult struct {
	RunID    string                `json:"calculationRunId"`
	GraphID  string                `json:"graphId"`
	Status   CycleStatus           `json:"status"`
	Duration time.Duration         `json:"duration"`
	Nodes    map[NodeID]NodeResult `json:"nodes"`
	// Order lists the node ids in topological order of the graph.
	Order []NodeID `json:"order"`
}

// Count returns how many nodes have the given status.
func (r *CycleResult) Count(status NodeStatus) int {
	n := 0
	for _, res := range r.Nodes {
		if res.Status == status {
			n++
		}
	}
	return n
}
