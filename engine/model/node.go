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

// NodeID identifies one DependencyNode within a graph.
type NodeID string

// FunctionID identifies the function a node invokes.
type FunctionID string

// TargetType is the kind of entity a function computes over, e.g. SECURITY
// or PORTFOLIO_NODE. Cost estimates are kept per (FunctionID, TargetType).
type TargetType string

// ComputationTarget is the entity a node computes over.
type ComputationTarget struct {
	Type TargetType `json:"type"`
	ID   string     `json:"id"`
}

// String implements fmt.Stringer.
func (t ComputationTarget) String() string {
	return string(t.Type) + "~" + t.ID
}

// DependencyNode is one function invocation in a dependency graph. Inputs
// are the nodes whose output values the invocation consumes, so every
// input is an edge of the graph. A node is immutable once added to a graph.
type DependencyNode struct {
	ID       NodeID            `json:"id"`
	Function FunctionID        `json:"function"`
	Target   ComputationTarget `json:"target"`
	Inputs   []NodeID          `json:"inputs,omitempty"`
	// Outputs names the values the invocation is expected to produce.
	Outputs []string `json:"outputs,omitempty"`
}
