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

package graph

import (
	"sync"

	"github.com/google/btree"
	"github.com/pingcap/riskflow/engine/model"
	cerrors "github.com/pingcap/riskflow/pkg/errors"
)

// Graph is a read-only dependency graph of function invocations.
type Graph interface {
	// Identity distinguishes graphs for plan caching. Two graphs with the
	// same identity must have the same structure.
	Identity() string
	// Len returns the number of nodes.
	Len() int
	// Node looks a node up by id.
	Node(id model.NodeID) (*model.DependencyNode, bool)
	// Nodes returns the nodes in the order they were added.
	Nodes() []*model.DependencyNode
	// TopologicalOrder returns every node id so that each node comes after
	// all of its inputs. Among nodes with no mutual dependency the order
	// they were added is kept. It fails with ErrCyclicGraph when the graph
	// is not acyclic.
	TopologicalOrder() ([]model.NodeID, error)
}

// DAG is the in-memory Graph.
type DAG struct {
	identity string

	mu    sync.RWMutex
	nodes []*model.DependencyNode
	index map[model.NodeID]int
	order []model.NodeID
}

// NewDAG creates an empty graph.
func NewDAG(identity string) *DAG {
	return &DAG{
		identity: identity,
		index:    make(map[model.NodeID]int),
	}
}

// AddNode appends a node. Inputs may refer to nodes added later.
func (g *DAG) AddNode(node model.DependencyNode) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.index[node.ID]; ok {
		return cerrors.ErrDuplicateNode.GenWithStackByArgs(node.ID)
	}
	n := node
	n.Inputs = append([]model.NodeID(nil), node.Inputs...)
	n.Outputs = append([]string(nil), node.Outputs...)
	g.index[n.ID] = len(g.nodes)
	g.nodes = append(g.nodes, &n)
	g.order = nil
	return nil
}

// MustAddNode is AddNode that panics on error, for building fixed graphs.
func (g *DAG) MustAddNode(node model.DependencyNode) *DAG {
	if err := g.AddNode(node); err != nil {
		panic(err)
	}
	return g
}

// Identity implements Graph.
func (g *DAG) Identity() string {
	return g.identity
}

// Len implements Graph.
func (g *DAG) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Node implements Graph.
func (g *DAG) Node(id model.NodeID) (*model.DependencyNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.nodes[idx], true
}

// Nodes implements Graph.
func (g *DAG) Nodes() []*model.DependencyNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*model.DependencyNode(nil), g.nodes...)
}

// TopologicalOrder implements Graph.
func (g *DAG) TopologicalOrder() ([]model.NodeID, error) {
	g.mu.RLock()
	if g.order != nil {
		order := g.order
		g.mu.RUnlock()
		return order, nil
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.order != nil {
		return g.order, nil
	}
	order, err := g.sortLocked()
	if err != nil {
		return nil, err
	}
	g.order = order
	return order, nil
}

// sortLocked is Kahn's algorithm where the ready set is ordered by
// insertion position, so the result is deterministic.
func (g *DAG) sortLocked() ([]model.NodeID, error) {
	indegree := make([]int, len(g.nodes))
	dependents := make([][]int, len(g.nodes))
	for i, node := range g.nodes {
		for _, input := range node.Inputs {
			j, ok := g.index[input]
			if !ok {
				return nil, cerrors.ErrUnknownNode.GenWithStackByArgs(node.ID, input)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	ready := btree.NewOrderedG[int](8)
	for i, d := range indegree {
		if d == 0 {
			ready.ReplaceOrInsert(i)
		}
	}

	order := make([]model.NodeID, 0, len(g.nodes))
	for ready.Len() > 0 {
		i, _ := ready.DeleteMin()
		order = append(order, g.nodes[i].ID)
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				ready.ReplaceOrInsert(j)
			}
		}
	}

	if len(order) != len(g.nodes) {
		for i, d := range indegree {
			if d > 0 {
				return nil, cerrors.ErrCyclicGraph.GenWithStackByArgs(g.identity, g.nodes[i].ID)
			}
		}
	}
	return order, nil
}
