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
	"testing"

	"github.com/pingcap/riskflow/engine/model"
	cerrors "github.com/pingcap/riskflow/pkg/errors"
	"github.com/stretchr/testify/require"
)

func node(id string, inputs ...string) model.DependencyNode {
	n := model.DependencyNode{
		ID:       model.NodeID(id),
		Function: "fn",
		Target:   model.ComputationTarget{Type: "SECURITY", ID: id},
	}
	for _, input := range inputs {
		n.Inputs = append(n.Inputs, model.NodeID(input))
	}
	return n
}

func TestTopologicalOrderKeepsInsertionOrder(t *testing.T) {
	t.Parallel()

	// c is added before its input a, siblings b and d keep their order.
	g := NewDAG("g1")
	g.MustAddNode(node("c", "a")).
		MustAddNode(node("b")).
		MustAddNode(node("a")).
		MustAddNode(node("d", "c", "b"))

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	require.Equal(t, []model.NodeID{"b", "a", "c", "d"}, order)

	// cached result is stable
	again, err := g.TopologicalOrder()
	require.NoError(t, err)
	require.Equal(t, order, again)
}

func TestTopologicalOrderDetectsCycle(t *testing.T) {
	t.Parallel()

	g := NewDAG("cyclic")
	g.MustAddNode(node("a", "c")).
		MustAddNode(node("b", "a")).
		MustAddNode(node("c", "b")).
		MustAddNode(node("x"))

	_, err := g.TopologicalOrder()
	require.True(t, cerrors.Is(err, cerrors.ErrCyclicGraph))
}

func TestUnknownInputAndDuplicate(t *testing.T) {
	t.Parallel()

	g := NewDAG("g")
	require.NoError(t, g.AddNode(node("a", "missing")))
	_, err := g.TopologicalOrder()
	require.True(t, cerrors.Is(err, cerrors.ErrUnknownNode))

	err = g.AddNode(node("a"))
	require.True(t, cerrors.Is(err, cerrors.ErrDuplicateNode))
}

func TestNodeLookup(t *testing.T) {
	t.Parallel()

	g := NewDAG("g")
	g.MustAddNode(node("a")).MustAddNode(node("b", "a"))
	n, ok := g.Node("b")
	require.True(t, ok)
	require.Equal(t, []model.NodeID{"a"}, n.Inputs)
	_, ok = g.Node("z")
	require.False(t, ok)
	require.Equal(t, 2, g.Len())
	require.Len(t, g.Nodes(), 2)
}

func TestDecode(t *testing.T) {
	t.Parallel()

	data := []byte(`{
  "id": "portfolio-1",
  "nodes": [
    {"id": "pv", "function": "PresentValue", "target": {"type": "SECURITY", "id": "BOND-1"}},
    {"id": "sum", "function": "Sum", "target": {"type": "PORTFOLIO_NODE", "id": "P1"}, "inputs": ["pv"]}
  ]
}`)
	g, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, "portfolio-1", g.Identity())
	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	require.Equal(t, []model.NodeID{"pv", "sum"}, order)

	encoded, err := Encode(g)
	require.NoError(t, err)
	again, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, g.Nodes(), again.Nodes())

	_, err = Decode([]byte(`{"nodes": []}`))
	require.True(t, cerrors.Is(err, cerrors.ErrInvalidArgument))
	_, err = Decode([]byte(`{"id": "c", "nodes": [{"id": "a", "inputs": ["a"]}]}`))
	require.True(t, cerrors.Is(err, cerrors.ErrCyclicGraph))
}
