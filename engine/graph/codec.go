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
	"github.com/goccy/go-json"
	"github.com/pingcap/errors"
	"github.com/pingcap/riskflow/engine/model"
	cerrors "github.com/pingcap/riskflow/pkg/errors"
)

// document is the JSON layout of a graph file.
type document struct {
	ID    string                 `json:"id"`
	Nodes []model.DependencyNode `json:"nodes"`
}

// Decode builds a DAG from its JSON document. The graph is checked to be
// acyclic and closed, i.e. every input refers to a node of the graph.
func Decode(data []byte) (*DAG, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Trace(err)
	}
	if doc.ID == "" {
		return nil, cerrors.ErrInvalidArgument.GenWithStackByArgs("graph id is empty")
	}
	g := NewDAG(doc.ID)
	for _, node := range doc.Nodes {
		if err := g.AddNode(node); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if _, err := g.TopologicalOrder(); err != nil {
		return nil, errors.Trace(err)
	}
	return g, nil
}

// Encode writes a graph as a JSON document accepted by Decode.
func Encode(g Graph) ([]byte, error) {
	doc := document{ID: g.Identity()}
	for _, node := range g.Nodes() {
		doc.Nodes = append(doc.Nodes, *node)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	return data, errors.Trace(err)
}
