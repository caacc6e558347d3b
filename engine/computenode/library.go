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

package computenode

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/riskflow/engine/model"
)

// Function computes the value of one node from its target and input values.
// inputs follow the order of the node inputs. Values cross the wire as
// JSON, so numbers arrive as float64.
type Function func(ctx context.Context, target model.ComputationTarget, inputs []any) (any, error)

// FunctionLibrary resolves function identities to implementations.
type FunctionLibrary interface {
	Lookup(fn model.FunctionID) (Function, bool)
}

// MapLibrary is a FunctionLibrary backed by a map.
type MapLibrary struct {
	mu    sync.RWMutex
	funcs map[model.FunctionID]Function
}

// NewMapLibrary creates an empty library.
func NewMapLibrary() *MapLibrary {
	return &MapLibrary{funcs: make(map[model.FunctionID]Function)}
}

// Register adds or replaces a function.
func (l *MapLibrary) Register(id model.FunctionID, fn Function) *MapLibrary {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.funcs[id] = fn
	return l
}

// Lookup implements FunctionLibrary.
func (l *MapLibrary) Lookup(id model.FunctionID) (Function, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn, ok := l.funcs[id]
	return fn, ok
}

// NewBuiltinLibrary returns a small library used by the command line tools
// to exercise a scheduler without a real analytics library.
//
//   - MarketValue: a deterministic pseudo price derived from the target id
//   - Sum: sum of the numeric inputs
//   - Product: product of the numeric inputs
//   - Fail: always errors
func NewBuiltinLibrary() *MapLibrary {
	return NewMapLibrary().
		Register("MarketValue", func(_ context.Context, target model.ComputationTarget, _ []any) (any, error) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(target.ID))
			return float64(h.Sum32()%10000) / 100, nil
		}).
		Register("Sum", func(_ context.Context, _ model.ComputationTarget, inputs []any) (any, error) {
			sum := 0.0
			for _, in := range inputs {
				v, ok := in.(float64)
				if !ok {
					return nil, errors.Errorf("input %v is not a number", in)
				}
				sum += v
			}
			return sum, nil
		}).
		Register("Product", func(_ context.Context, _ model.ComputationTarget, inputs []any) (any, error) {
			product := 1.0
			for _, in := range inputs {
				v, ok := in.(float64)
				if !ok {
					return nil, errors.Errorf("input %v is not a number", in)
				}
				product *= v
			}
			return product, nil
		}).
		Register("Fail", func(_ context.Context, target model.ComputationTarget, _ []any) (any, error) {
			return nil, errors.Errorf("no market data for %s", target)
		})
}
