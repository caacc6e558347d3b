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

package costmodel

import (
	"sync"
	"time"

	"github.com/pingcap/riskflow/engine/model"
)

// CostClassRegistry maps functions to cost classes, so a function never
// observed before starts from the typical cost of its class instead of
// the global default.
type CostClassRegistry struct {
	mu        sync.RWMutex
	classOf   map[model.FunctionID]string
	defaultOf map[string]time.Duration
}

// NewCostClassRegistry creates an empty registry.
func NewCostClassRegistry() *CostClassRegistry {
	return &CostClassRegistry{
		classOf:   make(map[model.FunctionID]string),
		defaultOf: make(map[string]time.Duration),
	}
}

// SetClassDefault sets the cold start estimate of a class.
func (r *CostClassRegistry) SetClassDefault(class string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultOf[class] = d
}

// Register assigns fn to class.
func (r *CostClassRegistry) Register(fn model.FunctionID, class string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classOf[fn] = class
}

// ClassOf returns the class fn is registered to.
func (r *CostClassRegistry) ClassOf(fn model.FunctionID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	class, ok := r.classOf[fn]
	return class, ok
}

// Lookup returns the cold start estimate of the class of fn.
func (r *CostClassRegistry) Lookup(fn model.FunctionID) (time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	class, ok := r.classOf[fn]
	if !ok {
		return 0, false
	}
	d, ok := r.defaultOf[class]
	return d, ok
}
