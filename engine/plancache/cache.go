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

package plancache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/riskflow/engine/model"
	"github.com/pingcap/riskflow/engine/pkg/promutil"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultCapacity is the number of plans kept when nothing is configured.
const DefaultCapacity = 100

type cacheKey struct {
	graphID string
	params  model.PartitionParams
}

// Cache memoizes execution plans by graph identity and parameter signature.
//
// Lookups and inserts hold the read side of an invalidation barrier, and
// InvalidateAll holds the write side, so once InvalidateAll returns no
// lookup can observe a plan inserted before it. Inserts carry the
// generation they were built under and are dropped if an invalidation
// happened meanwhile.
type Cache struct {
	barrier    sync.RWMutex
	generation uint64
	plans      *lru.Cache

	hits          prometheus.Counter
	misses        prometheus.Counter
	invalidations prometheus.Counter
}

// New creates a cache holding at most capacity plans.
func New(capacity int, factory promutil.Factory) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	plans, err := lru.New(capacity)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if factory == nil {
		factory = promutil.NewFactory(nil)
	}
	lookups := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: promutil.Namespace,
		Subsystem: "plan_cache",
		Name:      "lookups_total",
		Help:      "plan cache lookups by result",
	}, []string{"result"})
	return &Cache{
		plans:  plans,
		hits:   lookups.WithLabelValues("hit"),
		misses: lookups.WithLabelValues("miss"),
		invalidations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: promutil.Namespace,
			Subsystem: "plan_cache",
			Name:      "invalidations_total",
			Help:      "number of times the whole plan cache was dropped",
		}),
	}, nil
}

// Get returns the plan of the graph built under params.
func (c *Cache) Get(graphID string, params model.PartitionParams) (*model.ExecutionPlan, bool) {
	c.barrier.RLock()
	defer c.barrier.RUnlock()

	v, ok := c.plans.Get(cacheKey{graphID: graphID, params: params})
	if !ok {
		c.misses.Inc()
		return nil, false
	}
	c.hits.Inc()
	return v.(*model.ExecutionPlan), true
}

// Put stores a plan built under params.
func (c *Cache) Put(graphID string, params model.PartitionParams, plan *model.ExecutionPlan) {
	c.barrier.RLock()
	defer c.barrier.RUnlock()
	c.putLocked(graphID, params, plan)
}

// Generation returns the number of invalidations so far. Pass it to
// PutIfCurrent to store a plan only if nothing was invalidated since.
func (c *Cache) Generation() uint64 {
	c.barrier.RLock()
	defer c.barrier.RUnlock()
	return c.generation
}

// PutIfCurrent stores the plan if the cache was not invalidated after
// generation was read. It reports whether the plan was stored.
func (c *Cache) PutIfCurrent(
	generation uint64, graphID string, params model.PartitionParams, plan *model.ExecutionPlan,
) bool {
	c.barrier.RLock()
	defer c.barrier.RUnlock()
	if generation != c.generation {
		return false
	}
	c.putLocked(graphID, params, plan)
	return true
}

func (c *Cache) putLocked(graphID string, params model.PartitionParams, plan *model.ExecutionPlan) {
	if plan.GraphID != graphID || plan.Params != params {
		log.Warn("refuse to cache a plan under a different signature",
			zap.String("graph-id", graphID),
			zap.String("plan-graph-id", plan.GraphID),
			zap.Stringer("params", params),
			zap.Stringer("plan-params", plan.Params))
		return
	}
	c.plans.Add(cacheKey{graphID: graphID, params: params}, plan)
}

// InvalidateAll drops every plan. It returns only after in-flight lookups
// and inserts are finished.
func (c *Cache) InvalidateAll() {
	c.barrier.Lock()
	defer c.barrier.Unlock()
	c.generation++
	c.plans.Purge()
	c.invalidations.Inc()
}

// Len returns the number of cached plans.
func (c *Cache) Len() int {
	return c.plans.Len()
}
