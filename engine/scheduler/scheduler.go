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
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/riskflow/engine/collector"
	"github.com/pingcap/riskflow/engine/costmodel"
	"github.com/pingcap/riskflow/engine/dispatcher"
	"github.com/pingcap/riskflow/engine/graph"
	"github.com/pingcap/riskflow/engine/model"
	"github.com/pingcap/riskflow/engine/pkg/clock"
	"github.com/pingcap/riskflow/engine/pkg/notifier"
	"github.com/pingcap/riskflow/engine/pkg/promutil"
	"github.com/pingcap/riskflow/engine/plancache"
	"github.com/pingcap/riskflow/engine/planner"
	cerrors "github.com/pingcap/riskflow/pkg/errors"
	"go.uber.org/zap"
)

// Config configures a Scheduler.
type Config struct {
	Params            model.PartitionParams
	PlanCacheCapacity int
	CostModel         costmodel.Config
	Dispatcher        dispatcher.Config
}

// NewDefaultConfig returns the default scheduler config.
func NewDefaultConfig() Config {
	return Config{
		Params:            model.DefaultPartitionParams(),
		PlanCacheCapacity: plancache.DefaultCapacity,
		CostModel:         costmodel.Config{DefaultEstimate: costmodel.DefaultEstimate},
		Dispatcher:        dispatcher.NewDefaultConfig(),
	}
}

// Scheduler evaluates dependency graphs on a pool of compute nodes. It
// owns the plan cache, the cost model and the dispatcher shared by all
// its cycles.
//
// Partitioning parameters and the cost model are changed through setters,
// which drop every cached plan before they return. A cycle uses the
// parameters read when it started.
type Scheduler struct {
	configMu  sync.RWMutex
	params    model.PartitionParams
	costModel *costmodel.Model

	cache            *plancache.Cache
	dispatcher       *dispatcher.Dispatcher
	clock            clock.Clock
	collectorMetrics *collector.Metrics
	logger           *zap.Logger
}

// New creates a Scheduler dispatching to pool.
func New(
	cfg Config,
	pool dispatcher.NodePool,
	clk clock.Clock,
	factory promutil.Factory,
	logger *zap.Logger,
) (*Scheduler, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	clk = clock.OrNew(clk)
	if factory == nil {
		factory = promutil.NewFactory(nil)
	}
	if logger == nil {
		logger = zap.L()
	}
	cache, err := plancache.New(cfg.PlanCacheCapacity, factory)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Scheduler{
		params:           cfg.Params,
		costModel:        costmodel.New(cfg.CostModel, factory),
		cache:            cache,
		dispatcher:       dispatcher.New(cfg.Dispatcher, pool, clk, factory, logger),
		clock:            clk,
		collectorMetrics: collector.NewMetrics(factory),
		logger:           logger,
	}, nil
}

// Run drives the dispatcher until ctx is done. Cycles only make progress
// while Run is running.
func (s *Scheduler) Run(ctx context.Context) error {
	return s.dispatcher.Run(ctx)
}

// Close releases the scheduler. Cycles must have finished.
func (s *Scheduler) Close() {
	s.dispatcher.Close()
}

// Subscribe returns a receiver of the job events of every cycle.
func (s *Scheduler) Subscribe() *notifier.Receiver[dispatcher.JobEvent] {
	return s.dispatcher.Subscribe()
}

// Params returns the current partitioning parameters.
func (s *Scheduler) Params() model.PartitionParams {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.params
}

// SetMinimumJobItems sets the advisory lower bound of items per job.
func (s *Scheduler) SetMinimumJobItems(n int) error {
	return s.updateParams(func(p *model.PartitionParams) { p.MinItems = n })
}

// SetMaximumJobItems sets the upper bound of items per job.
func (s *Scheduler) SetMaximumJobItems(n int) error {
	return s.updateParams(func(p *model.PartitionParams) { p.MaxItems = n })
}

// SetMinimumJobCost sets the advisory lower bound of the estimated cost of
// a job.
func (s *Scheduler) SetMinimumJobCost(d time.Duration) error {
	return s.updateParams(func(p *model.PartitionParams) { p.MinCost = d })
}

// SetMaximumJobCost sets the upper bound of the estimated cost of a job.
func (s *Scheduler) SetMaximumJobCost(d time.Duration) error {
	return s.updateParams(func(p *model.PartitionParams) { p.MaxCost = d })
}

// SetMaximumConcurrency sets how many jobs may be dispatched to one
// compute node at a time.
func (s *Scheduler) SetMaximumConcurrency(n int) error {
	return s.updateParams(func(p *model.PartitionParams) { p.MaxConcurrency = n })
}

func (s *Scheduler) updateParams(update func(*model.PartitionParams)) error {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	params := s.params
	update(&params)
	if err := params.Validate(); err != nil {
		return errors.Trace(err)
	}
	old := s.params
	s.params = params
	s.cache.InvalidateAll()
	s.logger.Info("partition params changed",
		zap.Stringer("old", old),
		zap.Stringer("new", params))
	return nil
}

// SetCostModel replaces the cost model plans are sized with.
func (s *Scheduler) SetCostModel(m *costmodel.Model) {
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.costModel = m
	s.cache.InvalidateAll()
	s.logger.Info("cost model replaced", zap.Int("entries", m.Len()))
}

// CostSnapshot returns the current cost estimates.
func (s *Scheduler) CostSnapshot() []costmodel.Entry {
	s.configMu.RLock()
	m := s.costModel
	s.configMu.RUnlock()
	return m.Snapshot()
}

// Plan returns the execution plan of g under the current parameters,
// from the cache when possible. Graphs are cached by identity, so a
// changed graph must come with a new identity.
func (s *Scheduler) Plan(ctx context.Context, g graph.Graph) (*model.ExecutionPlan, error) {
	plan, _, err := s.plan(ctx, g)
	return plan, err
}

func (s *Scheduler) plan(
	ctx context.Context, g graph.Graph,
) (*model.ExecutionPlan, *costmodel.Model, error) {
	s.configMu.RLock()
	params, costModel := s.params, s.costModel
	generation := s.cache.Generation()
	s.configMu.RUnlock()

	if plan, ok := s.cache.Get(g.Identity(), params); ok {
		return plan, costModel, nil
	}
	plan, err := planner.BuildPlan(ctx, g, params, costModel)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	s.cache.PutIfCurrent(generation, g.Identity(), params, plan)
	return plan, costModel, nil
}

// LoadPlan caches a plan built earlier for g, e.g. by `riskflow plan`,
// so cycles of g skip partitioning. The plan must cover the nodes of g and
// have been built with the current parameters.
func (s *Scheduler) LoadPlan(g graph.Graph, plan *model.ExecutionPlan) error {
	if plan.GraphID != g.Identity() {
		return cerrors.ErrPlanMismatch.GenWithStackByArgs(g.Identity(), "plan of graph "+plan.GraphID)
	}
	if plan.ItemCount != g.Len() {
		return cerrors.ErrPlanMismatch.GenWithStackByArgs(g.Identity(),
			fmt.Sprintf("plan has %d items, graph has %d nodes", plan.ItemCount, g.Len()))
	}
	for i := range plan.Jobs {
		for _, item := range plan.Jobs[i].Items {
			if _, ok := g.Node(item.Node); !ok {
				return cerrors.ErrPlanMismatch.GenWithStackByArgs(g.Identity(),
					fmt.Sprintf("node %s is not in the graph", item.Node))
			}
		}
	}

	s.configMu.RLock()
	params := s.params
	generation := s.cache.Generation()
	s.configMu.RUnlock()
	if plan.Params != params {
		return cerrors.ErrPlanMismatch.GenWithStackByArgs(g.Identity(),
			fmt.Sprintf("plan built with %s, current parameters are %s", plan.Params, params))
	}
	s.cache.PutIfCurrent(generation, g.Identity(), params, plan)
	s.logger.Info("execution plan loaded",
		zap.String("graph-id", g.Identity()),
		zap.Int("jobs", len(plan.Jobs)))
	return nil
}

// RunCycle evaluates g once. A cycle always completes with a result
// covering every node; failures are reported per node. Cancelling ctx
// cancels the cycle, which then reports the cancelled status, also when
// the cycle is cancelled while g is partitioned. An error is only returned
// when g cannot be planned.
func (s *Scheduler) RunCycle(ctx context.Context, g graph.Graph) (*model.CycleResult, error) {
	runID := uuid.New().String()
	plan, costModel, err := s.plan(ctx, g)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Cause(err) == ctxErr {
			return s.cancelledResult(runID, g), nil
		}
		return nil, err
	}

	c := collector.New(runID, plan, costModel, s.clock, s.collectorMetrics, s.logger)
	h := s.dispatcher.Dispatch(ctx, plan, dispatcher.RunSpec{RunID: runID, Collector: c})
	<-h.Done()
	return c.Result(), nil
}

// cancelledResult reports every node of g cancelled, for a cycle cancelled
// before it was dispatched.
func (s *Scheduler) cancelledResult(runID string, g graph.Graph) *model.CycleResult {
	order, err := g.TopologicalOrder()
	if err != nil {
		order = order[:0]
		for _, node := range g.Nodes() {
			order = append(order, node.ID)
		}
	}
	result := &model.CycleResult{
		RunID:   runID,
		GraphID: g.Identity(),
		Status:  model.CycleCancelled,
		Nodes:   make(map[model.NodeID]model.NodeResult, len(order)),
		Order:   order,
	}
	for _, id := range order {
		result.Nodes[id] = model.NodeResult{Status: model.NodeCancelled}
	}
	s.logger.Info("cycle cancelled before dispatch",
		zap.String("run-id", runID),
		zap.String("graph-id", g.Identity()),
		zap.Int("nodes", len(order)))
	return result
}
