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
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/riskflow/engine/model"
	"github.com/pingcap/riskflow/engine/pkg/clock"
	"github.com/pingcap/riskflow/engine/pkg/quota"
	cerrors "github.com/pingcap/riskflow/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// LocalNode executes jobs in process. It is the execution engine behind a
// gRPC compute node server, and can be used directly as a Connection.
type LocalNode struct {
	id      string
	library FunctionLibrary
	clock   clock.Clock
	slots   quota.ConcurrencyQuota

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool

	executed atomic.Int64
}

// NewLocalNode creates a node running at most slots jobs at a time.
// Non-positive slots means unbounded.
func NewLocalNode(id string, library FunctionLibrary, slots int, clk clock.Clock) *LocalNode {
	clk = clock.OrNew(clk)
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalNode{
		id:      id,
		library: library,
		clock:   clk,
		slots:   quota.NewConcurrencyQuota(int64(slots)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ID implements Connection.
func (n *LocalNode) ID() string {
	return n.id
}

// Healthy implements Connection.
func (n *LocalNode) Healthy() bool {
	n.closeMu.RLock()
	defer n.closeMu.RUnlock()
	return !n.closed
}

// Executed returns the number of jobs executed so far.
func (n *LocalNode) Executed() int64 {
	return n.executed.Load()
}

// Submit implements Connection.
func (n *LocalNode) Submit(ctx context.Context, spec *model.JobSpec) <-chan Completion {
	n.closeMu.RLock()
	defer n.closeMu.RUnlock()
	if n.closed {
		return completed(Completion{Err: cerrors.ErrComputeNodeClosed.GenWithStackByArgs(n.id)})
	}

	ch := make(chan Completion, 1)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		result, err := n.Execute(ctx, spec)
		if err != nil && n.ctx.Err() != nil {
			err = cerrors.ErrComputeNodeClosed.GenWithStackByArgs(n.id)
		}
		ch <- Completion{Result: result, Err: err}
	}()
	return ch
}

// Execute runs a job and waits for its result. Items run in order; an
// item whose input is unavailable is reported as missing inputs.
func (n *LocalNode) Execute(ctx context.Context, spec *model.JobSpec) (*model.JobResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(n.ctx, cancel)
	defer stop()

	if err := n.slots.Consume(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	defer n.slots.Release()

	values := make(map[model.NodeID]any, len(spec.Items)+len(spec.InputValues))
	for _, in := range spec.InputValues {
		var v any
		if err := json.Unmarshal(in.Value, &v); err != nil {
			return nil, cerrors.ErrInvalidArgument.Wrap(err).GenWithStackByArgs(
				fmt.Sprintf("input value of %s", in.Node))
		}
		values[in.Node] = v
	}

	start := n.clock.Now()
	result := &model.JobResult{
		RunID:         spec.RunID,
		Seq:           spec.Seq,
		ComputeNodeID: n.id,
		Items:         make([]model.JobResultItem, 0, len(spec.Items)),
	}
	for _, item := range spec.Items {
		if err := ctx.Err(); err != nil {
			return nil, errors.Trace(err)
		}
		itemStart := n.clock.Now()
		res := n.executeItem(ctx, &item, values)
		res.Duration = n.clock.Since(itemStart)
		result.Items = append(result.Items, res)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	result.Duration = n.clock.Since(start)
	n.executed.Inc()

	log.Debug("job executed",
		zap.String("node-id", n.id),
		zap.String("job", spec.ID()),
		zap.Int("items", len(spec.Items)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (n *LocalNode) executeItem(
	ctx context.Context, item *model.JobItem, values map[model.NodeID]any,
) model.JobResultItem {
	res := model.JobResultItem{Node: item.Node}

	inputs := make([]any, 0, len(item.Inputs))
	for _, input := range item.Inputs {
		v, ok := values[input]
		if !ok {
			res.Status = model.ItemMissingInputs
			res.Failure = fmt.Sprintf("input %s is unavailable", input)
			return res
		}
		inputs = append(inputs, v)
	}

	fn, ok := n.library.Lookup(item.Function)
	if !ok {
		res.Status = model.ItemFailed
		res.Failure = cerrors.ErrUnknownFunction.GenWithStackByArgs(item.Function).Error()
		return res
	}

	value, err := invoke(ctx, fn, item.Target, inputs)
	if err != nil {
		res.Status = model.ItemFailed
		res.Failure = cerrors.ErrFunctionExecutionFailure.
			GenWithStackByArgs(item.Function, item.Target, err.Error()).Error()
		return res
	}
	data, err := json.Marshal(value)
	if err != nil {
		res.Status = model.ItemFailed
		res.Failure = cerrors.ErrFunctionExecutionFailure.
			GenWithStackByArgs(item.Function, item.Target, err.Error()).Error()
		return res
	}

	values[item.Node] = value
	res.Status = model.ItemSucceeded
	res.Value = data
	return res
}

func invoke(
	ctx context.Context, fn Function, target model.ComputationTarget, inputs []any,
) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, target, inputs)
}

// Close stops accepting jobs, cancels running ones and waits for them.
func (n *LocalNode) Close() error {
	n.closeMu.Lock()
	if n.closed {
		n.closeMu.Unlock()
		return nil
	}
	n.closed = true
	n.closeMu.Unlock()

	n.cancel()
	n.wg.Wait()
	log.Info("local compute node closed", zap.String("node-id", n.id))
	return nil
}
