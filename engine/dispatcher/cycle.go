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
package dispatcher

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/riskflow/engine/computenode"
	"github.com/pingcap/riskflow/engine/model"
	"github.com/pingcap/riskflow/engine/pkg/clock"
	"github.com/pingcap/riskflow/engine/pkg/containers"
	cerrors "github.com/pingcap/riskflow/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CycleHandle tracks the dispatch of one computation cycle.
type CycleHandle struct {
	d         *Dispatcher
	runID     string
	plan      *model.ExecutionPlan
	collector Collector
	logger    *zap.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	stopNotify func() bool

	mu        sync.Mutex
	states    []JobState
	remaining []int // parents not completed yet
	attempts  []int
	tried     []map[string]struct{}
	pending   *containers.Deque[model.JobIndex]
	// waitingSince is when a pending job first found no available node.
	waitingSince map[model.JobIndex]time.Time
	wakeup       *clock.Timer

	unsettled int
	// outstanding counts submissions and timers that still reference the
	// cycle.
	outstanding int
	cancelled   bool
	finished    bool
	done        chan struct{}
	stopwatch   clock.Stopwatch
}

func newCycleHandle(ctx context.Context, d *Dispatcher, plan *model.ExecutionPlan, spec RunSpec) *CycleHandle {
	n := len(plan.Jobs)
	h := &CycleHandle{
		d:            d,
		runID:        spec.RunID,
		plan:         plan,
		collector:    spec.Collector,
		logger:       d.logger.With(zap.String("run-id", spec.RunID)),
		states:       make([]JobState, n),
		remaining:    make([]int, n),
		attempts:     make([]int, n),
		tried:        make([]map[string]struct{}, n),
		pending:      containers.NewDeque[model.JobIndex](),
		waitingSince: make(map[model.JobIndex]time.Time),
		unsettled:    n,
		done:         make(chan struct{}),
		stopwatch:    clock.StartStopwatch(d.clock),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	for i := range plan.Jobs {
		h.states[i] = JobWaiting
		h.remaining[i] = len(plan.Jobs[i].Parents)
		h.tried[i] = make(map[string]struct{})
	}
	return h
}

// watch cancels the cycle once ctx is done. Cancel may run at once in
// another goroutine, so the handle must be fully built.
func (h *CycleHandle) watch(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopNotify = context.AfterFunc(ctx, h.Cancel)
}

func (h *CycleHandle) start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return
	}
	for _, root := range h.plan.Roots {
		h.releaseLocked(root)
	}
	h.scheduleLocked()
	h.maybeFinishLocked()
}

// RunID returns the calculation run id of the cycle.
func (h *CycleHandle) RunID() string {
	return h.runID
}

// Done is closed once every job reached a terminal state and no
// submission is in flight.
func (h *CycleHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the cycle is done or ctx is done.
func (h *CycleHandle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-h.done:
		return nil
	}
}

// States returns the state of every job, by job index.
func (h *CycleHandle) States() []JobState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]JobState(nil), h.states...)
}

// Cancel stops dispatching and marks every unfinished job cancelled.
// Results arriving later are ignored.
func (h *CycleHandle) Cancel() {
	h.mu.Lock()
	if h.cancelled || h.finished {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	for i, state := range h.states {
		if state.IsTerminal() {
			continue
		}
		idx := model.JobIndex(i)
		h.setStateLocked(idx, JobCancelled, "", nil)
		h.collector.MarkJobCancelled(idx)
	}
	h.pending.Drain()
	if h.wakeup != nil && h.wakeup.Stop() {
		h.wakeup = nil
		h.outstanding--
	}
	h.logger.Info("cycle cancelled", zap.Int("in-flight", h.outstanding))
	h.maybeFinishLocked()
	h.mu.Unlock()

	// abandons in flight submissions
	h.cancel()
}

func (h *CycleHandle) setStateLocked(idx model.JobIndex, state JobState, nodeID string, err error) {
	old := h.states[idx]
	h.states[idx] = state
	if state.IsTerminal() && !old.IsTerminal() {
		h.unsettled--
	}
	h.d.notifier.Notify(JobEvent{
		RunID:   h.runID,
		Job:     idx,
		State:   state,
		NodeID:  nodeID,
		Attempt: h.attempts[idx],
		Err:     err,
	})
}

func (h *CycleHandle) releaseLocked(idx model.JobIndex) {
	h.setStateLocked(idx, JobPending, "", nil)
	h.pending.Push(idx)
}

// scheduleLocked dispatches pending jobs in order while compute node slots
// are free. A job that finds no free slot stays pending and does not
// block the jobs after it, which may be able to use another node.
func (h *CycleHandle) scheduleLocked() {
	if h.cancelled || h.pending.Size() == 0 {
		return
	}
	available := h.d.pool.Available()
	now := h.d.clock.Now()

	for n := h.pending.Size(); n > 0; n-- {
		idx, _ := h.pending.Pop()
		if h.states[idx] != JobPending {
			continue
		}
		if len(available) == 0 {
			h.waitForNodeLocked(idx, now)
			continue
		}
		var reservation *rate.Reservation
		if h.d.limiter != nil {
			reservation = h.d.limiter.ReserveN(now, 1)
			if delay := reservation.DelayFrom(now); delay > 0 {
				reservation.CancelAt(now)
				h.pending.PushFront(idx)
				h.armWakeupLocked(delay)
				return
			}
		}
		conn := h.pickConnectionLocked(idx, available)
		if conn == nil {
			if reservation != nil {
				reservation.CancelAt(now)
			}
			h.pending.Push(idx)
			continue
		}
		h.dispatchLocked(idx, conn)
	}
}

// reschedule retries the pending jobs, e.g. after another cycle freed a
// compute node slot.
func (h *CycleHandle) reschedule() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scheduleLocked()
	h.maybeFinishLocked()
}

func (h *CycleHandle) waitForNodeLocked(idx model.JobIndex, now time.Time) {
	since, ok := h.waitingSince[idx]
	if !ok {
		since = now
		h.waitingSince[idx] = now
	}
	if now.Sub(since) >= h.d.cfg.NoNodeTimeout {
		delete(h.waitingSince, idx)
		h.failLocked(idx, "", cerrors.ErrNoAvailableNode.GenWithStackByArgs(h.runID))
		return
	}
	h.pending.Push(idx)

	// wake up when a node leaves its backoff, or poll for nodes coming
	// back otherwise
	delay := h.d.cfg.RetryInterval
	if at, ok := h.d.pool.NextAvailable(); ok {
		delay = at.Sub(now)
	}
	if left := since.Add(h.d.cfg.NoNodeTimeout).Sub(now); delay > left {
		delay = left
	}
	if delay < 0 {
		delay = 0
	}
	h.armWakeupLocked(delay)
}

func (h *CycleHandle) armWakeupLocked(delay time.Duration) {
	if h.wakeup != nil {
		return
	}
	h.outstanding++
	h.wakeup = h.d.clock.AfterFunc(delay, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.wakeup = nil
		h.outstanding--
		h.scheduleLocked()
		h.maybeFinishLocked()
	})
}

// pickConnectionLocked takes a slot on the least loaded connection with a
// free slot, preferring connections the job has not failed on.
func (h *CycleHandle) pickConnectionLocked(
	idx model.JobIndex, available []computenode.Connection,
) computenode.Connection {
	candidates := make([]computenode.Connection, 0, len(available))
	for _, conn := range available {
		if _, ok := h.tried[idx][conn.ID()]; !ok {
			candidates = append(candidates, conn)
		}
	}
	if len(candidates) == 0 {
		candidates = append(candidates, available...)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return h.d.slots.used(candidates[i].ID()) < h.d.slots.used(candidates[j].ID())
	})
	for _, conn := range candidates {
		if h.d.slots.acquire(conn.ID(), h.plan.MaxConcurrency(), h) {
			return conn
		}
	}
	return nil
}

func (h *CycleHandle) dispatchLocked(idx model.JobIndex, conn computenode.Connection) {
	delete(h.waitingSince, idx)
	job := h.plan.Job(idx)
	spec := h.plan.NewJobSpec(h.runID, idx)
	spec.InputValues = h.collector.ResolveInputs(job)

	h.attempts[idx]++
	h.tried[idx][conn.ID()] = struct{}{}
	h.outstanding++
	h.setStateLocked(idx, JobDispatched, conn.ID(), nil)
	h.d.metrics.jobs.WithLabelValues("dispatched").Inc()
	h.d.metrics.inflight.WithLabelValues(conn.ID()).Inc()

	h.logger.Debug("job dispatched",
		zap.String("job", spec.ID()),
		zap.String("compute-node-id", conn.ID()),
		zap.Int("attempt", h.attempts[idx]),
		zap.Int("items", len(spec.Items)),
		zap.Int("input-values", len(spec.InputValues)))
	go h.submit(idx, conn, spec)
}

// submit runs one attempt of a job. It waits for the completion without
// holding any lock and hands it over to the completion workers.
func (h *CycleHandle) submit(
	idx model.JobIndex, conn computenode.Connection, spec *model.JobSpec,
) {
	failpoint.Inject("dispatcherSubmitDelay", func(val failpoint.Value) {
		time.Sleep(time.Duration(val.(int)) * time.Millisecond)
	})

	ctx, cancel := h.ctx, context.CancelFunc(func() {})
	if timeout := h.d.cfg.DispatchTimeout; timeout > 0 {
		ctx, cancel = context.WithTimeout(h.ctx, timeout)
	}
	sw := clock.StartStopwatch(h.d.clock)

	var completion computenode.Completion
	select {
	case completion = <-conn.Submit(ctx, spec):
	case <-ctx.Done():
		completion.Err = errors.Trace(ctx.Err())
	}
	cancel()
	if h.ctx.Err() == nil && errors.Cause(completion.Err) == context.DeadlineExceeded {
		completion.Err = cerrors.ErrDispatchTimeout.Wrap(completion.Err).GenWithStackByArgs(spec.ID(), conn.ID())
	}
	elapsed := sw.Elapsed()

	h.d.handle(func() {
		h.complete(idx, conn, completion, elapsed)
	})
}

func (h *CycleHandle) complete(
	idx model.JobIndex,
	conn computenode.Connection,
	completion computenode.Completion,
	elapsed time.Duration,
) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.d.slots.release(conn.ID())
	h.outstanding--
	h.d.metrics.inflight.WithLabelValues(conn.ID()).Dec()
	h.d.metrics.duration.Observe(elapsed.Seconds())
	defer h.maybeFinishLocked()

	if h.states[idx] != JobDispatched {
		// cancelled meanwhile
		return
	}

	err := completion.Err
	if err == nil {
		h.d.pool.MarkSucceeded(conn.ID())
		if err = h.collector.Observe(completion.Result); err == nil {
			h.completeLocked(idx, conn.ID())
			h.scheduleLocked()
			return
		}
	}

	if cerrors.IsRetryableDispatchError(err) {
		h.d.pool.MarkFailed(conn.ID(), err)
		if h.attempts[idx] <= h.d.cfg.RetryLimit {
			h.logger.Warn("job dispatch failed, retry on another compute node",
				zap.Int("job-index", int(idx)),
				zap.String("compute-node-id", conn.ID()),
				zap.Int("attempt", h.attempts[idx]),
				zap.Error(err))
			h.d.metrics.jobs.WithLabelValues("retried").Inc()
			h.setStateLocked(idx, JobPending, conn.ID(), err)
			h.pending.PushFront(idx)
			h.scheduleLocked()
			return
		}
		err = cerrors.ErrReachMaxTry.Wrap(err).
			GenWithStackByArgs(strconv.Itoa(h.attempts[idx]), cerrors.ShortError(err))
	}
	h.failLocked(idx, conn.ID(), err)
	h.scheduleLocked()
}

func (h *CycleHandle) completeLocked(idx model.JobIndex, nodeID string) {
	h.setStateLocked(idx, JobCompleted, nodeID, nil)
	h.d.metrics.jobs.WithLabelValues("completed").Inc()
	for _, tail := range h.plan.Jobs[idx].Tails {
		if h.states[tail] != JobWaiting {
			continue
		}
		h.remaining[tail]--
		if h.remaining[tail] == 0 {
			h.releaseLocked(tail)
		}
	}
}

// failLocked fails a job terminally. Every transitive tail fails without
// dispatch, and only the job itself is reported to the collector, so
// the items of the tails are collected as missing.
func (h *CycleHandle) failLocked(idx model.JobIndex, nodeID string, err error) {
	h.logger.Warn("job failed",
		zap.Int("job-index", int(idx)),
		zap.String("compute-node-id", nodeID),
		zap.Int("attempts", h.attempts[idx]),
		zap.Error(err))
	h.setStateLocked(idx, JobFailed, nodeID, err)
	h.d.metrics.jobs.WithLabelValues("failed").Inc()
	h.collector.MarkJobFailed(idx, err)

	queue := append([]model.JobIndex(nil), h.plan.Jobs[idx].Tails...)
	for len(queue) > 0 {
		tail := queue[0]
		queue = queue[1:]
		if h.states[tail].IsTerminal() {
			continue
		}
		h.setStateLocked(tail, JobFailed, "", err)
		queue = append(queue, h.plan.Jobs[tail].Tails...)
	}
}

func (h *CycleHandle) maybeFinishLocked() {
	if h.finished || h.unsettled > 0 || h.outstanding > 0 {
		return
	}
	h.finished = true
	if h.stopNotify != nil {
		h.stopNotify()
	}
	h.cancel()
	h.d.slots.forget(h)

	status := model.CycleCompleted
	if h.cancelled {
		status = model.CycleCancelled
	}
	h.d.metrics.cycles.WithLabelValues(string(status)).Inc()
	h.logger.Info("cycle dispatch finished",
		zap.String("status", string(status)),
		zap.Duration("duration", h.stopwatch.Elapsed()))
	close(h.done)
}
