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
	"time"

	"github.com/pingcap/log"
	"github.com/pingcap/riskflow/engine/computenode"
	"github.com/pingcap/riskflow/engine/model"
	"github.com/pingcap/riskflow/engine/pkg/clock"
	"github.com/pingcap/riskflow/engine/pkg/notifier"
	"github.com/pingcap/riskflow/engine/pkg/promutil"
	cerrors "github.com/pingcap/riskflow/pkg/errors"
	"github.com/pingcap/riskflow/pkg/workerpool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultRetryLimit      = 3
	defaultDispatchTimeout = 5 * time.Minute
	defaultRetryInterval   = 100 * time.Millisecond
	defaultNoNodeTimeout   = 10 * time.Second
	defaultWorkerPoolSize  = 8
)

// Config configures a Dispatcher.
type Config struct {
	// RetryLimit is how many times a job is redispatched after transport
	// failures before it fails terminally.
	RetryLimit int
	// DispatchTimeout bounds one attempt of a job. Zero means no bound.
	DispatchTimeout time.Duration
	// RetryInterval is how often a job waiting for an available compute
	// node looks for one again, when no node is in backoff.
	RetryInterval time.Duration
	// NoNodeTimeout is how long a job waits for an available compute node
	// before it fails.
	NoNodeTimeout time.Duration
	// RateLimit bounds the dispatched jobs per second. Zero means no limit.
	RateLimit float64
	RateBurst int
	// WorkerPoolSize is the number of workers handling job completions.
	WorkerPoolSize int
}

// NewDefaultConfig returns the default dispatcher config.
func NewDefaultConfig() Config {
	return Config{
		RetryLimit:      defaultRetryLimit,
		DispatchTimeout: defaultDispatchTimeout,
		RetryInterval:   defaultRetryInterval,
		NoNodeTimeout:   defaultNoNodeTimeout,
		WorkerPoolSize:  defaultWorkerPoolSize,
	}
}

func (c *Config) adjust() {
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.NoNodeTimeout <= 0 {
		c.NoNodeTimeout = defaultNoNodeTimeout
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = defaultWorkerPoolSize
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = 1
	}
}

// NodePool is the set of compute nodes jobs are dispatched to.
type NodePool interface {
	// Available returns the connections that may receive jobs.
	Available() []computenode.Connection
	// MarkFailed records a transport failure of a node.
	MarkFailed(id string, err error)
	// MarkSucceeded records a job completed by a node.
	MarkSucceeded(id string)
	// NextAvailable returns when the first node in backoff becomes
	// available again, false when no node is in backoff.
	NextAvailable() (time.Time, bool)
}

// Collector receives the outcome of the jobs of a cycle.
type Collector interface {
	Observe(result *model.JobResult) error
	MarkJobFailed(idx model.JobIndex, err error)
	MarkJobCancelled(idx model.JobIndex)
	// ResolveInputs returns the values a job reads from other jobs.
	ResolveInputs(job *model.Job) []model.InputValue
}

// RunSpec describes one computation cycle.
type RunSpec struct {
	RunID     string
	Collector Collector
}

// Dispatcher streams the jobs of execution plans to compute nodes. It can
// run many cycles at a time. Completions are handled on a worker pool,
// which is driven by Run.
type Dispatcher struct {
	cfg      Config
	pool     NodePool
	clock    clock.Clock
	workers  workerpool.AsyncPool
	limiter  *rate.Limiter
	notifier *notifier.Notifier[JobEvent]
	slots    *nodeSlots
	metrics  *metrics
	logger   *zap.Logger
}

// New creates a Dispatcher.
func New(
	cfg Config,
	pool NodePool,
	clk clock.Clock,
	factory promutil.Factory,
	logger *zap.Logger,
) *Dispatcher {
	cfg.adjust()
	clk = clock.OrNew(clk)
	if factory == nil {
		factory = promutil.NewFactory(nil)
	}
	if logger == nil {
		logger = log.L()
	}
	d := &Dispatcher{
		cfg:      cfg,
		pool:     pool,
		clock:    clk,
		workers:  workerpool.NewDefaultAsyncPool(cfg.WorkerPoolSize),
		notifier: notifier.NewNotifier[JobEvent](),
		slots:    newNodeSlots(),
		metrics:  newMetrics(factory),
		logger:   logger,
	}
	if cfg.RateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	return d
}

// Run drives the completion workers until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.workers.Run(ctx)
}

// Subscribe returns a receiver of the job events of every cycle.
func (d *Dispatcher) Subscribe() *notifier.Receiver[JobEvent] {
	return d.notifier.NewReceiver()
}

// Close stops publishing job events.
func (d *Dispatcher) Close() {
	d.notifier.Close()
}

// Dispatch starts a cycle running plan. Root jobs are dispatched right
// away, the others once all their parents completed. Cancelling ctx
// cancels the cycle. At most plan.MaxConcurrency() jobs are dispatched to
// one compute node at a time, counting the jobs of every cycle.
func (d *Dispatcher) Dispatch(ctx context.Context, plan *model.ExecutionPlan, spec RunSpec) *CycleHandle {
	h := newCycleHandle(ctx, d, plan, spec)
	d.logger.Info("cycle dispatch started",
		zap.String("run-id", spec.RunID),
		zap.String("graph-id", plan.GraphID),
		zap.Int("jobs", len(plan.Jobs)),
		zap.Int("roots", len(plan.Roots)),
		zap.Int("max-concurrency", plan.MaxConcurrency()))
	h.watch(ctx)
	if ctx.Err() != nil {
		h.Cancel()
	}
	h.start()
	return h
}

// handle runs f on the completion workers, or inline when they are gone.
func (d *Dispatcher) handle(f func()) {
	if err := d.workers.Go(context.Background(), f); err != nil {
		if !cerrors.Is(err, cerrors.ErrAsyncPoolExited) && !cerrors.Is(err, cerrors.ErrReachMaxTry) {
			d.logger.Warn("failed to submit completion", zap.Error(err))
		}
		f()
	}
}
